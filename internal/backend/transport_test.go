package backend_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/fabric-gateway/internal/backend"
	"github.com/angeloszaimis/fabric-gateway/internal/dispatcher"
)

var _ = Describe("HTTPTransport", func() {
	var (
		server    *httptest.Server
		transport *backend.HTTPTransport
		received  *http.Request
		body      string
		mutex     sync.Mutex
	)

	BeforeEach(func() {
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			mutex.Lock()
			received = r.Clone(context.Background())
			body = string(data)
			mutex.Unlock()

			switch r.URL.Path {
			case "/slow":
				select {
				case <-time.After(time.Second):
				case <-r.Context().Done():
					return
				}
			case "/big":
				_, _ = w.Write([]byte(strings.Repeat("x", 64)))
				return
			}

			w.Header().Set("X-Upstream", "job-service")
			w.Header().Set("Connection", "close")
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte("accepted"))
		}))
		transport = backend.NewHTTPTransport(nil, 32)
	})

	AfterEach(func() {
		server.Close()
	})

	request := func(path string) *dispatcher.Request {
		header := make(http.Header)
		header.Set("X-Request-Id", "abc")
		header.Set("Keep-Alive", "timeout=5")
		return &dispatcher.Request{
			Method:     http.MethodPost,
			Path:       path,
			RawQuery:   "page=2",
			Header:     header,
			Body:       []byte(`{"name":"job"}`),
			RemoteAddr: "192.168.1.7:50000",
			Host:       "gateway.local",
		}
	}

	It("should forward method, path, query, headers and body", func() {
		resp, err := transport.Do(context.Background(), server.URL, request("/jobs/42"))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		Expect(string(resp.Body)).To(Equal("accepted"))
		Expect(resp.Header.Get("X-Upstream")).To(Equal("job-service"))
		Expect(resp.Header.Get("Connection")).To(BeEmpty())

		mutex.Lock()
		defer mutex.Unlock()
		Expect(received.Method).To(Equal(http.MethodPost))
		Expect(received.URL.Path).To(Equal("/jobs/42"))
		Expect(received.URL.RawQuery).To(Equal("page=2"))
		Expect(received.Header.Get("X-Request-Id")).To(Equal("abc"))
		Expect(received.Header.Get("Keep-Alive")).To(BeEmpty())
		Expect(received.Header.Get("X-Forwarded-For")).To(Equal("192.168.1.7"))
		Expect(received.Header.Get("X-Forwarded-Host")).To(Equal("gateway.local"))
		Expect(received.Header.Get("X-Forwarded-Proto")).To(Equal("http"))
		Expect(body).To(Equal(`{"name":"job"}`))
	})

	It("should return redirects as is, even with a caller supplied client", func() {
		elsewhere := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("elsewhere"))
		}))
		defer elsewhere.Close()

		redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, elsewhere.URL, http.StatusFound)
		}))
		defer redirecting.Close()

		client := &http.Client{Timeout: 5 * time.Second}
		t := backend.NewHTTPTransport(client, 0)

		req := request("/jobs")
		req.Method = http.MethodGet
		req.Body = nil
		resp, err := t.Do(context.Background(), redirecting.URL, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusFound))
		Expect(resp.Header.Get("Location")).To(Equal(elsewhere.URL))
		Expect(string(resp.Body)).NotTo(ContainSubstring("elsewhere"))
		Expect(client.CheckRedirect).To(BeNil())
	})

	It("should replay the same body on every attempt", func() {
		req := request("/jobs")
		for i := 0; i < 2; i++ {
			_, err := transport.Do(context.Background(), server.URL, req)
			Expect(err).NotTo(HaveOccurred())
			mutex.Lock()
			Expect(body).To(Equal(`{"name":"job"}`))
			mutex.Unlock()
		}
	})

	It("should append to an existing X-Forwarded-For chain", func() {
		req := request("/jobs")
		req.Header.Set("X-Forwarded-For", "10.1.1.1")
		_, err := transport.Do(context.Background(), server.URL, req)
		Expect(err).NotTo(HaveOccurred())

		mutex.Lock()
		defer mutex.Unlock()
		Expect(received.Header.Get("X-Forwarded-For")).To(Equal("10.1.1.1, 192.168.1.7"))
	})

	It("should report timeouts", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := transport.Do(ctx, server.URL, request("/slow"))
		Expect(err).To(MatchError(backend.ErrTimeout))
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("should refuse oversized responses", func() {
		_, err := transport.Do(context.Background(), server.URL, request("/big"))
		Expect(err).To(MatchError(backend.ErrResponseTooLarge))
	})

	It("should refuse addresses without scheme or host", func() {
		_, err := transport.Do(context.Background(), "localhost", request("/jobs"))
		Expect(err).To(MatchError(backend.ErrInvalidAddress))
	})

	It("should report connection failures", func() {
		address := server.URL
		server.Close()
		_, err := transport.Do(context.Background(), address, request("/jobs"))
		Expect(err).To(HaveOccurred())
		Expect(err).NotTo(MatchError(backend.ErrTimeout))
	})

	Describe("Load", func() {
		It("should be empty for unknown addresses", func() {
			Expect(transport.Load("http://nowhere")).To(Equal(backend.Load{}))
		})

		It("should record a response time and release the connection", func() {
			_, err := transport.Do(context.Background(), server.URL, request("/jobs"))
			Expect(err).NotTo(HaveOccurred())

			load := transport.Load(server.URL)
			Expect(load.ActiveConnections).To(BeZero())
			Expect(load.EWMAResponseTime).To(BeNumerically(">", 0))
		})

		It("should forget idle addresses that are not retained", func() {
			_, _ = transport.Do(context.Background(), server.URL, request("/jobs"))
			transport.Retain(nil)
			Expect(transport.Load(server.URL)).To(Equal(backend.Load{}))
		})
	})
})
