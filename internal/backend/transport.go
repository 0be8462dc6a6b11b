package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/angeloszaimis/fabric-gateway/internal/dispatcher"
)

const defaultMaxBodyBytes = 10 << 20

var (
	ErrTimeout          = errors.New("attempt timed out")
	ErrResponseTooLarge = errors.New("response body too large")
	ErrInvalidAddress   = errors.New("invalid instance address")
)

// Hop-by-hop headers, never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPTransport sends one request to one instance and buffers the answer.
type HTTPTransport struct {
	client       *http.Client
	maxBodyBytes int64
	tracker      tracker
}

// NewHTTPTransport wraps client. Redirects are never followed: a 3xx from an
// instance is returned to the caller as is.
func NewHTTPTransport(client *http.Client, maxBodyBytes int64) *HTTPTransport {
	c := http.Client{}
	if client != nil {
		c = *client
	}
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &HTTPTransport{
		client:       &c,
		maxBodyBytes: maxBodyBytes,
		tracker:      tracker{loads: make(map[string]*load)},
	}
}

func (t *HTTPTransport) Do(ctx context.Context, address string, req *dispatcher.Request) (*dispatcher.Response, error) {
	target, err := targetURL(address, req)
	if err != nil {
		return nil, err
	}

	outReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", address, err)
	}
	outReq.Header = forwardHeaders(req)

	t.tracker.begin(address)
	start := time.Now()
	res, err := t.client.Do(outReq)
	if err != nil {
		t.tracker.end(address, time.Since(start))
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %w", ErrTimeout, address, err)
		}
		return nil, fmt.Errorf("calling %s: %w", address, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, t.maxBodyBytes+1))
	t.tracker.end(address, time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: reading %s: %w", ErrTimeout, address, err)
		}
		return nil, fmt.Errorf("reading response from %s: %w", address, err)
	}
	if int64(len(body)) > t.maxBodyBytes {
		return nil, fmt.Errorf("%w: %s sent more than %d bytes", ErrResponseTooLarge, address, t.maxBodyBytes)
	}

	header := res.Header.Clone()
	removeHopHeaders(header)

	return &dispatcher.Response{
		StatusCode: res.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

// Load returns the observed load of address.
func (t *HTTPTransport) Load(address string) Load {
	return t.tracker.load(address)
}

// Retain forgets idle addresses other than the given ones.
func (t *HTTPTransport) Retain(addresses []string) {
	keep := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		keep[a] = struct{}{}
	}
	t.tracker.forget(keep)
}

func targetURL(address string, req *dispatcher.Request) (*url.URL, error) {
	base, err := url.Parse(address)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	target := *base
	target.Path = joinPath(base.Path, req.Path)
	target.RawPath = ""
	target.RawQuery = req.RawQuery
	return &target, nil
}

func joinPath(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && b != "":
		return a + "/" + b
	}
	return a + b
}

func forwardHeaders(req *dispatcher.Request) http.Header {
	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	removeHopHeaders(header)

	if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		header.Set("X-Forwarded-For", clientIP)
	}
	if req.Host != "" {
		header.Set("X-Forwarded-Host", req.Host)
	}
	proto := "http"
	if req.TLS {
		proto = "https"
	}
	header.Set("X-Forwarded-Proto", proto)

	return header
}

func removeHopHeaders(header http.Header) {
	for _, field := range header.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		header.Del(name)
	}
}
