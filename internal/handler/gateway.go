package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/angeloszaimis/fabric-gateway/internal/dispatcher"
)

const (
	HeaderTargetService = "X-Target-Service"
	HeaderCallerService = "X-Caller-Service"
	HeaderInstance      = "X-Fabric-Instance"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, call dispatcher.Call) (*dispatcher.Response, error)
}

// RequestObserver receives the result of every gateway request.
type RequestObserver interface {
	ObserveRequest(service string, statusCode int, duration time.Duration)
}

type GatewayHandler struct {
	logger        *slog.Logger
	dispatcher    Dispatcher
	observer      RequestObserver
	defaultCaller string
	maxBodyBytes  int64
}

func NewGatewayHandler(logger *slog.Logger, d Dispatcher, observer RequestObserver, defaultCaller string, maxBodyBytes int64) *GatewayHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 10 << 20
	}
	return &GatewayHandler{
		logger:        logger,
		dispatcher:    d,
		observer:      observer,
		defaultCaller: defaultCaller,
		maxBodyBytes:  maxBodyBytes,
	}
}

// ServeHTTP forwards requests addressed as /svc/{service}/{path...} or
// carrying an X-Target-Service header.
func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	service, path := resolveTarget(r)
	if service == "" {
		writeError(w, http.StatusBadRequest, ErrorResponse{
			Code:    CodeMissingService,
			Message: "target service missing: use /svc/{service}/... or the " + HeaderTargetService + " header",
		})
		return
	}

	caller := strings.TrimSpace(r.Header.Get(HeaderCallerService))
	if caller == "" {
		caller = h.defaultCaller
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrorResponse{
				Code:    CodeBodyTooLarge,
				Message: err.Error(),
				Service: service,
			})
			h.observe(service, http.StatusRequestEntityTooLarge, start)
			return
		}
		writeError(w, http.StatusBadRequest, ErrorResponse{Code: CodeInvalidRequest, Message: err.Error(), Service: service})
		return
	}

	header := r.Header.Clone()
	header.Del(HeaderTargetService)

	resp, err := h.dispatcher.Dispatch(r.Context(), dispatcher.Call{
		Caller:  caller,
		Service: service,
		Request: &dispatcher.Request{
			Method:     r.Method,
			Path:       path,
			RawQuery:   r.URL.RawQuery,
			Header:     header,
			Body:       body,
			RemoteAddr: r.RemoteAddr,
			Host:       r.Host,
			TLS:        r.TLS != nil,
		},
	})
	if err != nil {
		status := writeDispatchError(w, service, err)
		h.logger.Warn("Request failed",
			slog.String("from", extractClientIP(r)),
			slog.String("service", service),
			slog.String("caller", caller),
			slog.Int("status", status),
			slog.Any("err", err))
		h.observe(service, status, start)
		return
	}

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set(HeaderInstance, resp.Instance.ID)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Debug("Client went away while writing response", slog.Any("err", err))
	}

	h.logger.Debug("Forwarded request",
		slog.String("service", service),
		slog.String("caller", caller),
		slog.String("instance", resp.Instance.ID),
		slog.String("address", resp.Instance.Address),
		slog.Int("status", resp.StatusCode))
	h.observe(service, resp.StatusCode, start)
}

func (h *GatewayHandler) observe(service string, status int, start time.Time) {
	if h.observer != nil {
		h.observer.ObserveRequest(service, status, time.Since(start))
	}
}

func resolveTarget(r *http.Request) (service, path string) {
	if service = r.PathValue("service"); service != "" {
		return service, "/" + r.PathValue("path")
	}
	return strings.TrimSpace(r.Header.Get(HeaderTargetService)), r.URL.Path
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
