package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/angeloszaimis/fabric-gateway/internal/registry"
)

const DefaultPath = "/health"

var (
	ErrProbeTimeout    = errors.New("probe timed out")
	ErrUnhealthyStatus = errors.New("unhealthy status")
)

// Checker performs one liveness check. A nil error means the instance is
// alive.
type Checker interface {
	Check(ctx context.Context, inst registry.Instance) error
}

// HTTPChecker GETs the instance's health path and accepts any 2xx answer.
type HTTPChecker struct {
	client *http.Client
	path   string
}

func NewHTTPChecker(client *http.Client, path string) *HTTPChecker {
	if client == nil {
		client = &http.Client{}
	}
	if path == "" {
		path = DefaultPath
	}
	return &HTTPChecker{client: client, path: path}
}

func (c *HTTPChecker) Check(ctx context.Context, inst registry.Instance) error {
	healthURL, err := url.JoinPath(inst.Address, c.path)
	if err != nil {
		return fmt.Errorf("building health url for %s: %w", inst.Address, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("building health request for %s: %w", inst.Address, err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrProbeTimeout, inst.Address)
		}
		return fmt.Errorf("probing %s: %w", inst.Address, err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("%w: %s answered %d", ErrUnhealthyStatus, inst.Address, res.StatusCode)
	}
	return nil
}
