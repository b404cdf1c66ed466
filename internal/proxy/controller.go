package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kuitang/settings-e2e/internal/errs"
	"github.com/kuitang/settings-e2e/internal/obs"
)

// Controller talks to a running Switch's control endpoint.
type Controller struct {
	baseURL string
	http    *http.Client
}

// NewController creates a control client for the proxy at baseURL.
func NewController(baseURL string, httpClient *http.Client) *Controller {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Controller{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Use routes subsequent app traffic to app.
func (c *Controller) Use(ctx context.Context, app string) error {
	got, err := c.do(ctx, http.MethodPut, &AppRequest{App: app})
	if err != nil {
		return fmt.Errorf("proxy use %s: %w", app, err)
	}
	if got != app {
		return errs.New(errs.Internal, fmt.Sprintf("proxy: selected %q but proxy reports %q", app, got))
	}
	obs.From(ctx).Info("proxy_switched", "app", app)
	return nil
}

// Current returns the app the proxy is routing to.
func (c *Controller) Current(ctx context.Context) (string, error) {
	return c.do(ctx, http.MethodGet, nil)
}

func (c *Controller) do(ctx context.Context, method string, payload *AppRequest) (string, error) {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", errs.Wrap(errs.Internal, "proxy: encode control request", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+ControlPath, body)
	if err != nil {
		return "", errs.Wrap(errs.InvalidArgument, "proxy: build control request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	obs.Propagate(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.Unavailable, "proxy: control endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = fmt.Sprintf("control endpoint returned %d", resp.StatusCode)
		}
		return "", errs.New(errs.FromHTTPStatus(resp.StatusCode), "proxy: "+e.Error)
	}
	var out AppRequest
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errs.Wrap(errs.Internal, "proxy: decode control response", err)
	}
	return out.App, nil
}
