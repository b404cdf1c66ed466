// Package proxy serves both app variants and the identity service from one
// origin. Identity paths always reach the identity service; everything else
// goes to whichever app is currently selected, so a browser test can switch
// variants without changing the URL it visits.
package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/kuitang/settings-e2e/internal/errs"
	"github.com/kuitang/settings-e2e/internal/obs"
	"github.com/kuitang/settings-e2e/internal/urlutil"
)

// ControlPath selects or reports the current app.
const ControlPath = "/_proxy/app"

// Paths served by the identity public API.
var identityPrefixes = []string{"/self-service", "/sessions", "/.well-known", "/schemas"}

// Prefix some apps put in front of identity paths; removed before forwarding.
const identityMountPrefix = "/.ory/kratos/public"

// AppRequest is the control endpoint's request and response body.
type AppRequest struct {
	App string `json:"app"`
}

// ErrorResponse is the control endpoint's error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Switch is a reverse proxy with a switchable app upstream.
type Switch struct {
	identity *httputil.ReverseProxy
	apps     map[string]*httputil.ReverseProxy

	mu      sync.RWMutex
	current string
}

// New builds a Switch. upstreams maps app names to base URLs; initial must be one of them.
func New(identityURL string, upstreams map[string]string, initial string) (*Switch, error) {
	target, err := parseUpstream(identityURL)
	if err != nil {
		return nil, fmt.Errorf("identity upstream: %w", err)
	}
	s := &Switch{
		identity: newReverseProxy("identity", target, true),
		apps:     make(map[string]*httputil.ReverseProxy, len(upstreams)),
	}
	for name, raw := range upstreams {
		u, err := parseUpstream(raw)
		if err != nil {
			return nil, fmt.Errorf("%s upstream: %w", name, err)
		}
		s.apps[name] = newReverseProxy(name, u, false)
	}
	if err := s.Use(initial); err != nil {
		return nil, err
	}
	return s, nil
}

// Apps returns the known app names, sorted.
func (s *Switch) Apps() []string {
	names := make([]string, 0, len(s.apps))
	for name := range s.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// App returns the currently selected app.
func (s *Switch) App() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Use selects the app that receives non-identity traffic.
func (s *Switch) Use(app string) error {
	if _, ok := s.apps[app]; !ok {
		return errs.New(errs.InvalidArgument,
			fmt.Sprintf("proxy: unknown app %q (known: %s)", app, strings.Join(s.Apps(), ", ")))
	}
	s.mu.Lock()
	prev := s.current
	s.current = app
	s.mu.Unlock()
	if prev != app {
		obs.Pkg("proxy").Info("proxy_app_selected", "app", app, "previous", prev)
	}
	return nil
}

// Handler returns the proxy wrapped in request correlation and access logging.
func (s *Switch) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+ControlPath, s.getApp)
	mux.HandleFunc("PUT "+ControlPath, s.putApp)
	mux.HandleFunc("POST "+ControlPath, s.putApp)
	mux.Handle("/", s)
	return obs.RequestContextMiddleware(obs.AccessLogMiddleware("proxy", mux))
}

// ServeHTTP forwards a request to the identity service or the current app.
func (s *Switch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if IsIdentityPath(r.URL.Path) {
		s.identity.ServeHTTP(w, r)
		return
	}
	s.mu.RLock()
	upstream := s.apps[s.current]
	s.mu.RUnlock()
	upstream.ServeHTTP(w, r)
}

// IsIdentityPath reports whether path belongs to the identity public API.
func IsIdentityPath(path string) bool {
	if urlutil.HasPathPrefix(path, identityMountPrefix) {
		return true
	}
	for _, prefix := range identityPrefixes {
		if urlutil.HasPathPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (s *Switch) getApp(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, AppRequest{App: s.App()})
}

func (s *Switch) putApp(w http.ResponseWriter, r *http.Request) {
	var req AppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := s.Use(strings.TrimSpace(req.App)); err != nil {
		writeError(w, errs.HTTPStatus(errs.CodeOf(err)), errs.MessageOf(err))
		return
	}
	obs.From(r.Context()).Debug("proxy_control", "app", req.App)
	writeJSON(w, http.StatusOK, AppRequest{App: s.App()})
}

func newReverseProxy(name string, target *url.URL, stripMount bool) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if stripMount && urlutil.HasPathPrefix(pr.Out.URL.Path, identityMountPrefix) {
				pr.Out.URL.Path = strings.TrimPrefix(pr.Out.URL.Path, identityMountPrefix)
				if pr.Out.URL.Path == "" {
					pr.Out.URL.Path = "/"
				}
				pr.Out.URL.RawPath = ""
			}
			pr.SetURL(target)
			pr.SetXForwarded()
			// Upstreams build redirects and cookie scopes from the browser-facing host.
			pr.Out.Host = pr.In.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			obs.From(r.Context()).Warn("proxy_upstream_failed",
				"upstream", name,
				"target", target.String(),
				"path", r.URL.Path,
				"origin", urlutil.OriginFromRequest(r, ""),
				"error", err,
			)
			writeError(w, errs.HTTPStatus(errs.Unavailable), name+" upstream unavailable")
		},
	}
}

func parseUpstream(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "proxy: invalid upstream "+raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errs.New(errs.InvalidArgument, "proxy: upstream must be an absolute http(s) URL: "+raw)
	}
	return u, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
