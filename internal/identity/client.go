// Package identity talks to the identity service's public and admin APIs
// out of band from the browser: registering identities, API logins, and cleanup.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/settings-e2e/internal/errs"
	"github.com/kuitang/settings-e2e/internal/logutil"
	"github.com/kuitang/settings-e2e/internal/obs"
	"github.com/kuitang/settings-e2e/internal/urlutil"
)

const maxBodyBytes = 1 << 20

// Identity is an identity as returned by the service.
type Identity struct {
	ID     uuid.UUID      `json:"id"`
	State  string         `json:"state"`
	Traits map[string]any `json:"traits"`
}

// Email returns the email trait, or "".
func (i *Identity) Email() string {
	if i == nil {
		return ""
	}
	email, _ := i.Traits["email"].(string)
	return email
}

// Session is the result of a successful API login.
type Session struct {
	Token     string
	ID        uuid.UUID
	Identity  Identity
	ExpiresAt time.Time
}

// Client calls the identity service.
type Client struct {
	publicURL string
	adminURL  string
	http      *http.Client
}

// New creates a client. A nil httpClient gets a 10s-timeout default.
func New(publicURL, adminURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		publicURL: strings.TrimRight(publicURL, "/"),
		adminURL:  strings.TrimRight(adminURL, "/"),
		http:      httpClient,
	}
}

// PublicURL returns the public API base.
func (c *Client) PublicURL() string {
	return c.publicURL
}

// RegisterAPI creates an identity through the API registration flow.
// fields uses form keys ("traits.website"); email and password are set explicitly.
// A duplicate email yields errs.AlreadyExists.
func (c *Client) RegisterAPI(ctx context.Context, email, password string, fields map[string]any) (*Identity, error) {
	flow, err := c.initFlow(ctx, "/self-service/registration/api")
	if err != nil {
		return nil, fmt.Errorf("init registration flow: %w", err)
	}

	traits := TraitsFromFields(fields)
	traits["email"] = email
	payload := map[string]any{
		"method":   "password",
		"password": password,
		"traits":   traits,
	}

	obs.From(ctx).Debug("identity_register_submit", "payload", logutil.RedactFields(payload))
	status, body, err := c.doJSON(ctx, http.MethodPost, flow.Action, payload, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, flowError("register "+email, status, body)
	}

	var out struct {
		Identity Identity `json:"identity"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.Wrap(errs.Internal, "identity: decode registration response", err)
	}
	obs.From(ctx).Info("identity_registered", "identity_id", out.Identity.ID.String(), "email", email)
	return &out.Identity, nil
}

// LoginAPI performs a password login through the API login flow.
// Wrong credentials yield errs.Unauthenticated.
func (c *Client) LoginAPI(ctx context.Context, email, password string) (*Session, error) {
	flow, err := c.initFlow(ctx, "/self-service/login/api")
	if err != nil {
		return nil, fmt.Errorf("init login flow: %w", err)
	}

	payload := map[string]any{
		"method":     "password",
		"identifier": email,
		"password":   password,
	}
	status, body, err := c.doJSON(ctx, http.MethodPost, flow.Action, payload, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, flowError("login "+email, status, body)
	}

	var out struct {
		SessionToken string `json:"session_token"`
		Session      struct {
			ID        uuid.UUID `json:"id"`
			ExpiresAt time.Time `json:"expires_at"`
			Identity  Identity  `json:"identity"`
		} `json:"session"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.Wrap(errs.Internal, "identity: decode login response", err)
	}
	return &Session{
		Token:     out.SessionToken,
		ID:        out.Session.ID,
		Identity:  out.Session.Identity,
		ExpiresAt: out.Session.ExpiresAt,
	}, nil
}

// Whoami resolves a session token. An invalid token yields errs.Unauthenticated.
func (c *Client) Whoami(ctx context.Context, token string) (*Identity, error) {
	headers := http.Header{}
	headers.Set("X-Session-Token", token)
	status, body, err := c.doJSON(ctx, http.MethodGet, c.publicURL+"/sessions/whoami", nil, headers)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errs.New(errs.FromHTTPStatus(status), fmt.Sprintf("identity: whoami returned %d", status))
	}
	var out struct {
		Identity Identity `json:"identity"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.Wrap(errs.Internal, "identity: decode whoami response", err)
	}
	return &out.Identity, nil
}

// IdentityByEmail looks an identity up through the admin API.
func (c *Client) IdentityByEmail(ctx context.Context, email string) (*Identity, error) {
	q := url.Values{}
	q.Set("credentials_identifier", email)
	status, body, err := c.doJSON(ctx, http.MethodGet, c.adminURL+"/admin/identities?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errs.New(errs.FromHTTPStatus(status), fmt.Sprintf("identity: list identities returned %d", status))
	}
	var list []Identity
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, errs.Wrap(errs.Internal, "identity: decode identity list", err)
	}
	for i := range list {
		if strings.EqualFold(list[i].Email(), email) {
			return &list[i], nil
		}
	}
	return nil, errs.New(errs.NotFound, "identity: no identity for "+email)
}

// DeleteIdentity removes an identity. Deleting a missing identity is not an error.
func (c *Client) DeleteIdentity(ctx context.Context, id uuid.UUID) error {
	status, _, err := c.doJSON(ctx, http.MethodDelete, c.adminURL+"/admin/identities/"+id.String(), nil, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return errs.New(errs.FromHTTPStatus(status), fmt.Sprintf("identity: delete %s returned %d", id, status))
	}
}

func (c *Client) initFlow(ctx context.Context, path string) (*Flow, error) {
	status, body, err := c.doJSON(ctx, http.MethodGet, urlutil.BuildAbsolute(c.publicURL, path), nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errs.New(errs.FromHTTPStatus(status), fmt.Sprintf("identity: %s returned %d", path, status))
	}
	return ParseFlow(body)
}

func (c *Client) doJSON(ctx context.Context, method, target string, payload any, headers http.Header) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, errs.Wrap(errs.InvalidArgument, "identity: encode request", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return 0, nil, errs.Wrap(errs.InvalidArgument, "identity: build request", err)
	}
	req.Header.Set("Accept", "application/json")
	obs.Propagate(ctx, req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, errs.Wrap(errs.DeadlineExceeded, "identity: "+method+" "+req.URL.Path, ctx.Err())
		}
		return 0, nil, errs.Wrap(errs.Unavailable, "identity: "+method+" "+req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, errs.Wrap(errs.Unavailable, "identity: read response", err)
	}

	obs.From(ctx).Debug("identity_http",
		"method", method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"headers", logutil.FormatHeadersForLog(req.Header),
		"body", logutil.TruncateForLog(logutil.RedactBodyForLog(resp.Header.Get("Content-Type"), body), 512),
	)
	return resp.StatusCode, body, nil
}

// flowError turns a rejected flow submission into a coded error.
func flowError(op string, status int, body []byte) error {
	flow, err := ParseFlow(body)
	if err != nil {
		return errs.New(errs.FromHTTPStatus(status), fmt.Sprintf("identity: %s returned %d", op, status))
	}
	switch {
	case flow.HasMessage(MsgDuplicateIdentifier):
		return errs.New(errs.AlreadyExists, "identity: "+op+": identifier already registered")
	case flow.HasMessage(MsgInvalidCredentials):
		return errs.New(errs.Unauthenticated, "identity: "+op+": invalid credentials")
	case flow.HasMessage(MsgPasswordPolicyFailed):
		return errs.New(errs.InvalidArgument, "identity: "+op+": password rejected by policy")
	}
	if msg, ok := flow.FirstError(); ok {
		return errs.New(errs.FromHTTPStatus(status), fmt.Sprintf("identity: %s: %s (%d)", op, msg.Text, msg.ID))
	}
	return errs.New(errs.FromHTTPStatus(status), fmt.Sprintf("identity: %s returned %d", op, status))
}
