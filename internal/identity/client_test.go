package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/settings-e2e/internal/errs"
)

type fakeAccount struct {
	identity Identity
	password string
}

// fakeService is a minimal stand-in for the identity service's API flows.
type fakeService struct {
	mu       sync.Mutex
	srv      *httptest.Server
	accounts map[string]*fakeAccount
	tokens   map[string]string
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	f := &fakeService{accounts: map[string]*fakeAccount{}, tokens: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /self-service/registration/api", f.initFlow("/self-service/registration"))
	mux.HandleFunc("GET /self-service/login/api", f.initFlow("/self-service/login"))
	mux.HandleFunc("POST /self-service/registration", f.register)
	mux.HandleFunc("POST /self-service/login", f.login)
	mux.HandleFunc("GET /sessions/whoami", f.whoami)
	mux.HandleFunc("GET /admin/identities", f.list)
	mux.HandleFunc("DELETE /admin/identities/{id}", f.delete)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) initFlow(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		writeJSON(w, http.StatusOK, map[string]any{
			"id": id,
			"ui": map[string]any{
				"action": f.srv.URL + action + "?flow=" + id,
				"method": "POST",
				"nodes":  []any{},
			},
		})
	}
}

func flowWithMessage(id int, text string) map[string]any {
	return map[string]any{
		"id": uuid.NewString(),
		"ui": map[string]any{
			"action":   "http://example.invalid/self-service",
			"method":   "POST",
			"nodes":    []any{},
			"messages": []any{map[string]any{"id": id, "type": "error", "text": text}},
		},
	}
}

func (f *fakeService) register(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Method   string         `json:"method"`
		Password string         `json:"password"`
		Traits   map[string]any `json:"traits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Method != "password" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	email, _ := in.Traits["email"].(string)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[email]; ok {
		writeJSON(w, http.StatusBadRequest, flowWithMessage(MsgDuplicateIdentifier, "An account with the same identifier exists already."))
		return
	}
	if len(in.Password) < 8 {
		writeJSON(w, http.StatusBadRequest, flowWithMessage(MsgPasswordPolicyFailed, "The password can not be used."))
		return
	}
	acct := &fakeAccount{
		identity: Identity{ID: uuid.New(), State: "active", Traits: in.Traits},
		password: in.Password,
	}
	f.accounts[email] = acct
	writeJSON(w, http.StatusOK, map[string]any{"identity": acct.identity})
}

func (f *fakeService) login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)

	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[in.Identifier]
	if !ok || acct.password != in.Password {
		writeJSON(w, http.StatusBadRequest, flowWithMessage(MsgInvalidCredentials, "The provided credentials are invalid."))
		return
	}
	token := "ory_st_" + uuid.NewString()
	f.tokens[token] = in.Identifier
	writeJSON(w, http.StatusOK, map[string]any{
		"session_token": token,
		"session": map[string]any{
			"id":         uuid.NewString(),
			"expires_at": "2030-01-01T00:00:00Z",
			"identity":   acct.identity,
		},
	})
}

func (f *fakeService) whoami(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email, ok := f.tokens[r.Header.Get("X-Session-Token")]
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": f.accounts[email].identity})
}

func (f *fakeService) list(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Identity{}
	if acct, ok := f.accounts[r.URL.Query().Get("credentials_identifier")]; ok {
		out = append(out, acct.identity)
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeService) delete(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for email, acct := range f.accounts {
		if acct.identity.ID.String() == r.PathValue("id") {
			delete(f.accounts, email)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRegisterAPI_CreatesIdentityWithTraits(t *testing.T) {
	f := newFakeService(t)
	c := New(f.srv.URL, f.srv.URL, nil)

	id, err := c.RegisterAPI(context.Background(), "a@example.com", "correct-horse-1", map[string]any{
		"traits.website": "https://www.ory.sh/",
	})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", id.Email())
	assert.Equal(t, "https://www.ory.sh/", id.Traits["website"])
	assert.NotEqual(t, uuid.Nil, id.ID)
}

func TestRegisterAPI_DuplicateEmail(t *testing.T) {
	f := newFakeService(t)
	c := New(f.srv.URL, f.srv.URL, nil)
	ctx := context.Background()

	_, err := c.RegisterAPI(ctx, "dup@example.com", "correct-horse-1", nil)
	require.NoError(t, err)

	_, err = c.RegisterAPI(ctx, "dup@example.com", "correct-horse-2", nil)
	require.Error(t, err)
	assert.Equal(t, errs.AlreadyExists, errs.CodeOf(err))
}

func TestRegisterAPI_WeakPassword(t *testing.T) {
	f := newFakeService(t)
	c := New(f.srv.URL, f.srv.URL, nil)

	_, err := c.RegisterAPI(context.Background(), "weak@example.com", "123", nil)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestLoginAPI_OldPasswordRejected(t *testing.T) {
	f := newFakeService(t)
	c := New(f.srv.URL, f.srv.URL, nil)
	ctx := context.Background()

	_, err := c.RegisterAPI(ctx, "p@example.com", "first-password", nil)
	require.NoError(t, err)

	// Simulate a settings change that replaced the password.
	f.mu.Lock()
	f.accounts["p@example.com"].password = "second-password"
	f.mu.Unlock()

	_, err = c.LoginAPI(ctx, "p@example.com", "first-password")
	require.Error(t, err)
	assert.Equal(t, errs.Unauthenticated, errs.CodeOf(err))

	sess, err := c.LoginAPI(ctx, "p@example.com", "second-password")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sess.Token, "ory_st_"))

	who, err := c.Whoami(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "p@example.com", who.Email())

	_, err = c.Whoami(ctx, "ory_st_bogus")
	assert.Equal(t, errs.Unauthenticated, errs.CodeOf(err))
}

func TestIdentityByEmailAndDelete(t *testing.T) {
	f := newFakeService(t)
	c := New(f.srv.URL, f.srv.URL, nil)
	ctx := context.Background()

	created, err := c.RegisterAPI(ctx, "gone@example.com", "correct-horse-1", nil)
	require.NoError(t, err)

	found, err := c.IdentityByEmail(ctx, "gone@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	require.NoError(t, c.DeleteIdentity(ctx, found.ID))
	require.NoError(t, c.DeleteIdentity(ctx, found.ID), "second delete is a no-op")

	_, err = c.IdentityByEmail(ctx, "gone@example.com")
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestClient_UnreachableService(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, url, nil)
	_, err := c.RegisterAPI(context.Background(), "x@example.com", "correct-horse-1", nil)
	require.Error(t, err)
	assert.Equal(t, errs.Unavailable, errs.CodeOf(err), fmt.Sprintf("%v", err))
}
