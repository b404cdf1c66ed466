package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/settings-e2e/internal/artifacts"
	"github.com/kuitang/settings-e2e/internal/config"
	"github.com/kuitang/settings-e2e/internal/errs"
	"github.com/kuitang/settings-e2e/internal/mail"
	"github.com/kuitang/settings-e2e/internal/proxy"
	"github.com/kuitang/settings-e2e/internal/s3client"
	"github.com/kuitang/settings-e2e/internal/serviceconfig"
)

type testEnv struct {
	cfg  *config.Config
	mail *mail.FakeServer
	sw   *proxy.Switch
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	profiles := filepath.Join(dir, "profiles")
	require.NoError(t, os.MkdirAll(profiles, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(profiles, "email.yml"), []byte(
		"selfservice:\n  flows:\n    settings:\n      privileged_session_max_age: 5m\n"), 0o644))

	fake := mail.NewFakeServer()
	mailSrv := httptest.NewServer(fake)
	t.Cleanup(mailSrv.Close)

	upstream := httptest.NewServer(nil)
	t.Cleanup(upstream.Close)
	sw, err := proxy.New(upstream.URL, map[string]string{"express": upstream.URL, "react": upstream.URL}, "express")
	require.NoError(t, err)
	proxySrv := httptest.NewServer(sw.Handler())
	t.Cleanup(proxySrv.Close)

	return &testEnv{
		cfg: &config.Config{
			PublicURL:        upstream.URL,
			AdminURL:         upstream.URL,
			MailURL:          mailSrv.URL,
			MailPollTimeout:  time.Second,
			MailPollInterval: 10 * time.Millisecond,
			ProxyURL:         proxySrv.URL,
			ConfigFile:       filepath.Join(dir, "kratos.generated.yml"),
			ProfilesDir:      profiles,
		},
		mail: fake,
		sw:   sw,
	}
}

func (e *testEnv) run(args ...string) (string, error) {
	var out bytes.Buffer
	root := newRootCmd(&out, func() (*config.Config, error) { return e.cfg, nil })
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestProfileAndToggles(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run("profile", "use", "email")
	require.NoError(t, err)
	assert.Equal(t, "using profile email\n", out)

	_, err = env.run("privileged-session", "short")
	require.NoError(t, err)
	_, err = env.run("verification", "enable")
	require.NoError(t, err)

	m := serviceconfig.New(env.cfg.ConfigFile, env.cfg.ProfilesDir, 0)
	v, _, err := m.Get(serviceconfig.PrivilegedSessionMaxAgePath)
	require.NoError(t, err)
	assert.Equal(t, "1ms", v)

	out, err = env.run("config", "get", serviceconfig.VerificationEnabledPath)
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)

	_, err = env.run("privileged-session", "forever")
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))

	_, err = env.run("profile", "use", "nope")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestMailCommands(t *testing.T) {
	env := newTestEnv(t)
	env.mail.Deliver("someone@example.com", mail.VerificationSubject, "<p>Your code: <b>135790</b></p>")

	out, err := env.run("mail", "code", "someone@example.com")
	require.NoError(t, err)
	assert.Equal(t, "135790\n", out)

	_, err = env.run("mail", "clear")
	require.NoError(t, err)
	assert.Equal(t, 0, env.mail.Count())
}

func TestProxyCommands(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run("proxy", "use", "react")
	require.NoError(t, err)
	assert.Equal(t, "proxy now serves react\n", out)
	assert.Equal(t, "react", env.sw.App())

	out, err = env.run("proxy", "current")
	require.NoError(t, err)
	assert.Equal(t, "react\n", out)

	_, err = env.run("proxy", "use", "vue")
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestNotConfigured(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd(&out, func() (*config.Config, error) { return nil, config.ErrNotConfigured })
	root.SetArgs([]string{"mail", "clear"})
	err := root.Execute()
	require.Error(t, err)
	assert.Equal(t, errs.FailedPrecondition, errs.CodeOf(err))
	assert.True(t, strings.Contains(err.Error(), config.EnvPublicURL))
	assert.Equal(t, 1, exitCode(err))
}

func TestParseTraits(t *testing.T) {
	got, err := parseTraits([]string{"traits.website=https://www.ory.sh/", "age=30"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"traits.website": "https://www.ory.sh/", "traits.age": "30"}, got)

	_, err = parseTraits([]string{"=x"})
	assert.Error(t, err)
	_, err = parseTraits([]string{"novalue"})
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 75, exitCode(errs.New(errs.Unavailable, "down")))
	assert.Equal(t, 64, exitCode(errs.New(errs.InvalidArgument, "bad")))
	assert.Equal(t, 1, exitCode(errs.New(errs.NotFound, "gone")))
}

func TestIdentityDelete_MissingOK(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run("identity", "delete", "ghost@example.com")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))

	out, err := env.run("identity", "delete", "ghost@example.com", "--missing-ok")
	require.NoError(t, err)
	assert.Equal(t, "no identity for ghost@example.com\n", out)
}

func TestIdentityLogin_PrintsSessionIdentity(t *testing.T) {
	env := newTestEnv(t)
	const id = "7d2c5a8e-3f41-4c8b-9a57-1b2e6f0d9c34"

	mux := http.NewServeMux()
	mux.HandleFunc("GET /self-service/login/api", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{
			"id": "flow-1",
			"ui": map[string]any{"action": "http://" + r.Host + "/self-service/login?flow=flow-1", "method": "POST", "nodes": []any{}},
		})
	})
	mux.HandleFunc("POST /self-service/login", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in.Password != "correct-horse-1" {
			writeTestJSON(w, http.StatusBadRequest, map[string]any{
				"id": "flow-1",
				"ui": map[string]any{
					"action": "http://" + r.Host + "/self-service/login?flow=flow-1", "method": "POST", "nodes": []any{},
					"messages": []any{map[string]any{"id": 4000006, "type": "error", "text": "The provided credentials are invalid."}},
				},
			})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"session_token": "tok-1", "session": map[string]any{}})
	})
	mux.HandleFunc("GET /sessions/whoami", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Session-Token") != "tok-1" {
			writeTestJSON(w, http.StatusUnauthorized, map[string]any{})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{
			"identity": map[string]any{"id": id, "traits": map[string]any{"email": "a@example.com"}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	env.cfg.PublicURL = srv.URL

	out, err := env.run("identity", "login", "a@example.com", "correct-horse-1")
	require.NoError(t, err)
	assert.Equal(t, id+" a@example.com\n", out)

	_, err = env.run("identity", "login", "a@example.com", "wrong")
	require.Error(t, err)
	assert.Equal(t, errs.Unauthenticated, errs.CodeOf(err))
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestArtifactsCommands(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run("artifacts", "list", "run-7")
	require.Error(t, err)
	assert.Equal(t, errs.FailedPrecondition, errs.CodeOf(err))

	env.cfg.ArtifactBucket = "artifacts"
	env.cfg.AWSEndpointS3 = s3client.TestServer(t, "artifacts")
	env.cfg.AWSRegion = s3client.TestRegion
	env.cfg.AWSAccessKeyID = s3client.TestAccessKeyID
	env.cfg.AWSSecretAccessKey = s3client.TestSecretAccessKey

	ctx := context.Background()
	store, err := artifacts.FromConfig(ctx, env.cfg, "run-7")
	require.NoError(t, err)
	_, err = store.SaveReport(ctx, []byte("<h1>run</h1>"), []byte("# run"))
	require.NoError(t, err)

	out, err := env.run("artifacts", "list", "run-7")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"report.md", "report.html"}, strings.Fields(out))

	out, err = env.run("artifacts", "get", "run-7", "report.md")
	require.NoError(t, err)
	assert.Equal(t, "# run", out)

	out, err = env.run("artifacts", "prune", "run-7")
	require.NoError(t, err)
	assert.Equal(t, "pruned 2 artifacts\n", out)

	_, err = env.run("artifacts", "list", "run-7")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}
