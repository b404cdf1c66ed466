package browser

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"testing"

	"github.com/playwright-community/playwright-go"
	"github.com/tidwall/gjson"

	"github.com/kuitang/settings-e2e/internal/config"
	"github.com/kuitang/settings-e2e/internal/identity"
	"github.com/kuitang/settings-e2e/internal/logutil"
	"github.com/kuitang/settings-e2e/internal/obs"
	"github.com/kuitang/settings-e2e/internal/urlutil"
)

// Website is the website trait every scenario identity registers with.
const Website = "https://www.ory.sh/"

// Variant describes one app under test.
type Variant struct {
	App     string // "express" or "react"
	Base    string // browser-facing origin, the host the session cookie must reach
	Route   string // settings page
	Login   string // login page, where step-up challenges land
	Profile string // service configuration profile the app needs
}

// variantProfiles pairs each app with the configuration profile it runs under.
var variantProfiles = []struct{ app, profile string }{
	{"express", "email"},
	{"react", "spa"},
}

// Variants returns the server-rendered and single-page variants.
func Variants(cfg *config.Config) []Variant {
	variants := make([]Variant, 0, len(variantProfiles))
	for _, vp := range variantProfiles {
		base := cfg.AppURL(vp.app)
		variants = append(variants, Variant{
			App:     vp.app,
			Base:    base,
			Route:   urlutil.BuildAbsolute(base, "/settings"),
			Login:   urlutil.BuildAbsolute(base, "/login"),
			Profile: vp.profile,
		})
	}
	return variants
}

// AppPrefix scopes selectors to the server-rendered app's container. The
// single-page app has no container, so its prefix is empty.
func AppPrefix(app string) string {
	if app == "express" {
		return `[data-testid="app-` + app + `"] `
	}
	return ""
}

// MessageSelector addresses a UI message by its numeric id.
func MessageSelector(id int64) string {
	return fmt.Sprintf(`[data-testid="ui/message/%d"]`, id)
}

// Up derives a new, distinct email from v.
func Up(v string) string {
	return "not-" + v
}

// Down reverses one Up.
func Down(v string) string {
	return strings.Replace(v, "not-", "", 1)
}

// containsPattern matches any string containing s literally.
func containsPattern(s string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(s))
}

// Harness binds the helper commands to one page and one variant.
type Harness struct {
	Env     *BrowserTestEnv
	Page    playwright.Page
	Variant Variant

	expect playwright.PlaywrightAssertions
}

// NewHarness opens a fresh page for variant.
func NewHarness(t *testing.T, env *BrowserTestEnv, variant Variant) *Harness {
	t.Helper()

	env.InitBrowser(t)
	return &Harness{
		Env:     env,
		Page:    env.NewPage(t),
		Variant: variant,
		expect:  playwright.NewPlaywrightAssertions(browserMaxTimeoutMS),
	}
}

func (h *Harness) ctx(t *testing.T) context.Context {
	return obs.WithCorrelation(t.Context(), obs.Correlation{
		RunID:    h.Env.RunID,
		Scenario: t.Name(),
		App:      h.Variant.App,
	})
}

// =============================================================================
// Out-of-band helpers
// =============================================================================

// RegisterAPI creates an identity through the API flow. It fails the test if
// the email is already registered.
func (h *Harness) RegisterAPI(t *testing.T, email, password string, fields map[string]any) {
	t.Helper()

	if _, err := h.Env.Identity.RegisterAPI(h.ctx(t), email, password, fields); err != nil {
		t.Fatalf("registerApi %s: %v", email, err)
	}
}

// Proxy routes the shared proxy's app traffic to app.
func (h *Harness) Proxy(t *testing.T, app string) {
	t.Helper()

	if err := h.Env.Proxy.Use(h.ctx(t), app); err != nil {
		t.Fatalf("proxy %s: %v", app, err)
	}
}

// UseConfigProfile switches the identity service to a named configuration profile.
func (h *Harness) UseConfigProfile(t *testing.T, name string) {
	t.Helper()

	if err := h.Env.ServiceConfig.UseProfile(h.ctx(t), name); err != nil {
		t.Fatalf("useConfigProfile %s: %v", name, err)
	}
}

// ShortPrivilegedSessionTime makes the current session unprivileged almost immediately.
func (h *Harness) ShortPrivilegedSessionTime(t *testing.T) {
	t.Helper()

	if err := h.Env.ServiceConfig.ShortPrivilegedSessionTime(h.ctx(t)); err != nil {
		t.Fatalf("shortPrivilegedSessionTime: %v", err)
	}
}

// LongPrivilegedSessionTime restores a privileged window that outlasts a scenario.
func (h *Harness) LongPrivilegedSessionTime(t *testing.T) {
	t.Helper()

	if err := h.Env.ServiceConfig.LongPrivilegedSessionTime(h.ctx(t)); err != nil {
		t.Fatalf("longPrivilegedSessionTime: %v", err)
	}
}

// EnableVerification makes email changes go through a verification code.
func (h *Harness) EnableVerification(t *testing.T) {
	t.Helper()

	if err := h.Env.ServiceConfig.EnableVerification(h.ctx(t)); err != nil {
		t.Fatalf("enableVerification: %v", err)
	}
}

// DisableVerification lets email changes apply immediately.
func (h *Harness) DisableVerification(t *testing.T) {
	t.Helper()

	if err := h.Env.ServiceConfig.DisableVerification(h.ctx(t)); err != nil {
		t.Fatalf("disableVerification: %v", err)
	}
}

// DeleteMail empties the mail catcher.
func (h *Harness) DeleteMail(t *testing.T) {
	t.Helper()

	if err := h.Env.Mailbox.Delete(h.ctx(t)); err != nil {
		t.Fatalf("deleteMail: %v", err)
	}
}

// GetVerificationCodeFromEmail waits, bounded by the configured mail timeout,
// for the newest verification mail to email and returns its code.
func (h *Harness) GetVerificationCodeFromEmail(t *testing.T, email string) string {
	t.Helper()

	code, err := h.Env.Mailbox.VerificationCode(h.ctx(t), email)
	if err != nil {
		t.Fatalf("getVerificationCodeFromEmail %s: %v", email, err)
	}
	return code
}

// =============================================================================
// Session helpers
// =============================================================================

// LoginOptions configures Login.
type LoginOptions struct {
	Email    string
	Password string
	// CookieURL is the origin the session cookie must be visible to. The flow
	// itself always runs against the identity service. Empty means the
	// identity service's public URL.
	CookieURL string
	// ExpectSession defaults to true. When false, Login asserts the service
	// rejects the credentials as invalid and no session exists afterwards.
	ExpectSession *bool
}

// Login replaces the browser's session with one for opts.Email. The flow runs
// through the browser context's request API against the identity service, so
// cookies land in the page's jar.
func (h *Harness) Login(t *testing.T, opts LoginOptions) {
	t.Helper()

	public := h.Env.Identity.PublicURL()
	cookieURL := opts.CookieURL
	if cookieURL == "" {
		cookieURL = public
	}
	expectSession := opts.ExpectSession == nil || *opts.ExpectSession
	log := obs.From(h.ctx(t))

	bctx := h.Page.Context()
	if err := bctx.ClearCookies(); err != nil {
		t.Fatalf("login: clear cookies: %v", err)
	}
	api := bctx.Request()
	jsonHeaders := map[string]string{"Accept": "application/json"}

	status, body := apiGet(t, api, urlutil.BuildAbsolute(public, "/self-service/login/browser"), jsonHeaders)
	if status != http.StatusOK {
		t.Fatalf("login: init browser flow returned %d: %s", status, logutil.TruncateForLog(string(body), 300))
	}
	flow, err := identity.ParseFlow(body)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	resp, err := api.Post(flow.Action, playwright.APIRequestContextPostOptions{
		Headers: map[string]string{"Accept": "application/json", "Content-Type": "application/json"},
		Data: map[string]any{
			"method":     "password",
			"identifier": opts.Email,
			"password":   opts.Password,
			"csrf_token": flow.CSRFToken(),
		},
		Timeout: playwright.Float(browserMaxTimeoutMS),
	})
	if err != nil {
		t.Fatalf("login: submit flow: %v", err)
	}
	submitStatus := resp.Status()
	submitBody, _ := resp.Body()
	_ = resp.Dispose()
	log.Debug("login_submitted", "email", opts.Email, "status", submitStatus, "expect_session", expectSession)

	whoamiStatus, whoamiBody := apiGet(t, api, urlutil.BuildAbsolute(public, "/sessions/whoami"), jsonHeaders)

	if !expectSession {
		if submitStatus == http.StatusOK {
			t.Fatalf("login: expected %s to be rejected, but the flow succeeded", opts.Email)
		}
		rejected, err := identity.ParseFlow(submitBody)
		if err != nil || !rejected.HasMessage(identity.MsgInvalidCredentials) {
			t.Fatalf("login: expected %s to be rejected with message %d, got %d: %s", opts.Email,
				identity.MsgInvalidCredentials, submitStatus, logutil.TruncateForLog(string(submitBody), 300))
		}
		if whoamiStatus != http.StatusUnauthorized {
			t.Fatalf("login: expected no session for %s, whoami returned %d %s", opts.Email, whoamiStatus,
				gjson.GetBytes(whoamiBody, "identity.traits.email").String())
		}
		return
	}

	if submitStatus != http.StatusOK {
		msg := logutil.TruncateForLog(string(submitBody), 300)
		if rejected, err := identity.ParseFlow(submitBody); err == nil {
			if m, ok := rejected.FirstError(); ok {
				msg = fmt.Sprintf("%d %s", m.ID, m.Text)
			}
		}
		t.Fatalf("login: %s rejected with %d: %s", opts.Email, submitStatus, msg)
	}
	if whoamiStatus != http.StatusOK {
		t.Fatalf("login: whoami returned %d after login", whoamiStatus)
	}
	if got := gjson.GetBytes(whoamiBody, "identity.traits.email").String(); !strings.EqualFold(got, opts.Email) {
		t.Fatalf("login: session belongs to %q, want %q", got, opts.Email)
	}

	cookies, err := bctx.Cookies(cookieURL)
	if err != nil {
		t.Fatalf("login: read cookies: %v", err)
	}
	domain := urlutil.CookieDomain(cookieURL)
	for _, c := range cookies {
		if strings.TrimPrefix(c.Domain, ".") == domain {
			return
		}
	}
	t.Fatalf("login: no session cookie stored for %s", domain)
}

func apiGet(t *testing.T, api playwright.APIRequestContext, url string, headers map[string]string) (int, []byte) {
	t.Helper()

	resp, err := api.Get(url, playwright.APIRequestContextGetOptions{
		Headers: headers,
		Timeout: playwright.Float(browserMaxTimeoutMS),
	})
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Dispose() }()
	body, err := resp.Body()
	if err != nil {
		t.Fatalf("GET %s: read body: %v", url, err)
	}
	return resp.Status(), body
}

// ReauthOptions configures Reauth.
type ReauthOptions struct {
	// ExpectEmail is the identifier the challenge must be prefilled with.
	ExpectEmail string
	// TypeEmail, when set, replaces the prefilled identifier.
	TypeEmail    string
	TypePassword string
}

// Reauth completes a step-up login the settings page redirected to and
// restores the long privileged session window before submitting it.
func (h *Harness) Reauth(t *testing.T, opts ReauthOptions) {
	t.Helper()

	h.ExpectURLPrefix(t, h.Variant.Login)
	WaitForSelector(t, h.Page, `input[name="identifier"]`)
	h.ExpectInputValue(t, `input[name="identifier"]`, opts.ExpectEmail)
	if opts.TypeEmail != "" {
		h.FillField(t, `input[name="identifier"]`, opts.TypeEmail)
	}
	h.FillField(t, `input[name="password"]`, opts.TypePassword)
	// The refreshed session must stay privileged long enough for the settings
	// flow to resume after this login.
	h.LongPrivilegedSessionTime(t)
	h.ClickButton(t, `button[value="password"]`)
}

// =============================================================================
// Form helpers
// =============================================================================

// ExpectSettingsSaved asserts the success message of the last settings submission.
func (h *Harness) ExpectSettingsSaved(t *testing.T) {
	t.Helper()

	h.ExpectText(t, MessageSelector(identity.MsgSettingsSaved), "Your changes have been saved")
}

// SubmitProfileForm submits the profile form and waits for it to re-enable.
func (h *Harness) SubmitProfileForm(t *testing.T) {
	t.Helper()

	h.ClickButton(t, `[name="method"][value="profile"]`)
	h.check(t, "profile form re-enabled",
		h.expect.Locator(h.Page.Locator(`[name="method"][value="profile"]:disabled`)).ToHaveCount(0))
}

// Visit opens a URL and waits for the page to render.
func (h *Harness) Visit(t *testing.T, url string) {
	t.Helper()

	Navigate(t, h.Page, url)
}

// FillField clears selector and types value.
func (h *Harness) FillField(t *testing.T, selector, value string) {
	t.Helper()

	h.check(t, "fill "+selector, h.Page.Locator(selector).Fill(value))
}

// ClickButton clicks selector.
func (h *Harness) ClickButton(t *testing.T, selector string) {
	t.Helper()

	h.check(t, "click "+selector, h.Page.Locator(selector).Click())
}

// ToggleCheckbox clicks a checkbox even when the app hides the native input.
func (h *Harness) ToggleCheckbox(t *testing.T, selector string) {
	t.Helper()

	h.check(t, "toggle "+selector, h.Page.Locator(selector).Click(playwright.LocatorClickOptions{
		Force: playwright.Bool(true),
	}))
}

// =============================================================================
// Assertions
// =============================================================================

// ExpectMessage asserts UI message id is present.
func (h *Harness) ExpectMessage(t *testing.T, id int64) {
	t.Helper()

	h.check(t, fmt.Sprintf("message %d present", id),
		h.expect.Locator(h.Page.Locator(MessageSelector(id))).Not().ToHaveCount(0))
}

// ExpectNoMessage asserts UI message id is absent.
func (h *Harness) ExpectNoMessage(t *testing.T, id int64) {
	t.Helper()

	h.check(t, fmt.Sprintf("message %d absent", id),
		h.expect.Locator(h.Page.Locator(MessageSelector(id))).ToHaveCount(0))
}

// ExpectText asserts at least one element matching selector contains text.
func (h *Harness) ExpectText(t *testing.T, selector, text string) {
	t.Helper()

	matching := h.Page.Locator(selector).Filter(playwright.LocatorFilterOptions{HasText: text})
	h.check(t, selector+" contains "+text, h.expect.Locator(matching).Not().ToHaveCount(0))
}

// ExpectExactText asserts selector's text equals text.
func (h *Harness) ExpectExactText(t *testing.T, selector, text string) {
	t.Helper()

	h.check(t, selector+" has text "+text,
		h.expect.Locator(h.Page.Locator(selector)).ToHaveText(text))
}

// ExpectInputContains asserts an input's value contains value.
func (h *Harness) ExpectInputContains(t *testing.T, selector, value string) {
	t.Helper()

	h.check(t, selector+" value contains "+value,
		h.expect.Locator(h.Page.Locator(selector)).ToHaveValue(containsPattern(value)))
}

// ExpectInputValue asserts an input's value equals value.
func (h *Harness) ExpectInputValue(t *testing.T, selector, value string) {
	t.Helper()

	h.check(t, selector+" value is "+value,
		h.expect.Locator(h.Page.Locator(selector)).ToHaveValue(value))
}

// ExpectInputEmpty asserts an input has no value.
func (h *Harness) ExpectInputEmpty(t *testing.T, selector string) {
	t.Helper()

	h.check(t, selector+" is empty",
		h.expect.Locator(h.Page.Locator(selector)).ToHaveValue(""))
}

// ExpectChecked asserts a checkbox's state.
func (h *Harness) ExpectChecked(t *testing.T, selector string, checked bool) {
	t.Helper()

	h.check(t, fmt.Sprintf("%s checked=%v", selector, checked),
		h.expect.Locator(h.Page.Locator(selector)).ToBeChecked(playwright.LocatorAssertionsToBeCheckedOptions{
			Checked: playwright.Bool(checked),
		}))
}

// ExpectURLContains asserts the page URL contains fragment.
func (h *Harness) ExpectURLContains(t *testing.T, fragment string) {
	t.Helper()

	h.check(t, "url contains "+fragment, h.expect.Page(h.Page).ToHaveURL(containsPattern(fragment)))
}

// ExpectURLPrefix asserts the page URL starts with prefix.
func (h *Harness) ExpectURLPrefix(t *testing.T, prefix string) {
	t.Helper()

	h.check(t, "url starts with "+prefix,
		h.expect.Page(h.Page).ToHaveURL(regexp.MustCompile("^"+regexp.QuoteMeta(prefix))))
}

func (h *Harness) check(t *testing.T, what string, err error) {
	t.Helper()

	if err != nil {
		logPageState(t, h.Page)
		t.Fatalf("%s: %v", what, err)
	}
}
