// Package browser runs the settings scenarios against a live identity
// service and both app variants through Playwright.
// All browser test files use BrowserTestEnv via SetupBrowserTestEnv(t).
package browser

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/settings-e2e/internal/artifacts"
	"github.com/kuitang/settings-e2e/internal/config"
	"github.com/kuitang/settings-e2e/internal/identity"
	"github.com/kuitang/settings-e2e/internal/mail"
	"github.com/kuitang/settings-e2e/internal/obs"
	"github.com/kuitang/settings-e2e/internal/proxy"
	"github.com/kuitang/settings-e2e/internal/report"
	"github.com/kuitang/settings-e2e/internal/serviceconfig"
)

const (
	// CODING AGENT RULE: Always use these timeout constants for browser tests.
	// Never introduce a larger timeout value anywhere in tests/browser.
	browserMaxTimeoutMS = 5000
	browserMaxTimeout   = 5 * time.Second
)

var browserFixtureMu sync.Mutex
var browserSharedFixture *BrowserTestEnv

// BrowserTestEnv is the shared environment for all browser tests: clients for
// every external collaborator plus one Playwright browser.
type BrowserTestEnv struct {
	Config        *config.Config
	RunID         string
	Identity      *identity.Client
	Mailbox       *mail.Mailbox
	ServiceConfig *serviceconfig.Manager
	Proxy         *proxy.Controller
	Artifacts     *artifacts.Store
	Report        *report.Report

	pw        *playwright.Playwright
	browser   playwright.Browser
	browserMu sync.Mutex
}

// SetupBrowserTestEnv returns the shared environment, skipping the test when
// no identity service is configured.
func SetupBrowserTestEnv(t *testing.T) *BrowserTestEnv {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	return getOrCreateSharedBrowserTestEnv(t)
}

func getOrCreateSharedBrowserTestEnv(t *testing.T) *BrowserTestEnv {
	t.Helper()

	browserFixtureMu.Lock()
	defer browserFixtureMu.Unlock()

	if browserSharedFixture != nil {
		return browserSharedFixture
	}

	cfg, err := config.LoadDir(repositoryRoot())
	if errors.Is(err, config.ErrNotConfigured) {
		t.Skipf("identity service not configured: %v", err)
	}
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	obs.SetLevel(cfg.LogLevel)

	browserSharedFixture = createBrowserTestEnv(t, cfg)
	return browserSharedFixture
}

func createBrowserTestEnv(t *testing.T, cfg *config.Config) *BrowserTestEnv {
	t.Helper()

	runID := obs.NewRunID()
	store, err := artifacts.FromConfig(context.Background(), cfg, runID)
	if err != nil {
		t.Fatalf("Failed to configure artifact upload: %v", err)
	}

	return &BrowserTestEnv{
		Config:        cfg,
		RunID:         runID,
		Identity:      identity.New(cfg.PublicURL, cfg.AdminURL, nil),
		Mailbox:       mail.New(cfg.MailURL, cfg.MailPollInterval, cfg.MailPollTimeout, nil),
		ServiceConfig: serviceconfig.New(cfg.ConfigFile, cfg.ProfilesDir, cfg.ReloadSettle),
		Proxy:         proxy.NewController(cfg.ProxyURL, nil),
		Artifacts:     store,
		Report:        report.New(runID, time.Now()),
	}
}

// finishSharedBrowserTestEnv uploads the run report and releases the browser.
func finishSharedBrowserTestEnv() {
	browserFixtureMu.Lock()
	defer browserFixtureMu.Unlock()

	env := browserSharedFixture
	if env == nil {
		return
	}
	log := obs.From(obs.WithCorrelation(context.Background(), obs.Correlation{RunID: env.RunID}))

	if len(env.Report.Results()) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		uri, err := env.Artifacts.SaveReport(ctx, env.Report.HTML(), env.Report.Markdown())
		cancel()
		if err != nil {
			log.Error("report_upload_failed", "error", err)
		} else if uri != "" {
			log.Info("report_uploaded", "uri", uri)
		}
		counts := env.Report.Counts()
		log.Info("run_finished",
			"passed", counts[report.Passed],
			"failed", counts[report.Failed],
			"skipped", counts[report.Skipped],
		)
	}

	env.CloseBrowser()
	browserSharedFixture = nil
}

func TestMain(m *testing.M) {
	obs.Init()
	code := m.Run()
	finishSharedBrowserTestEnv()
	os.Exit(code)
}

func repositoryRoot() string {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		panic("Failed to resolve repository root for test utilities")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
}

// =============================================================================
// Browser lifecycle helpers
// =============================================================================

// InitBrowser initializes Playwright and launches Chromium. Skips the test if not available.
func (env *BrowserTestEnv) InitBrowser(t *testing.T) {
	t.Helper()

	env.browserMu.Lock()
	defer env.browserMu.Unlock()

	if env.browser != nil {
		return
	}

	pw, err := playwright.Run()
	if err != nil {
		t.Skip("Playwright not available:", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(env.Config.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		t.Skip("Could not launch browser:", err)
	}
	env.pw = pw
	env.browser = browser
}

// CloseBrowser releases the browser and the Playwright driver, if started.
func (env *BrowserTestEnv) CloseBrowser() {
	env.browserMu.Lock()
	defer env.browserMu.Unlock()

	if env.browser != nil {
		_ = env.browser.Close()
		env.browser = nil
	}
	if env.pw != nil {
		_ = env.pw.Stop()
		env.pw = nil
	}
}

// NewContext creates a new browser context with the default 5s timeout.
func (env *BrowserTestEnv) NewContext(t *testing.T) playwright.BrowserContext {
	t.Helper()

	ctx, err := env.browser.NewContext()
	if err != nil {
		t.Fatalf("could not create browser context: %v", err)
	}
	ctx.SetDefaultTimeout(browserMaxTimeoutMS)
	ctx.SetDefaultNavigationTimeout(browserMaxTimeoutMS)
	return ctx
}

// NewPage creates a page in its own context. Both close when the test ends.
func (env *BrowserTestEnv) NewPage(t *testing.T) playwright.Page {
	t.Helper()

	bctx := env.NewContext(t)
	t.Cleanup(func() { _ = bctx.Close() })

	page, err := bctx.NewPage()
	if err != nil {
		t.Fatalf("could not create page: %v", err)
	}
	page.SetDefaultTimeout(browserMaxTimeoutMS)
	page.SetDefaultNavigationTimeout(browserMaxTimeoutMS)
	return page
}

// =============================================================================
// Navigation and wait helpers
// =============================================================================

// Navigate opens url and waits for DOMContentLoaded.
func Navigate(t *testing.T, page playwright.Page, url string) {
	t.Helper()

	_, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(browserMaxTimeoutMS),
	})
	if err != nil {
		t.Fatalf("Failed to navigate to %s: %v", url, err)
	}
}

// WaitForSelector waits for an element to be visible and returns its locator.
func WaitForSelector(t *testing.T, page playwright.Page, selector string) playwright.Locator {
	t.Helper()

	locator := page.Locator(selector)
	first := locator.First()
	err := first.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(browserMaxTimeoutMS),
	})
	if err != nil {
		logPageState(t, page)
		t.Fatalf("Failed to wait for selector %s: %v", selector, err)
	}
	return first
}

func logPageState(t *testing.T, page playwright.Page) {
	t.Helper()

	title, _ := page.Title()
	content, _ := page.Content()
	if len(content) > 500 {
		content = content[:500] + "..."
	}
	t.Logf("Current URL: %s", page.URL())
	t.Logf("Current title: %s", title)
	t.Logf("Content preview: %s", content)
}

// =============================================================================
// Scenario bookkeeping
// =============================================================================

// RunScenario runs fn as a subtest, records its outcome in the run report,
// and uploads a screenshot of page when it fails.
func (env *BrowserTestEnv) RunScenario(t *testing.T, app, name string, page func() playwright.Page, fn func(t *testing.T)) bool {
	t.Helper()

	return t.Run(name, func(t *testing.T) {
		start := time.Now()
		t.Cleanup(func() {
			res := report.Result{
				Name:     name,
				App:      app,
				Status:   report.Passed,
				Duration: time.Since(start),
			}
			switch {
			case t.Failed():
				res.Status = report.Failed
				res.Message = "see test log for " + t.Name()
				res.Screenshot = env.captureFailure(t, page())
			case t.Skipped():
				res.Status = report.Skipped
			}
			env.Report.Add(res)
		})
		fn(t)
	})
}

func (env *BrowserTestEnv) captureFailure(t *testing.T, page playwright.Page) string {
	if page == nil || env.Artifacts == nil {
		return ""
	}
	png, err := page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
		Timeout:  playwright.Float(browserMaxTimeoutMS),
	})
	if err != nil {
		t.Logf("Failed to capture screenshot: %v", err)
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), browserMaxTimeout)
	defer cancel()
	uri, err := env.Artifacts.SaveScreenshot(ctx, t.Name(), png)
	if err != nil {
		t.Logf("Failed to upload screenshot: %v", err)
		return ""
	}
	t.Logf("Screenshot: %s", uri)
	return uri
}

// =============================================================================
// Test data
// =============================================================================

// GenerateUniqueEmail generates a unique email for test isolation.
func GenerateUniqueEmail(prefix string) string {
	return fmt.Sprintf("%s-%s@example.com", prefix, randomHex(8))
}

// GeneratePassword returns a random password that passes the service's strength policy.
func GeneratePassword() string {
	return "Pw-" + randomHex(12) + "!x"
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := crand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to generate random suffix: %v", err))
	}
	return hex.EncodeToString(buf)
}
