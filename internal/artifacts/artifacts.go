// Package artifacts uploads failure screenshots and run reports.
// A nil *Store is valid and discards everything, which is how uploads are
// disabled when no bucket is configured.
package artifacts

import (
	"context"
	"regexp"
	"strings"

	"github.com/kuitang/settings-e2e/internal/config"
	"github.com/kuitang/settings-e2e/internal/errs"
	"github.com/kuitang/settings-e2e/internal/obs"
	"github.com/kuitang/settings-e2e/internal/s3client"
)

const keyPrefix = "settings-e2e"

var slugPattern = regexp.MustCompile(`[^a-z0-9._-]+`)

// Store writes artifacts for one run under runs/<runID>/.
type Store struct {
	client *s3client.Client
	runID  string
}

// New creates a store for runID.
func New(client *s3client.Client, runID string) *Store {
	return &Store{client: client, runID: runID}
}

// FromConfig returns a store for the configured bucket, or nil when uploads are off.
func FromConfig(ctx context.Context, cfg *config.Config, runID string) (*Store, error) {
	if !cfg.ArtifactsEnabled() {
		return nil, nil
	}
	client, err := s3client.New(ctx, s3client.Config{
		Endpoint:        cfg.AWSEndpointS3,
		Region:          cfg.AWSRegion,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
		BucketName:      cfg.ArtifactBucket,
		Prefix:          keyPrefix,
		UsePathStyle:    cfg.AWSEndpointS3 != "",
	})
	if err != nil {
		return nil, err
	}
	return New(client, runID), nil
}

// RunID returns the run the store writes under.
func (s *Store) RunID() string {
	if s == nil {
		return ""
	}
	return s.runID
}

// ScreenshotKey returns the key a scenario's screenshot is stored under.
func (s *Store) ScreenshotKey(scenario string) string {
	return "runs/" + s.RunID() + "/screenshots/" + Slug(scenario) + ".png"
}

// SaveScreenshot uploads a PNG for scenario and returns its location.
func (s *Store) SaveScreenshot(ctx context.Context, scenario string, png []byte) (string, error) {
	if s == nil {
		return "", nil
	}
	return s.put(ctx, s.ScreenshotKey(scenario), png, "image/png")
}

// SaveReport uploads the rendered run report in both formats and returns the HTML location.
func (s *Store) SaveReport(ctx context.Context, html, markdown []byte) (string, error) {
	if s == nil {
		return "", nil
	}
	base := s.runPrefix()
	if _, err := s.put(ctx, base+"report.md", markdown, "text/markdown; charset=utf-8"); err != nil {
		return "", err
	}
	return s.put(ctx, base+"report.html", html, "text/html; charset=utf-8")
}

// Bucket returns the bucket artifacts go to, or "" for a nil store.
func (s *Store) Bucket() string {
	if s == nil {
		return ""
	}
	return s.client.BucketName()
}

// Keys lists the run's artifacts by name relative to the run, e.g. "report.md".
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if s == nil {
		return nil, errDisabled
	}
	base := s.runPrefix()
	keys, err := s.client.ListKeys(ctx, base)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, base)
	}
	return keys, nil
}

// Get returns one artifact of the run by the name Keys reports.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	if s == nil {
		return nil, errDisabled
	}
	return s.client.GetObject(ctx, s.runPrefix()+strings.TrimLeft(name, "/"))
}

// Prune deletes every artifact of the run and returns how many it removed.
func (s *Store) Prune(ctx context.Context) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	base := s.runPrefix()
	for i, k := range keys {
		if err := s.client.DeleteObject(ctx, base+k); err != nil {
			return i, err
		}
	}
	obs.From(ctx).Info("artifacts_pruned", "run_id", s.runID, "count", len(keys))
	return len(keys), nil
}

var errDisabled = errs.New(errs.FailedPrecondition, "artifacts: uploads are disabled; set "+config.EnvArtifactBucket)

func (s *Store) runPrefix() string {
	return "runs/" + s.runID + "/"
}

func (s *Store) put(ctx context.Context, key string, content []byte, contentType string) (string, error) {
	if err := s.client.PutObject(ctx, key, content, contentType); err != nil {
		return "", err
	}
	uri := s.client.URI(key)
	obs.From(ctx).Info("artifact_uploaded", "uri", uri, "bytes", len(content))
	return uri, nil
}

// Slug turns a test name such as "TestSettings/react/password/weak" into a key-safe segment.
func Slug(name string) string {
	safe := slugPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	safe = strings.Trim(safe, "-")
	if safe == "" {
		return "unnamed"
	}
	return safe
}
