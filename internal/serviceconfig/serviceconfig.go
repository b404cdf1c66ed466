// Package serviceconfig edits the identity service's live YAML configuration.
// The service watches that file and hot-reloads it, so every write is atomic
// and followed by a short settle wait before the caller continues.
package serviceconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kuitang/settings-e2e/internal/errs"
	"github.com/kuitang/settings-e2e/internal/obs"
)

// Well-known configuration paths and values toggled by the browser suite.
const (
	PrivilegedSessionMaxAgePath = "selfservice.flows.settings.privileged_session_max_age"
	VerificationEnabledPath     = "selfservice.flows.verification.enabled"

	ShortPrivilegedSession = "1ms"
	LongPrivilegedSession  = "5m"
)

var profileNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Document is a decoded configuration file.
type Document map[string]any

// Get returns the value at a dotted path.
func (d Document) Get(path string) (any, bool) {
	keys, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	var cur any = map[string]any(d)
	for _, key := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set stores value at a dotted path, creating intermediate maps.
// It fails when an intermediate key already holds a non-map value.
func (d Document) Set(path string, value any) error {
	keys, err := splitPath(path)
	if err != nil {
		return err
	}
	cur := map[string]any(d)
	for i, key := range keys[:len(keys)-1] {
		next, ok := cur[key]
		if !ok || next == nil {
			child := map[string]any{}
			cur[key] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return errs.New(errs.InvalidArgument,
				fmt.Sprintf("serviceconfig: %s is a %T, not a map", strings.Join(keys[:i+1], "."), next))
		}
		cur = child
	}
	cur[keys[len(keys)-1]] = value
	return nil
}

func splitPath(path string) ([]string, error) {
	keys := strings.Split(path, ".")
	for _, k := range keys {
		if k == "" {
			return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("serviceconfig: invalid path %q", path))
		}
	}
	return keys, nil
}

// Manager owns the live configuration file and the directory of named profiles.
type Manager struct {
	LiveFile    string
	ProfilesDir string
	// Settle is how long to wait after a write for the service to reload.
	Settle time.Duration

	mu sync.Mutex
}

// New creates a Manager.
func New(liveFile, profilesDir string, settle time.Duration) *Manager {
	return &Manager{LiveFile: liveFile, ProfilesDir: profilesDir, Settle: settle}
}

// ProfilePath returns the file backing profile name.
func (m *Manager) ProfilePath(name string) string {
	return filepath.Join(m.ProfilesDir, name+".yml")
}

// Load reads and decodes the live file.
func (m *Manager) Load() (Document, error) {
	return readDocument(m.LiveFile)
}

// Get reads a single value from the live file.
func (m *Manager) Get(path string) (any, bool, error) {
	doc, err := m.Load()
	if err != nil {
		return nil, false, err
	}
	v, ok := doc.Get(path)
	return v, ok, nil
}

// UseProfile replaces the live file with the named profile.
func (m *Manager) UseProfile(ctx context.Context, name string) error {
	if !profileNamePattern.MatchString(name) {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("serviceconfig: invalid profile name %q", name))
	}
	src := m.ProfilePath(name)
	doc, err := readDocument(src)
	if err != nil {
		return fmt.Errorf("profile %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(doc); err != nil {
		return err
	}
	obs.From(ctx).Info("service_config_profile", "profile", name, "source", src, "live_file", m.LiveFile)
	return m.settle(ctx)
}

// Update applies fn to the live document and writes the result back.
func (m *Manager) Update(ctx context.Context, fn func(Document) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.Load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	if err := m.write(doc); err != nil {
		return err
	}
	return m.settle(ctx)
}

// Set writes a single value to the live file.
func (m *Manager) Set(ctx context.Context, path string, value any) error {
	err := m.Update(ctx, func(doc Document) error {
		return doc.Set(path, value)
	})
	if err != nil {
		return err
	}
	obs.From(ctx).Info("service_config_set", "path", path, "value", value)
	return nil
}

// ShortPrivilegedSessionTime makes privileged sessions expire almost immediately.
func (m *Manager) ShortPrivilegedSessionTime(ctx context.Context) error {
	return m.Set(ctx, PrivilegedSessionMaxAgePath, ShortPrivilegedSession)
}

// LongPrivilegedSessionTime restores a privileged session window long enough for a scenario.
func (m *Manager) LongPrivilegedSessionTime(ctx context.Context) error {
	return m.Set(ctx, PrivilegedSessionMaxAgePath, LongPrivilegedSession)
}

// EnableVerification makes email changes require a verification code.
func (m *Manager) EnableVerification(ctx context.Context) error {
	return m.Set(ctx, VerificationEnabledPath, true)
}

// DisableVerification lets email changes apply without verification.
func (m *Manager) DisableVerification(ctx context.Context) error {
	return m.Set(ctx, VerificationEnabledPath, false)
}

func (m *Manager) write(doc Document) error {
	payload, err := yaml.Marshal(map[string]any(doc))
	if err != nil {
		return errs.Wrap(errs.Internal, "serviceconfig: encode", err)
	}

	dir := filepath.Dir(m.LiveFile)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(m.LiveFile)+".*.tmp")
	if err != nil {
		return errs.Wrap(errs.FailedPrecondition, "serviceconfig: create temp file", err)
	}
	tempPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tempPath)
		return errs.Wrap(errs.Internal, "serviceconfig: write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return errs.Wrap(errs.Internal, "serviceconfig: close temp file", err)
	}
	if err := os.Chmod(tempPath, 0o644); err != nil {
		_ = os.Remove(tempPath)
		return errs.Wrap(errs.Internal, "serviceconfig: chmod temp file", err)
	}
	if err := os.Rename(tempPath, m.LiveFile); err != nil {
		_ = os.Remove(tempPath)
		return errs.Wrap(errs.Internal, "serviceconfig: rename into place", err)
	}
	return nil
}

func (m *Manager) settle(ctx context.Context) error {
	if m.Settle <= 0 {
		return nil
	}
	timer := time.NewTimer(m.Settle)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.DeadlineExceeded, "serviceconfig: waiting for reload", ctx.Err())
	}
}

func readDocument(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.Wrap(errs.NotFound, "serviceconfig: "+path+" does not exist", err)
		}
		return nil, errs.Wrap(errs.Internal, "serviceconfig: read "+path, err)
	}
	doc := Document{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "serviceconfig: decode "+path, err)
	}
	return doc, nil
}
