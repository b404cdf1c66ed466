package artifacts

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/settings-e2e/internal/config"
	"github.com/kuitang/settings-e2e/internal/errs"
	"github.com/kuitang/settings-e2e/internal/s3client"
)

func TestStore_SavesUnderRun(t *testing.T) {
	client := s3client.TestClient(t, "artifacts", keyPrefix)
	store := New(client, "run-123")
	ctx := context.Background()

	uri, err := store.SaveScreenshot(ctx, "TestSettings/react/password/weak", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "s3://artifacts/settings-e2e/runs/run-123/screenshots/testsettings-react-password-weak.png", uri)

	uri, err = store.SaveReport(ctx, []byte("<h1>ok</h1>"), []byte("# ok"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(uri, "runs/run-123/report.html"))

	keys, err := client.ListKeys(ctx, "runs/run-123/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"runs/run-123/screenshots/testsettings-react-password-weak.png",
		"runs/run-123/report.md",
		"runs/run-123/report.html",
	}, keys)

	md, err := client.GetObject(ctx, "runs/run-123/report.md")
	require.NoError(t, err)
	assert.Equal(t, "# ok", string(md))
}

func TestNilStoreDiscards(t *testing.T) {
	var store *Store
	uri, err := store.SaveScreenshot(context.Background(), "x", []byte("png"))
	require.NoError(t, err)
	assert.Empty(t, uri)
	uri, err = store.SaveReport(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, uri)
}

func TestFromConfig_DisabledWithoutBucket(t *testing.T) {
	store, err := FromConfig(context.Background(), &config.Config{}, "run-1")
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestSlug_KeySafe(t *testing.T) {
	assert.Equal(t, "unnamed", Slug(" / "))
	rapid.Check(t, func(rt *rapid.T) {
		got := Slug(rapid.String().Draw(rt, "name"))
		if got == "" || strings.Trim(got, "abcdefghijklmnopqrstuvwxyz0123456789._-") != "" {
			rt.Fatalf("Slug produced %q", got)
		}
	})
}

func TestStore_KeysGetPrune(t *testing.T) {
	client := s3client.TestClient(t, "artifacts", keyPrefix)
	ctx := context.Background()
	store := New(client, "run-1")
	other := New(client, "run-10")

	_, err := store.SaveScreenshot(ctx, "react/profile", []byte("png"))
	require.NoError(t, err)
	_, err = store.SaveReport(ctx, []byte("<p>r</p>"), []byte("r"))
	require.NoError(t, err)
	_, err = other.SaveReport(ctx, []byte("<p>o</p>"), []byte("o"))
	require.NoError(t, err)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"screenshots/react-profile.png", "report.md", "report.html"}, keys)
	assert.Equal(t, "artifacts", store.Bucket())

	html, err := store.Get(ctx, "report.html")
	require.NoError(t, err)
	assert.Equal(t, "<p>r</p>", string(html))

	_, err = store.Get(ctx, "missing.png")
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))

	n, err := store.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	keys, err = store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	otherKeys, err := other.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, otherKeys, 2, "pruning one run leaves runs with a shared id prefix alone")
}

func TestNilStore_ReadsAreDisabled(t *testing.T) {
	var store *Store
	_, err := store.Keys(context.Background())
	assert.Equal(t, errs.FailedPrecondition, errs.CodeOf(err))
	_, err = store.Get(context.Background(), "report.md")
	assert.Equal(t, errs.FailedPrecondition, errs.CodeOf(err))
	_, err = store.Prune(context.Background())
	assert.Equal(t, errs.FailedPrecondition, errs.CodeOf(err))
	assert.Empty(t, store.Bucket())
}
