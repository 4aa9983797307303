package imagemanifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	digests map[string]string
	calls   int
}

func (r *staticResolver) Resolve(_ context.Context, image string) (string, error) {
	r.calls++

	digest, ok := r.digests[image]
	if !ok {
		return "", fmt.Errorf("no content for image %s", image)
	}

	return digest, nil
}

func writeManifest(t *testing.T, records []Record) string {
	t.Helper()

	data, err := json.Marshal(records)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "images.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return path
}

func TestVerifyMatch(t *testing.T) {
	path := writeManifest(t, []Record{{Name: "ubuntu-22-04-browser", ExpectedDigest: "sha256:abc"}})
	resolver := &staticResolver{digests: map[string]string{"ubuntu-22-04-browser": "sha256:abc"}}

	manifest, err := Load(path, resolver)
	require.NoError(t, err)
	defer manifest.Close()

	verified, err := manifest.Verify(context.Background(), "ubuntu-22-04-browser", false)
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", verified.Digest)
	assert.False(t, verified.Unverified)
	assert.False(t, verified.VerifiedAt.IsZero())

	verifiedAt, ok := manifest.LastVerifiedAt("ubuntu-22-04-browser")
	require.True(t, ok)
	assert.Equal(t, verified.VerifiedAt, verifiedAt)
}

func TestVerifyMismatch(t *testing.T) {
	path := writeManifest(t, []Record{{Name: "ubuntu-22-04-browser", ExpectedDigest: "sha256:abc"}})
	resolver := &staticResolver{digests: map[string]string{"ubuntu-22-04-browser": "sha256:tampered"}}

	manifest, err := Load(path, resolver)
	require.NoError(t, err)
	defer manifest.Close()

	_, err = manifest.Verify(context.Background(), "ubuntu-22-04-browser", false)

	var mismatch *DigestMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "sha256:abc", mismatch.Expected)
	assert.Equal(t, "sha256:tampered", mismatch.Computed)
}

func TestVerifyUnknownImage(t *testing.T) {
	path := writeManifest(t, nil)

	manifest, err := Load(path, &staticResolver{})
	require.NoError(t, err)
	defer manifest.Close()

	_, err = manifest.Verify(context.Background(), "mystery-image", false)

	var unknown *UnknownImageError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "mystery-image", unknown.Image)
}

func TestVerifyUnknownImageUnverifiedMode(t *testing.T) {
	path := writeManifest(t, nil)

	manifest, err := Load(path, &staticResolver{})
	require.NoError(t, err)
	defer manifest.Close()

	verified, err := manifest.Verify(context.Background(), "mystery-image", true)
	require.NoError(t, err)
	assert.True(t, verified.Unverified)
	assert.Empty(t, verified.Digest)
}

func TestRecentDigestCached(t *testing.T) {
	path := writeManifest(t, []Record{{Name: "img", ExpectedDigest: "sha256:abc"}})
	resolver := &staticResolver{digests: map[string]string{"img": "sha256:abc"}}

	manifest, err := Load(path, resolver)
	require.NoError(t, err)
	defer manifest.Close()

	_, err = manifest.Verify(context.Background(), "img", false)
	require.NoError(t, err)
	_, err = manifest.Verify(context.Background(), "img", false)
	require.NoError(t, err)

	assert.Equal(t, 1, resolver.calls)
}

func TestVerifiedAtPersisted(t *testing.T) {
	path := writeManifest(t, []Record{{Name: "img", ExpectedDigest: "sha256:abc"}})
	resolver := &staticResolver{digests: map[string]string{"img": "sha256:abc"}}

	manifest, err := Load(path, resolver)
	require.NoError(t, err)

	_, err = manifest.Verify(context.Background(), "img", false)
	require.NoError(t, err)
	manifest.Close()

	reloaded, err := Load(path, resolver)
	require.NoError(t, err)
	defer reloaded.Close()

	verifiedAt, ok := reloaded.LastVerifiedAt("img")
	require.True(t, ok)
	assert.False(t, verifiedAt.IsZero())
}
