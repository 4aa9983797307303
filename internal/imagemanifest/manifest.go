// Package imagemanifest validates runtime images against the trusted digest
// manifest before any provider is asked to instantiate them. A digest
// mismatch indicates tampering or drift, never a transient condition, so
// verification failures are fatal for the spawn request and never retried.
package imagemanifest

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type UnknownImageError struct {
	Image string
}

func (e *UnknownImageError) Error() string {
	return fmt.Sprintf("image %s has no manifest entry", e.Image)
}

type DigestMismatchError struct {
	Image    string
	Expected string
	Computed string
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("image %s digest mismatch: expected %s, computed %s", e.Image, e.Expected, e.Computed)
}

// Record is one durable manifest entry.
type Record struct {
	Name           string    `json:"name"`
	ExpectedDigest string    `json:"digest"`
	LastVerifiedAt time.Time `json:"verified_at,omitzero"`
}

type VerifiedImage struct {
	Name       string
	Digest     string
	VerifiedAt time.Time

	// Unverified is set when the image has no manifest entry and the caller
	// explicitly opted into unverified mode.
	Unverified bool
}

// Resolver computes the content digest for an image reference.
type Resolver interface {
	Resolve(ctx context.Context, image string) (string, error)
}

// FileResolver digests image content from a local image directory. This is
// the default resolver; backends with their own registries can inject one
// that asks the registry instead.
type FileResolver struct {
	Dir string
}

func (r FileResolver) Resolve(ctx context.Context, image string) (string, error) {
	file, err := os.Open(filepath.Join(r.Dir, image))
	if err != nil {
		return "", fmt.Errorf("failed to open image content: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("failed to digest image content: %w", err)
	}

	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// Manifest holds the trusted image → digest mapping, loaded from a durable
// JSON file. Recently computed digests are cached so repeated spawns of the
// same image skip the digest computation for a while.
type Manifest struct {
	mu       sync.Mutex
	path     string
	records  map[string]*Record
	resolver Resolver

	recent *ttlcache.Cache[string, string]
}

const recentDigestTTL = 5 * time.Minute

func Load(path string, resolver Resolver) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image manifest: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse image manifest: %w", err)
	}

	byName := make(map[string]*Record, len(records))
	for i := range records {
		byName[records[i].Name] = &records[i]
	}

	recent := ttlcache.New(
		ttlcache.WithTTL[string, string](recentDigestTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go recent.Start()

	return &Manifest{
		path:     path,
		records:  byName,
		resolver: resolver,
		recent:   recent,
	}, nil
}

// Verify checks the image's computed digest against its manifest entry.
// Unknown images are rejected unless allowUnverified is set, in which case
// the returned image is marked Unverified and the caller must record the
// downgrade in the audit log.
func (m *Manifest) Verify(ctx context.Context, image string, allowUnverified bool) (VerifiedImage, error) {
	m.mu.Lock()
	record, known := m.records[image]
	m.mu.Unlock()

	if !known {
		if allowUnverified {
			return VerifiedImage{
				Name:       image,
				VerifiedAt: time.Now(),
				Unverified: true,
			}, nil
		}

		return VerifiedImage{}, &UnknownImageError{Image: image}
	}

	computed, err := m.computeDigest(ctx, image)
	if err != nil {
		return VerifiedImage{}, err
	}

	if computed != record.ExpectedDigest {
		return VerifiedImage{}, &DigestMismatchError{
			Image:    image,
			Expected: record.ExpectedDigest,
			Computed: computed,
		}
	}

	now := time.Now()

	m.mu.Lock()
	record.LastVerifiedAt = now
	m.mu.Unlock()

	// Best effort: persistence failures leave the in-memory timestamp
	// authoritative until the next successful save.
	_ = m.save()

	return VerifiedImage{
		Name:       image,
		Digest:     computed,
		VerifiedAt: now,
	}, nil
}

func (m *Manifest) computeDigest(ctx context.Context, image string) (string, error) {
	if item := m.recent.Get(image); item != nil {
		return item.Value(), nil
	}

	computed, err := m.resolver.Resolve(ctx, image)
	if err != nil {
		return "", fmt.Errorf("failed to resolve digest for image %s: %w", image, err)
	}

	m.recent.Set(image, computed, ttlcache.DefaultTTL)

	return computed, nil
}

// LastVerifiedAt reports when the image last passed verification.
func (m *Manifest) LastVerifiedAt(image string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[image]
	if !ok {
		return time.Time{}, false
	}

	return record.LastVerifiedAt, true
}

func (m *Manifest) save() error {
	m.mu.Lock()
	records := make([]Record, 0, len(m.records))
	for _, record := range m.records {
		records = append(records, *record)
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}

	return os.Rename(tmp, m.path)
}

func (m *Manifest) Close() {
	m.recent.Stop()
}
