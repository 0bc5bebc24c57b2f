// Package testutil provides shared test infrastructure: a temp-dir
// store opener and fake adapters/clocks, since the store is an embedded
// single-file database with no server process to spin up.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kaigi-labs/kaigi/internal/store"
)

// OpenStore opens a throwaway store.DB backed by a temp-dir sqlite file,
// migrated and ready to use, and registers cleanup to close it.
func OpenStore(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	db, err := store.Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("testutil: open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// FakeAdapter is a scriptable adapter.Adapter for tests that need
// deterministic model responses without a real provider. Responses are
// returned in order per call to Invoke; once exhausted, the last
// response repeats.
type FakeAdapter struct {
	AdapterName string
	Responses   []FakeResponse
	calls       int
}

// FakeResponse is one scripted reply.
type FakeResponse struct {
	Text string
	Err  error
}

func (f *FakeAdapter) Name() string { return f.AdapterName }

func (f *FakeAdapter) ValidatePromptLength(string) (bool, int) { return true, 0 }

func (f *FakeAdapter) Invoke(_ context.Context, _ string, _ string) (string, error) {
	if len(f.Responses) == 0 {
		return "", nil
	}
	idx := f.calls
	if idx >= len(f.Responses) {
		idx = len(f.Responses) - 1
	}
	f.calls++
	r := f.Responses[idx]
	return r.Text, r.Err
}

// FakeClock is a manually-advanced time source for tests that need
// deterministic timestamps without sleeping.
type FakeClock struct {
	now time.Time
}

// NewFakeClock constructs a clock starting at t.
func NewFakeClock(t time.Time) *FakeClock { return &FakeClock{now: t} }

// Now returns the clock's current time.
func (c *FakeClock) Now() time.Time { return c.now }

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
