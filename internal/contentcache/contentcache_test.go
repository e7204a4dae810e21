package contentcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kb-hub/kb-hub/internal/kvstore"
	"github.com/kb-hub/kb-hub/internal/logging"
	"github.com/kb-hub/kb-hub/internal/manifest"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(t *testing.T, store kvstore.Storage, url string) (*Cache, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := New(Options{
		Store:       store,
		ManifestURL: url,
		TTL:         24 * time.Hour,
		Enabled:     true,
		Logger:      logging.Discard(),
	})
	c.now = clk.now
	return c, clk
}

func sampleManifest() manifest.Manifest {
	v := 1717243200.0
	return manifest.Manifest{
		NavMenu:   []manifest.NavEntry{{Name: "Notes", Path: "notes"}},
		BlogPosts: []manifest.Post{{Title: "Hello", Path: "notes/hello.html", Keywords: []string{"x"}}},
		DirectoryStructure: []manifest.Directory{
			{Path: "notes", Subdirs: []manifest.Directory{}},
		},
		GeneratedAt: &v,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	c, clk := newTestCache(t, kvstore.NewMemory(), "")
	ctx := context.Background()
	m := sampleManifest()

	if !c.Save(ctx, m) {
		t.Fatalf("save should succeed")
	}
	clk.advance(23 * time.Hour)

	got, ok := c.Load(ctx)
	if !ok {
		t.Fatalf("expected cached manifest")
	}
	if !reflect.DeepEqual(got, m) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, m)
	}
}

func TestLoadPurgesExpiredEnvelope(t *testing.T) {
	store := kvstore.NewMemory()
	c, clk := newTestCache(t, store, "")
	ctx := context.Background()

	if !c.Save(ctx, sampleManifest()) {
		t.Fatalf("save should succeed")
	}
	clk.advance(24*time.Hour + time.Millisecond)

	if _, ok := c.Load(ctx); ok {
		t.Fatalf("expired envelope must not be served")
	}
	if _, err := store.Get(ctx, EnvelopeKey); err != kvstore.ErrNotFound {
		t.Fatalf("expired envelope should be purged, got %v", err)
	}
	if _, err := store.Get(ctx, VersionKey); err != kvstore.ErrNotFound {
		t.Fatalf("version marker should be purged, got %v", err)
	}
}

func TestLoadPurgesCorruptEnvelope(t *testing.T) {
	ctx := context.Background()
	cases := map[string]string{
		"not json":        "{broken",
		"no timestamp":    `{"data":{}}`,
		"data wrong type": `{"data":[1],"timestamp":1717243200000,"version":1}`,
		"invalid post":    `{"data":{"blog_posts":[{"title":""}]},"timestamp":1717243200000,"version":1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			store := kvstore.NewMemory()
			c, _ := newTestCache(t, store, "")
			if err := store.Set(ctx, EnvelopeKey, raw); err != nil {
				t.Fatalf("seed: %v", err)
			}
			if _, ok := c.Load(ctx); ok {
				t.Fatalf("corrupt envelope must be absent")
			}
			if _, err := store.Get(ctx, EnvelopeKey); err != kvstore.ErrNotFound {
				t.Fatalf("corrupt envelope should be cleared")
			}
		})
	}
}

func TestSaveFailsSoftlyOnQuotaAndDisabledStorage(t *testing.T) {
	ctx := context.Background()

	tiny, _ := newTestCache(t, kvstore.WithQuota(kvstore.NewMemory(), 32), "")
	if tiny.Save(ctx, sampleManifest()) {
		t.Fatalf("save should report failure when quota is exceeded")
	}
	if _, ok := tiny.Load(ctx); ok {
		t.Fatalf("nothing should be cached")
	}

	disabled, _ := newTestCache(t, kvstore.NewDisabled(), "")
	if disabled.Save(ctx, sampleManifest()) {
		t.Fatalf("save should fail on disabled storage")
	}
	if _, ok := disabled.Load(ctx); ok {
		t.Fatalf("load should report absent on disabled storage")
	}
	disabled.Clear(ctx)

	off := New(Options{Store: kvstore.NewMemory(), Logger: logging.Discard()})
	if off.Save(ctx, sampleManifest()) {
		t.Fatalf("save should be skipped when caching is turned off")
	}
}

func TestVersionFallsBackToCaptureTime(t *testing.T) {
	c, clk := newTestCache(t, kvstore.NewMemory(), "")
	ctx := context.Background()
	m := sampleManifest()
	m.GeneratedAt = nil

	c.Save(ctx, m)
	version, ok := c.Version(ctx)
	if !ok || !version.Equal(clk.t) {
		t.Fatalf("version should equal capture time, got %v", version)
	}
}

func TestCheckForUpdate(t *testing.T) {
	generated := time.Unix(1717243200, 0).UTC()
	var lastModified atomic.Value
	var status atomic.Int32
	status.Store(http.StatusOK)
	var gets atomic.Int32

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			gets.Add(1)
		}
		if v, _ := lastModified.Load().(string); v != "" {
			w.Header().Set("Last-Modified", v)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer upstream.Close()

	c, _ := newTestCache(t, kvstore.NewMemory(), upstream.URL+"/nav_data.json")
	ctx := context.Background()

	if c.CheckForUpdate(ctx) {
		t.Fatalf("no stored version means no proof of staleness")
	}
	c.Save(ctx, sampleManifest())

	lastModified.Store("")
	if c.CheckForUpdate(ctx) {
		t.Fatalf("missing Last-Modified must report false")
	}

	lastModified.Store(generated.Format(http.TimeFormat))
	if c.CheckForUpdate(ctx) {
		t.Fatalf("equal timestamps are not newer")
	}

	lastModified.Store(generated.Add(-time.Hour).Format(http.TimeFormat))
	if c.CheckForUpdate(ctx) {
		t.Fatalf("older remote must report false")
	}

	lastModified.Store(generated.Add(time.Second).Format(http.TimeFormat))
	if !c.CheckForUpdate(ctx) {
		t.Fatalf("newer remote must report true")
	}

	status.Store(http.StatusInternalServerError)
	if c.CheckForUpdate(ctx) {
		t.Fatalf("failed probe must report false")
	}

	lastModified.Store("not a date")
	status.Store(http.StatusOK)
	if c.CheckForUpdate(ctx) {
		t.Fatalf("unparsable header must report false")
	}

	if gets.Load() != 0 {
		t.Fatalf("probe must not transfer the body")
	}
}

func TestCheckForUpdateNetworkError(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL + "/nav_data.json"
	upstream.Close()

	c, _ := newTestCache(t, kvstore.NewMemory(), url)
	c.Save(context.Background(), sampleManifest())
	if c.CheckForUpdate(context.Background()) {
		t.Fatalf("unreachable origin must report false")
	}
}
