package loader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kb-hub/kb-hub/internal/appstate"
	"github.com/kb-hub/kb-hub/internal/contentcache"
	"github.com/kb-hub/kb-hub/internal/kvstore"
	"github.com/kb-hub/kb-hub/internal/logging"
	"github.com/kb-hub/kb-hub/internal/manifest"
)

const helloManifest = `{"nav_menu":[{"name":"Notes","path":"notes"}],"blog_posts":[{"title":"Hello","path":"notes/hello.html","keywords":["x"]}],"directory_structure":[]}`

type origin struct {
	server *httptest.Server
	gets   atomic.Int32
	heads  atomic.Int32
}

func newOrigin(t *testing.T, handler func(o *origin, w http.ResponseWriter, r *http.Request)) *origin {
	t.Helper()
	o := &origin{}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			o.heads.Add(1)
		} else {
			o.gets.Add(1)
		}
		handler(o, w, r)
	}))
	t.Cleanup(o.server.Close)
	return o
}

func (o *origin) manifestURL() string { return o.server.URL + "/nav_data.json" }

type fixture struct {
	loader *Loader
	cache  *contentcache.Cache
	store  kvstore.Storage

	mu     sync.Mutex
	delays []time.Duration
}

func newFixture(t *testing.T, url string, store kvstore.Storage) *fixture {
	t.Helper()
	if store == nil {
		store = kvstore.NewMemory()
	}
	logger := logging.Discard()
	cache := contentcache.New(contentcache.Options{
		Store:       store,
		ManifestURL: url,
		Enabled:     true,
		Logger:      logger,
	})
	f := &fixture{cache: cache, store: store}
	f.loader = New(Options{
		ManifestURL:  url,
		Cache:        cache,
		State:        appstate.New(50),
		FetchTimeout: 50 * time.Millisecond,
		MaxAttempts:  3,
		RetryDelay:   5 * time.Millisecond,
		Logger:       logger,
	})
	f.loader.notify = func(_ error, delay time.Duration) {
		f.mu.Lock()
		f.delays = append(f.delays, delay)
		f.mu.Unlock()
	}
	t.Cleanup(f.loader.Close)
	return f
}

func TestLoadAdoptsNetworkManifestAndCaches(t *testing.T) {
	o := newOrigin(t, func(_ *origin, w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(helloManifest))
	})
	f := newFixture(t, o.manifestURL(), nil)

	snap, err := f.loader.Load(context.Background())
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if snap.Source != appstate.SourceNetwork {
		t.Fatalf("expected network source, got %s", snap.Source)
	}
	want, _ := manifest.Decode([]byte(helloManifest))
	if !reflect.DeepEqual(snap.Manifest, want) {
		t.Fatalf("adopted manifest mismatch: %+v", snap.Manifest)
	}
	if f.loader.State().Current() != snap {
		t.Fatalf("state should hold the adopted snapshot")
	}

	cached, ok := f.cache.Load(context.Background())
	if !ok || !reflect.DeepEqual(cached, want) {
		t.Fatalf("reload within TTL should come from cache: ok=%v %+v", ok, cached)
	}
	if o.gets.Load() != 1 {
		t.Fatalf("expected exactly one network fetch, got %d", o.gets.Load())
	}
}

func TestLoadTimeoutsFallBackToDefaults(t *testing.T) {
	o := newOrigin(t, func(_ *origin, _ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	f := newFixture(t, o.manifestURL(), nil)

	snap, err := f.loader.Load(context.Background())
	if !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("expected ErrLoadFailed, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout cause, got %v", err)
	}
	if snap.Source != appstate.SourceDefault {
		t.Fatalf("expected default source, got %s", snap.Source)
	}
	if !reflect.DeepEqual(snap.Manifest, manifest.Default()) {
		t.Fatalf("expected built-in manifest")
	}
	if got := o.gets.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !reflect.DeepEqual(f.delays, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}) {
		t.Fatalf("unexpected retry delays %v", f.delays)
	}
	if _, ok := f.cache.Load(context.Background()); ok {
		t.Fatalf("defaults must never be written to the cache")
	}
}

func TestRetryTreatsBadStatusAndMalformedBodyAsRetryable(t *testing.T) {
	o := newOrigin(t, func(o *origin, w http.ResponseWriter, _ *http.Request) {
		switch o.gets.Load() {
		case 1:
			w.WriteHeader(http.StatusBadGateway)
		case 2:
			w.Write([]byte(`[1,2,3]`))
		default:
			w.Write([]byte(helloManifest))
		}
	})
	f := newFixture(t, o.manifestURL(), nil)

	snap, err := f.loader.Load(context.Background())
	if err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}
	if snap.Source != appstate.SourceNetwork || o.gets.Load() != 3 {
		t.Fatalf("unexpected result source=%s gets=%d", snap.Source, o.gets.Load())
	}
}

func TestCachedManifestRefreshesInBackground(t *testing.T) {
	const fresh = `{"nav_menu":[],"blog_posts":[{"title":"New","path":"notes/new.html","keywords":[]}],"directory_structure":[],"generated_at":1717300000}`
	o := newOrigin(t, func(_ *origin, w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", time.Unix(1717300000, 0).UTC().Format(http.TimeFormat))
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte(fresh))
	})
	f := newFixture(t, o.manifestURL(), nil)

	old := 1717200000.0
	seed := manifest.Default()
	seed.GeneratedAt = &old
	if !f.cache.Save(context.Background(), seed) {
		t.Fatalf("seed save failed")
	}

	snap, err := f.loader.Load(context.Background())
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if snap.Source != appstate.SourceCache {
		t.Fatalf("cached manifest should be adopted first, got %s", snap.Source)
	}

	f.loader.Wait()
	current := f.loader.State().Current()
	if current.Source != appstate.SourceNetwork || current.Manifest.BlogPosts[0].Title != "New" {
		t.Fatalf("background refresh should replace state, got %+v", current)
	}
	if snap.Manifest.BlogPosts[0].Title == "New" {
		t.Fatalf("returned snapshot must not change after the fact")
	}
	if o.heads.Load() != 1 || o.gets.Load() != 1 {
		t.Fatalf("expected one probe and one fetch, got heads=%d gets=%d", o.heads.Load(), o.gets.Load())
	}

	cached, ok := f.cache.Load(context.Background())
	if !ok || cached.BlogPosts[0].Title != "New" {
		t.Fatalf("refresh should update the cache")
	}
}

func TestBackgroundRefreshFailureKeepsCachedState(t *testing.T) {
	o := newOrigin(t, func(_ *origin, w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		if r.Method == http.MethodHead {
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})
	f := newFixture(t, o.manifestURL(), nil)

	seed, _ := manifest.Decode([]byte(helloManifest))
	f.cache.Save(context.Background(), seed)

	if _, err := f.loader.Load(context.Background()); err != nil {
		t.Fatalf("cached load should not fail: %v", err)
	}
	f.loader.Wait()

	current := f.loader.State().Current()
	if current.Source != appstate.SourceCache {
		t.Fatalf("failed background refresh must not fall back to defaults, got %s", current.Source)
	}
	if o.gets.Load() != 3 {
		t.Fatalf("background refresh should use the same retry bound, got %d", o.gets.Load())
	}
}

func TestUpToDateCacheSkipsFetch(t *testing.T) {
	o := newOrigin(t, func(_ *origin, w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Last-Modified", time.Unix(1000, 0).UTC().Format(http.TimeFormat))
	})
	f := newFixture(t, o.manifestURL(), nil)
	f.cache.Save(context.Background(), manifest.Default())

	if _, err := f.loader.Load(context.Background()); err != nil {
		t.Fatalf("load error: %v", err)
	}
	f.loader.Wait()
	if o.gets.Load() != 0 {
		t.Fatalf("no fetch expected when cache is current")
	}
}

func TestRefreshRecoversFromDefaults(t *testing.T) {
	var healthy atomic.Bool
	o := newOrigin(t, func(_ *origin, w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte(helloManifest))
	})
	f := newFixture(t, o.manifestURL(), nil)

	snap, _ := f.loader.Load(context.Background())
	if snap.Source != appstate.SourceDefault {
		t.Fatalf("outage should fall back to defaults, got %s", snap.Source)
	}
	if f.loader.Refresh(context.Background()) {
		t.Fatalf("refresh during the outage must keep defaults")
	}

	healthy.Store(true)
	if !f.loader.Refresh(context.Background()) {
		t.Fatalf("refresh should adopt network data once the origin recovers")
	}
	current := f.loader.State().Current()
	if current.Source != appstate.SourceNetwork || current.Manifest.BlogPosts[0].Title != "Hello" {
		t.Fatalf("unexpected state after recovery: %+v", current)
	}
	if _, ok := f.cache.Load(context.Background()); !ok {
		t.Fatalf("recovered manifest should be cached")
	}
}

func TestRefreshFetchesWhenNoVersionStored(t *testing.T) {
	o := newOrigin(t, func(_ *origin, w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(helloManifest))
	})
	f := newFixture(t, o.manifestURL(), nil)

	if _, err := f.loader.Load(context.Background()); err != nil {
		t.Fatalf("load error: %v", err)
	}
	f.cache.Clear(context.Background())

	if !f.loader.Refresh(context.Background()) {
		t.Fatalf("refresh without a stored version should fetch")
	}
	if o.heads.Load() != 0 || o.gets.Load() != 2 {
		t.Fatalf("expected a direct fetch, got heads=%d gets=%d", o.heads.Load(), o.gets.Load())
	}
}

func TestWatchRetriesWhileOnDefaults(t *testing.T) {
	var healthy atomic.Bool
	o := newOrigin(t, func(_ *origin, w http.ResponseWriter, _ *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(helloManifest))
	})
	f := newFixture(t, o.manifestURL(), nil)

	if snap, _ := f.loader.Load(context.Background()); snap.Source != appstate.SourceDefault {
		t.Fatalf("expected defaults, got %s", snap.Source)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.loader.Watch(ctx, time.Hour, 10*time.Millisecond)
	}()
	healthy.Store(true)

	deadline := time.Now().Add(2 * time.Second)
	for f.loader.State().Current().Source != appstate.SourceNetwork {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("watch should recover from defaults")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{step: time.Second}
	got := []time.Duration{b.NextBackOff(), b.NextBackOff(), b.NextBackOff()}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected delays %v", got)
	}
	b.Reset()
	if d := b.NextBackOff(); d != time.Second {
		t.Fatalf("reset should restart at one step, got %v", d)
	}
}

func TestDefaultsMatchDocumentedPolicy(t *testing.T) {
	l := New(Options{Logger: logging.Discard()})
	defer l.Close()
	if l.fetchTimeout != 5*time.Second || l.maxAttempts != 3 || l.retryDelay != time.Second {
		t.Fatalf("unexpected defaults: %v %d %v", l.fetchTimeout, l.maxAttempts, l.retryDelay)
	}
}
