package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/kb-hub/kb-hub/internal/appstate"
	"github.com/kb-hub/kb-hub/internal/cache"
	"github.com/kb-hub/kb-hub/internal/kvstore"
	"github.com/kb-hub/kb-hub/internal/logging"
	"github.com/kb-hub/kb-hub/internal/manifest"
	"github.com/kb-hub/kb-hub/internal/prefs"
	"github.com/kb-hub/kb-hub/internal/server"
	"github.com/kb-hub/kb-hub/internal/viewcount"
	"github.com/kb-hub/kb-hub/internal/worker"
)

func doJSON(t *testing.T, app *fiber.App, method, target, body string, out any) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, target, err)
		}
	}
	return resp.StatusCode
}

func TestWorkerRoutes(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "asset:"+r.URL.Path)
	}))
	defer site.Close()
	base, _ := url.Parse(site.URL)

	storage, err := cache.NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	reg, err := worker.NewRegistration(worker.Options{
		Storage:         storage,
		Client:          site.Client(),
		Origin:          &server.Origin{Base: base},
		CoreAssets:      []string{"/", "/style.css"},
		AutoSkipWaiting: true,
		Logger:          logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new registration: %v", err)
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = reg.Serve(ctx) }()
	if _, err := reg.Register(ctx, "v1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	app := fiber.New()
	RegisterWorkerRoutes(app, reg)

	var status worker.Status
	if code := doJSON(t, app, http.MethodGet, "/-/worker", "", &status); code != http.StatusOK {
		t.Fatalf("unexpected status code %d", code)
	}
	if status.Active == nil || status.Active.Version != "v1" || len(status.Stores) != 1 {
		t.Fatalf("unexpected worker status: %+v", status)
	}

	var reply worker.Reply
	if code := doJSON(t, app, http.MethodPost, "/-/worker/messages", `{"type":"GET_CACHE_SIZE"}`, &reply); code != http.StatusOK {
		t.Fatalf("cache size status %d", code)
	}
	if reply.Size == nil || reply.Size.Count != 2 {
		t.Fatalf("unexpected size reply: %+v", reply)
	}

	if code := doJSON(t, app, http.MethodPost, "/-/worker/messages", `{"type":"CLEAR_CACHE"}`, &reply); code != http.StatusOK || !reply.Success {
		t.Fatalf("clear cache failed: %d %+v", code, reply)
	}
	if code := doJSON(t, app, http.MethodPost, "/-/worker/messages", `{"type":"NOPE"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown message, got %d", code)
	}
	if code := doJSON(t, app, http.MethodPost, "/-/worker/messages", `{}`, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing type, got %d", code)
	}
}

func newContentApp(t *testing.T) (*fiber.App, *appstate.State) {
	t.Helper()
	state := appstate.New(10)
	m := manifest.Manifest{
		NavMenu: []manifest.NavEntry{{Name: "Notes", Path: "notes"}},
		BlogPosts: []manifest.Post{
			{Title: "RAG 入门", Path: "notes/ai/rag.html", Keywords: []string{"RAG", "检索"}},
			{Title: "Reading", Path: "notes/reading/book.html", Keywords: []string{"书"}},
		},
		DirectoryStructure: []manifest.Directory{
			{Path: "notes/ai", Name: "AI", Subdirs: []manifest.Directory{{Path: "notes/ai/rag"}}},
		},
	}
	state.Replace(m, appstate.SourceNetwork)

	kv := kvstore.NewMemory()
	app := fiber.New()
	RegisterContentRoutes(app, ContentDeps{
		State: state,
		Views: viewcount.NewTracker(kv, time.Minute, logging.Discard()),
		Prefs: prefs.New(kv, logging.Discard()),
	})
	return app, state
}

func TestContentRoutes(t *testing.T) {
	app, _ := newContentApp(t)

	var summary map[string]any
	if code := doJSON(t, app, http.MethodGet, "/-/content", "", &summary); code != http.StatusOK {
		t.Fatalf("content status %d", code)
	}
	if summary["source"] != "network" || summary["posts"].(float64) != 2 {
		t.Fatalf("unexpected summary: %v", summary)
	}

	var keywords struct {
		Keywords []string `json:"keywords"`
	}
	doJSON(t, app, http.MethodGet, "/-/content/keywords", "", &keywords)
	if len(keywords.Keywords) != 3 {
		t.Fatalf("expected 3 keywords, got %v", keywords.Keywords)
	}

	var search struct {
		Results []postPayload `json:"results"`
	}
	doJSON(t, app, http.MethodGet, "/-/content/search?keyword=rag", "", &search)
	if len(search.Results) != 1 || search.Results[0].Href != "/notes/ai/rag.html" {
		t.Fatalf("unexpected search results: %+v", search.Results)
	}
	if code := doJSON(t, app, http.MethodGet, "/-/content/search", "", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 without keyword, got %d", code)
	}

	var dir directoryPayload
	if code := doJSON(t, app, http.MethodGet, "/-/content/directory?path=notes/ai", "", &dir); code != http.StatusOK {
		t.Fatalf("directory status %d", code)
	}
	if dir.Href != "/notes/ai/index.html" || len(dir.Posts) != 1 || len(dir.Subdirs) != 1 {
		t.Fatalf("unexpected directory payload: %+v", dir)
	}
	if code := doJSON(t, app, http.MethodGet, "/-/content/directory?path=missing", "", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown directory, got %d", code)
	}

	var post postPayload
	if code := doJSON(t, app, http.MethodGet, "/-/content/post?url=/notes/reading/book.html", "", &post); code != http.StatusOK || post.Title != "Reading" {
		t.Fatalf("unexpected post lookup: %d %+v", code, post)
	}
}

func TestViewRoutes(t *testing.T) {
	app, _ := newContentApp(t)

	var views struct {
		Key     string `json:"key"`
		Views   int    `json:"views"`
		Tracked bool   `json:"tracked"`
	}
	for i := 1; i <= 2; i++ {
		doJSON(t, app, http.MethodPost, "/-/content/views?path=/notes/ai/rag.html", "", &views)
		if views.Views != i || !views.Tracked {
			t.Fatalf("track #%d: unexpected %+v", i, views)
		}
	}
	if views.Key != "notes_ai_rag_html" {
		t.Fatalf("unexpected key %s", views.Key)
	}

	doJSON(t, app, http.MethodGet, "/-/content/views?path=/notes/ai/rag.html", "", &views)
	if views.Views != 2 || views.Tracked {
		t.Fatalf("read should not increment: %+v", views)
	}

	doJSON(t, app, http.MethodPost, "/-/content/views?path=/index.html", "", &views)
	if views.Tracked || views.Views != 0 {
		t.Fatalf("home page must not be tracked: %+v", views)
	}
}

func TestPrefsRoutes(t *testing.T) {
	app, _ := newContentApp(t)

	var saved struct {
		Saved bool `json:"saved"`
	}
	if code := doJSON(t, app, http.MethodPut, "/-/prefs/sidebar", `{"left":true,"right":false}`, &saved); code != http.StatusOK || !saved.Saved {
		t.Fatalf("save sidebar failed: %d %+v", code, saved)
	}
	if code := doJSON(t, app, http.MethodPut, "/-/prefs/render-mode", `{"mode":"bogus"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bogus mode, got %d", code)
	}
	if code := doJSON(t, app, http.MethodPut, "/-/prefs/render-mode", `{"mode":"stable"}`, &saved); code != http.StatusOK || !saved.Saved {
		t.Fatalf("save render mode failed: %d", code)
	}

	var got struct {
		Sidebar    prefs.Sidebar `json:"sidebar"`
		RenderMode string        `json:"render_mode"`
	}
	doJSON(t, app, http.MethodGet, "/-/prefs", "", &got)
	if !got.Sidebar.Left || got.Sidebar.Right || got.RenderMode != "stable" {
		t.Fatalf("unexpected prefs: %+v", got)
	}
}
