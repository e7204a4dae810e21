package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/kb-hub/kb-hub/internal/appstate"
	"github.com/kb-hub/kb-hub/internal/contentcache"
	"github.com/kb-hub/kb-hub/internal/loader"
	"github.com/kb-hub/kb-hub/internal/manifest"
	"github.com/kb-hub/kb-hub/internal/prefs"
	"github.com/kb-hub/kb-hub/internal/viewcount"
)

// ContentDeps 是内容诊断接口依赖的只读消费者与本地存储。
type ContentDeps struct {
	State  *appstate.State
	Loader *loader.Loader
	Cache  *contentcache.Cache
	Views  *viewcount.Tracker
	Prefs  *prefs.Store
}

type postPayload struct {
	Title    string   `json:"title"`
	Href     string   `json:"href"`
	Keywords []string `json:"keywords"`
	Views    int      `json:"views"`
}

type directoryPayload struct {
	Path    string        `json:"path"`
	Name    string        `json:"name,omitempty"`
	Href    string        `json:"href"`
	Subdirs []string      `json:"subdirs"`
	Posts   []postPayload `json:"posts"`
}

// RegisterContentRoutes 暴露 /-/content 与 /-/prefs 诊断接口。
func RegisterContentRoutes(app *fiber.App, deps ContentDeps) {
	if app == nil || deps.State == nil {
		return
	}

	app.Get("/-/content", func(c fiber.Ctx) error {
		snap := deps.State.Current()
		payload := fiber.Map{
			"source":    snap.Source,
			"loaded_at": snap.LoadedAt,
			"nav":       len(snap.Manifest.NavMenu),
			"posts":     len(snap.Manifest.BlogPosts),
			"dirs":      len(snap.Manifest.DirectoryStructure),
			"manifest":  snap.Manifest,
		}
		if deps.Cache != nil {
			if version, ok := deps.Cache.Version(requestContext(c)); ok {
				payload["cached_version"] = version
			}
		}
		return c.JSON(payload)
	})

	app.Post("/-/content/refresh", func(c fiber.Ctx) error {
		if deps.Loader == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "loader_unavailable"})
		}
		replaced := deps.Loader.Refresh(requestContext(c))
		return c.JSON(fiber.Map{"replaced": replaced, "source": deps.State.Current().Source})
	})

	app.Delete("/-/content/cache", func(c fiber.Ctx) error {
		if deps.Cache != nil {
			deps.Cache.Clear(requestContext(c))
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/-/content/keywords", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"keywords": deps.State.Current().Keywords})
	})

	app.Get("/-/content/search", func(c fiber.Ctx) error {
		keyword := strings.TrimSpace(c.Query("keyword"))
		if keyword == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "keyword_required"})
		}
		posts := deps.State.Current().Manifest.Search(keyword)
		return c.JSON(fiber.Map{
			"keyword": keyword,
			"results": encodePosts(c, deps.Views, posts),
		})
	})

	app.Get("/-/content/directory", func(c fiber.Ctx) error {
		m := deps.State.Current().Manifest
		var (
			dir manifest.Directory
			ok  bool
		)
		switch {
		case c.Query("path") != "":
			dir, ok = m.FindDirectory(c.Query("path"))
		case c.Query("url") != "":
			dir, ok = m.FindDirectoryByURL(c.Query("url"))
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "path_required"})
		}
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "directory_not_found"})
		}
		subdirs := make([]string, 0, len(dir.Subdirs))
		for _, sub := range dir.Subdirs {
			subdirs = append(subdirs, sub.Path)
		}
		return c.JSON(directoryPayload{
			Path:    dir.Path,
			Name:    dir.Name,
			Href:    dir.Href(),
			Subdirs: subdirs,
			Posts:   encodePosts(c, deps.Views, m.PostsInDirectory(dir.Path)),
		})
	})

	app.Get("/-/content/post", func(c fiber.Ctx) error {
		target := c.Query("url")
		if target == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
		}
		post, ok := deps.State.Current().Manifest.FindPostByURL(target)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "post_not_found"})
		}
		return c.JSON(encodePosts(c, deps.Views, []manifest.Post{post})[0])
	})

	registerViewRoutes(app, deps.Views)
	registerPrefsRoutes(app, deps.Prefs)
}

func registerViewRoutes(app *fiber.App, views *viewcount.Tracker) {
	if views == nil {
		return
	}
	handler := func(c fiber.Ctx) error {
		path := c.Query("path")
		if path == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "path_required"})
		}
		ctx := requestContext(c)
		count := 0
		tracked := false
		if c.Method() == fiber.MethodPost && viewcount.Trackable(path) {
			count = views.Track(ctx, path)
			tracked = true
		} else {
			count = views.Views(ctx, path)
		}
		return c.JSON(fiber.Map{
			"path":    path,
			"key":     viewcount.Key(path),
			"views":   count,
			"tracked": tracked,
		})
	}
	app.Get("/-/content/views", handler)
	app.Post("/-/content/views", handler)
}

func registerPrefsRoutes(app *fiber.App, store *prefs.Store) {
	if store == nil {
		return
	}

	app.Get("/-/prefs", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		return c.JSON(fiber.Map{
			"sidebar":     store.Sidebar(ctx),
			"render_mode": store.RenderMode(ctx, c.Get(fiber.HeaderUserAgent)),
		})
	})

	app.Put("/-/prefs/sidebar", func(c fiber.Ctx) error {
		var state prefs.Sidebar
		if err := c.Bind().JSON(&state); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_sidebar_state"})
		}
		return c.JSON(fiber.Map{"saved": store.SaveSidebar(requestContext(c), state)})
	})

	app.Put("/-/prefs/render-mode", func(c fiber.Ctx) error {
		var body struct {
			Mode string `json:"mode"`
		}
		if err := c.Bind().JSON(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_render_mode"})
		}
		mode, ok := prefs.ParseRenderMode(body.Mode)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_render_mode"})
		}
		return c.JSON(fiber.Map{"saved": store.SaveRenderMode(requestContext(c), mode)})
	})
}

func encodePosts(c fiber.Ctx, views *viewcount.Tracker, posts []manifest.Post) []postPayload {
	result := make([]postPayload, 0, len(posts))
	var counts map[string]int
	if views != nil && len(posts) > 0 {
		paths := make([]string, 0, len(posts))
		for _, post := range posts {
			paths = append(paths, post.Href())
		}
		counts = views.ViewsFor(requestContext(c), paths)
	}
	for _, post := range posts {
		keywords := post.Keywords
		if keywords == nil {
			keywords = []string{}
		}
		result = append(result, postPayload{
			Title:    post.Title,
			Href:     post.Href(),
			Keywords: keywords,
			Views:    counts[post.Href()],
		})
	}
	return result
}
