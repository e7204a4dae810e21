package manifest

import (
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Keywords 汇总所有文章关键词：去除首尾空白、去重、按中文排序规则排序，
// 最多返回 limit 个（limit <= 0 表示不限制）。
func (m Manifest) Keywords(limit int) []string {
	seen := make(map[string]struct{})
	keywords := make([]string, 0)
	for _, post := range m.BlogPosts {
		for _, raw := range post.Keywords {
			keyword := strings.TrimSpace(raw)
			if keyword == "" {
				continue
			}
			if _, dup := seen[keyword]; dup {
				continue
			}
			seen[keyword] = struct{}{}
			keywords = append(keywords, keyword)
		}
	}

	collate.New(language.Chinese).SortStrings(keywords)

	if limit > 0 && len(keywords) > limit {
		keywords = keywords[:limit]
	}
	return keywords
}

// Search 返回标题或任一关键词包含 keyword（大小写不敏感）的文章，保持原顺序。
func (m Manifest) Search(keyword string) []Post {
	needle := strings.ToLower(keyword)
	results := make([]Post, 0)
	for _, post := range m.BlogPosts {
		if strings.Contains(strings.ToLower(post.Title), needle) {
			results = append(results, post)
			continue
		}
		for _, k := range post.Keywords {
			if strings.Contains(strings.ToLower(k), needle) {
				results = append(results, post)
				break
			}
		}
	}
	return results
}

// FindDirectory 按 path 深度优先查找目录节点。
func (m Manifest) FindDirectory(path string) (Directory, bool) {
	return walkDirectories(m.DirectoryStructure, func(d Directory) bool { return d.Path == path })
}

// FindDirectoryByURL 按站点 URL（可带前导 /）查找目录节点。
func (m Manifest) FindDirectoryByURL(pathname string) (Directory, bool) {
	target := strings.TrimPrefix(pathname, "/")
	return walkDirectories(m.DirectoryStructure, func(d Directory) bool { return d.URL != "" && d.URL == target })
}

// FindPostByURL 按站点 URL 查找文章，未设置 url 时退回 path。
func (m Manifest) FindPostByURL(pathname string) (Post, bool) {
	target := strings.TrimPrefix(pathname, "/")
	for _, post := range m.BlogPosts {
		candidate := post.URL
		if candidate == "" {
			candidate = post.Path
		}
		if candidate == target {
			return post, true
		}
	}
	return Post{}, false
}

// PostsInDirectory 返回 dirPath 下（含子目录）的全部文章，按 original_path 优先归类。
func (m Manifest) PostsInDirectory(dirPath string) []Post {
	prefix := dirPath + "/"
	posts := make([]Post, 0)
	for _, post := range m.BlogPosts {
		if strings.HasPrefix(post.SourcePath(), prefix) {
			posts = append(posts, post)
		}
	}
	return posts
}

// SourcePath 返回文章在源目录中的路径：original_path 优先，其次 path。
func (p Post) SourcePath() string {
	if p.OriginalPath != "" {
		return p.OriginalPath
	}
	return p.Path
}

// Href 返回文章的站内链接。
func (p Post) Href() string {
	if p.URL != "" {
		return SiteHref(p.URL)
	}
	return SiteHref(p.Path)
}

// Href 返回导航项链接；只有 path 时指向目录首页。
func (n NavEntry) Href() string {
	if n.URL != "" {
		return SiteHref(n.URL)
	}
	if n.Path != "" {
		return SiteHref(n.Path + "/index.html")
	}
	return "#"
}

// Href 返回目录节点链接；只有 path 时指向目录首页。
func (d Directory) Href() string {
	if d.URL != "" {
		return SiteHref(d.URL)
	}
	if d.Path != "" {
		return SiteHref(d.Path + "/index.html")
	}
	return "#"
}

// SiteHref 把相对路径转成以 / 开头的站内链接，绝对 URL 原样返回，空值返回 "#"。
func SiteHref(p string) string {
	switch {
	case p == "":
		return "#"
	case strings.HasPrefix(p, "http://"), strings.HasPrefix(p, "https://"):
		return p
	case strings.HasPrefix(p, "/"):
		return p
	default:
		return "/" + p
	}
}

func walkDirectories(dirs []Directory, match func(Directory) bool) (Directory, bool) {
	for _, dir := range dirs {
		if match(dir) {
			return dir, true
		}
		if found, ok := walkDirectories(dir.Subdirs, match); ok {
			return found, true
		}
	}
	return Directory{}, false
}
