package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// MaxDirectoryDepth 限制目录树的嵌套层数。
const MaxDirectoryDepth = 64

// ErrInvalid 表示清单结构不合法；具体原因由 ValidationError 给出。
var ErrInvalid = errors.New("manifest: invalid document")

// ValidationError 定位到具体字段，便于日志排查。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Manifest 是 nav_data.json 的类型化表示。
type Manifest struct {
	NavMenu            []NavEntry  `json:"nav_menu"`
	BlogPosts          []Post      `json:"blog_posts"`
	DirectoryStructure []Directory `json:"directory_structure"`
	// GeneratedAt 为生成时间（Unix 秒，可带小数），缺失时为 nil。
	GeneratedAt *float64 `json:"generated_at,omitempty"`
}

// NavEntry 是一级导航项。
type NavEntry struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	ID   string `json:"id,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Post 描述一篇文章；新版生成器只给出 url + original_path。
type Post struct {
	Title        string   `json:"title"`
	Path         string   `json:"path,omitempty"`
	ID           string   `json:"id,omitempty"`
	Slug         string   `json:"slug,omitempty"`
	URL          string   `json:"url,omitempty"`
	OriginalPath string   `json:"original_path,omitempty"`
	Keywords     []string `json:"keywords"`
}

// Directory 是目录树节点。
type Directory struct {
	Path     string      `json:"path"`
	Name     string      `json:"name,omitempty"`
	ID       string      `json:"id,omitempty"`
	Slug     string      `json:"slug,omitempty"`
	URL      string      `json:"url,omitempty"`
	HasPosts bool        `json:"has_posts,omitempty"`
	Subdirs  []Directory `json:"subdirs"`
}

// Decode 解析并校验原始 JSON。顶层必须是对象，三个列表字段缺失或为 null 时视为空。
func Decode(raw []byte) (Manifest, error) {
	var m Manifest

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return m, invalid("$", "top level must be an object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if err := decodeList(fields, "nav_menu", &m.NavMenu); err != nil {
		return Manifest{}, err
	}
	if err := decodeList(fields, "blog_posts", &m.BlogPosts); err != nil {
		return Manifest{}, err
	}
	if err := decodeList(fields, "directory_structure", &m.DirectoryStructure); err != nil {
		return Manifest{}, err
	}
	if rawVersion, ok := fields["generated_at"]; ok && !isNull(rawVersion) {
		var v float64
		if err := json.Unmarshal(rawVersion, &v); err != nil {
			return Manifest{}, invalid("generated_at", "must be a number")
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return Manifest{}, invalid("generated_at", "out of range")
		}
		m.GeneratedAt = &v
	}

	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func decodeList(fields map[string]json.RawMessage, name string, target any) error {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return invalid(name, "must be an array")
	}
	if err := json.Unmarshal(trimmed, target); err != nil {
		return invalid(name, err.Error())
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Validate 校验必填字段与目录树结构。
func (m Manifest) Validate() error {
	for i, entry := range m.NavMenu {
		field := fmt.Sprintf("nav_menu[%d]", i)
		if entry.Name == "" {
			return invalid(field+".name", "required")
		}
		if entry.Path == "" && entry.URL == "" {
			return invalid(field+".path", "path or url required")
		}
	}
	for i, post := range m.BlogPosts {
		field := fmt.Sprintf("blog_posts[%d]", i)
		if post.Title == "" {
			return invalid(field+".title", "required")
		}
		if post.Path == "" && post.URL == "" && post.OriginalPath == "" {
			return invalid(field+".path", "path, url or original_path required")
		}
	}
	for i, dir := range m.DirectoryStructure {
		if err := validateDirectory(dir, fmt.Sprintf("directory_structure[%d]", i), 1, nil); err != nil {
			return err
		}
	}
	return nil
}

func validateDirectory(dir Directory, field string, depth int, ancestors []string) error {
	if depth > MaxDirectoryDepth {
		return invalid(field, fmt.Sprintf("nesting deeper than %d", MaxDirectoryDepth))
	}
	if dir.Path == "" {
		return invalid(field+".path", "required")
	}
	for _, ancestor := range ancestors {
		if ancestor == dir.Path {
			return invalid(field+".path", "repeats an ancestor path: "+dir.Path)
		}
	}
	chain := make([]string, 0, len(ancestors)+1)
	chain = append(append(chain, ancestors...), dir.Path)
	for i, sub := range dir.Subdirs {
		if err := validateDirectory(sub, fmt.Sprintf("%s.subdirs[%d]", field, i), depth+1, chain); err != nil {
			return err
		}
	}
	return nil
}

// VersionTime 返回 generated_at 对应的时间，缺失时 ok 为 false。
func (m Manifest) VersionTime() (time.Time, bool) {
	if m.GeneratedAt == nil {
		return time.Time{}, false
	}
	sec, frac := math.Modf(*m.GeneratedAt)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), true
}

// Default 返回内置的降级清单，只在前台加载彻底失败时使用。
func Default() Manifest {
	return Manifest{
		NavMenu: []NavEntry{
			{Name: "AI相关", Path: "notes/AI相关"},
			{Name: "软件设计", Path: "notes/软件设计"},
			{Name: "阅读感悟", Path: "notes/阅读感悟"},
		},
		BlogPosts: []Post{
			{
				Title:    "📚 RAG技术全面介绍",
				Path:     "notes/AI相关/RAG/introduction.html",
				Keywords: []string{"RAG", "检索增强生成"},
			},
			{
				Title:    "如何高效使用 AI Agent",
				Path:     "notes/AI相关/Agent/如何高效使用agent.html",
				Keywords: []string{"AI", "Agent"},
			},
			{
				Title:    "💻 Python学习",
				Path:     "notes/软件设计/Python-learning.html",
				Keywords: []string{"Python", "编程"},
			},
		},
		DirectoryStructure: []Directory{},
	}
}
