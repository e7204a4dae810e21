// Package prefs stores the page's small UI preferences: sidebar collapse
// state and the render mode. Reads never fail; missing or corrupt values
// yield defaults.
package prefs

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/kb-hub/kb-hub/internal/kvstore"
)

const (
	SidebarKey    = "blog_sidebar_state"
	RenderModeKey = "blog_render_mode"
)

// RenderMode 取值 stable 或 fx。
type RenderMode string

const (
	ModeStable RenderMode = "stable"
	ModeFX     RenderMode = "fx"
)

var (
	macUA      = regexp.MustCompile(`Macintosh|Mac OS X`)
	chromiumUA = regexp.MustCompile(`Chrome/|Chromium/|CriOS/|Edg/|OPR/|Brave/`)
)

// DefaultRenderMode 在 macOS + Chromium 系浏览器上默认 stable，其余为 fx。
func DefaultRenderMode(userAgent string) RenderMode {
	if macUA.MatchString(userAgent) && chromiumUA.MatchString(userAgent) {
		return ModeStable
	}
	return ModeFX
}

// ParseRenderMode 只接受 stable/fx。
func ParseRenderMode(v string) (RenderMode, bool) {
	switch RenderMode(v) {
	case ModeStable, ModeFX:
		return RenderMode(v), true
	}
	return "", false
}

// Sidebar 记录左右侧边栏是否折叠。
type Sidebar struct {
	Left  bool `json:"left"`
	Right bool `json:"right"`
}

// Store 读写偏好设置。
type Store struct {
	kv     kvstore.Storage
	logger *logrus.Logger
}

// New 构造 Store；kv 为空时所有写入都被忽略。
func New(kv kvstore.Storage, logger *logrus.Logger) *Store {
	if kv == nil {
		kv = kvstore.NewDisabled()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{kv: kv, logger: logger}
}

// Sidebar 返回保存的侧边栏状态，缺失或损坏时两侧均展开。
func (s *Store) Sidebar(ctx context.Context) Sidebar {
	var state Sidebar
	raw, err := s.kv.Get(ctx, SidebarKey)
	if err != nil {
		return state
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		s.warn("sidebar_restore", err)
		return Sidebar{}
	}
	return state
}

// SaveSidebar 保存侧边栏状态，返回是否写入成功。
func (s *Store) SaveSidebar(ctx context.Context, state Sidebar) bool {
	raw, err := json.Marshal(state)
	if err == nil {
		err = s.kv.Set(ctx, SidebarKey, string(raw))
	}
	if err != nil {
		s.warn("sidebar_save", err)
		return false
	}
	return true
}

// RenderMode 返回保存的渲染模式，未保存或非法时按 userAgent 推断默认值。
func (s *Store) RenderMode(ctx context.Context, userAgent string) RenderMode {
	raw, err := s.kv.Get(ctx, RenderModeKey)
	if err == nil {
		if mode, ok := ParseRenderMode(raw); ok {
			return mode
		}
	}
	return DefaultRenderMode(userAgent)
}

// SaveRenderMode 保存渲染模式。
func (s *Store) SaveRenderMode(ctx context.Context, mode RenderMode) bool {
	if _, ok := ParseRenderMode(string(mode)); !ok {
		return false
	}
	if err := s.kv.Set(ctx, RenderModeKey, string(mode)); err != nil {
		s.warn("render_mode_save", err)
		return false
	}
	return true
}

func (s *Store) warn(action string, err error) {
	s.logger.WithFields(logrus.Fields{
		"action": action,
		"error":  err.Error(),
	}).Warn("偏好设置读写失败")
}
