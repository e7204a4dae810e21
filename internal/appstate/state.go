// Package appstate holds the page context's current manifest snapshot. The
// loader is the single writer; everything else reads Current.
package appstate

import (
	"sync/atomic"
	"time"

	"github.com/kb-hub/kb-hub/internal/manifest"
)

// Source 标记快照的来源。
type Source string

const (
	SourceNone    Source = ""
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceDefault Source = "default"
)

// Snapshot 是整体替换的只读视图，发布后不得再修改。
type Snapshot struct {
	Manifest manifest.Manifest `json:"manifest"`
	Keywords []string          `json:"keywords"`
	Source   Source            `json:"source"`
	LoadedAt time.Time         `json:"loaded_at"`
}

// State 以原子指针保存当前快照。
type State struct {
	current     atomic.Pointer[Snapshot]
	maxKeywords int
	now         func() time.Time
}

// New 构造空状态；maxKeywords 控制关键词索引长度。
func New(maxKeywords int) *State {
	s := &State{maxKeywords: maxKeywords, now: time.Now}
	s.current.Store(&Snapshot{})
	return s
}

// Replace 用 m 生成新快照并整体替换，返回新快照。
func (s *State) Replace(m manifest.Manifest, source Source) *Snapshot {
	snap := &Snapshot{
		Manifest: m,
		Keywords: m.Keywords(s.maxKeywords),
		Source:   source,
		LoadedAt: s.now().UTC(),
	}
	s.current.Store(snap)
	return snap
}

// Current 返回当前快照，从不返回 nil。
func (s *State) Current() *Snapshot {
	return s.current.Load()
}
