package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kb-hub/kb-hub/internal/cache"
)

// State 是 Worker 生命周期阶段。
type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

var allowedTransitions = map[State][]State{
	StateInstalling: {StateWaiting, StateRedundant},
	StateWaiting:    {StateActive, StateRedundant},
	StateActive:     {StateRedundant},
}

// CanTransition 判断 from → to 是否合法。
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Worker 代表某个缓存版本的一次安装。
type Worker struct {
	ID        string
	Version   string
	StoreName string

	mu          sync.Mutex
	state       State
	store       cache.Store
	holds       int
	installedAt time.Time
	activatedAt time.Time
}

func newWorker(version, storeName string) *Worker {
	return &Worker{
		ID:        uuid.NewString(),
		Version:   version,
		StoreName: storeName,
		state:     StateInstalling,
	}
}

// State 返回当前阶段。
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) transition(to State, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !CanTransition(w.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.state, to)
	}
	w.state = to
	switch to {
	case StateWaiting:
		w.installedAt = at
	case StateActive:
		w.activatedAt = at
	}
	return nil
}

func (w *Worker) currentStore() cache.Store {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store
}

func (w *Worker) setStore(store cache.Store) {
	w.mu.Lock()
	w.store = store
	w.mu.Unlock()
}

// Info 是 Worker 的只读快照，用于诊断输出。
type Info struct {
	ID          string     `json:"id"`
	Version     string     `json:"version"`
	Store       string     `json:"store"`
	State       State      `json:"state"`
	InFlight    int        `json:"in_flight"`
	InstalledAt *time.Time `json:"installed_at,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

func (w *Worker) info() *Info {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return &Info{
		ID:          w.ID,
		Version:     w.Version,
		Store:       w.StoreName,
		State:       w.state,
		InFlight:    w.holds,
		InstalledAt: timeOrNil(w.installedAt),
		ActivatedAt: timeOrNil(w.activatedAt),
	}
}

// timeOrNil 把零值时间折叠为 nil，尚未发生的阶段不出现在 JSON 中。
func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
