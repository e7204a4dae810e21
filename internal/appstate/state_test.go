package appstate

import (
	"sync"
	"testing"
	"time"

	"github.com/kb-hub/kb-hub/internal/manifest"
)

func TestReplaceSwapsWholeSnapshot(t *testing.T) {
	state := New(2)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	state.now = func() time.Time { return fixed }

	if snap := state.Current(); snap == nil || snap.Source != SourceNone {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}

	before := state.Current()
	snap := state.Replace(manifest.Default(), SourceDefault)
	if snap != state.Current() {
		t.Fatalf("current should be the replaced snapshot")
	}
	if before.Source != SourceNone {
		t.Fatalf("old snapshot must not be mutated")
	}
	if len(snap.Keywords) != 2 {
		t.Fatalf("keywords should be capped at 2, got %v", snap.Keywords)
	}
	if !snap.LoadedAt.Equal(fixed) {
		t.Fatalf("unexpected loaded_at %v", snap.LoadedAt)
	}
}

func TestConcurrentReadersSeeCompleteSnapshots(t *testing.T) {
	state := New(0)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				state.Replace(manifest.Default(), SourceNetwork)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				snap := state.Current()
				if snap.Source == SourceNetwork && len(snap.Manifest.BlogPosts) != 3 {
					t.Errorf("partial snapshot observed")
				}
			}
		}()
	}
	wg.Wait()
}
