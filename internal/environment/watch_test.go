package environment

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestWatchReloadsOnChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := writeFile(t, "snapshot.json", `{"options": {"v": 1}}`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan Snapshot, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(s Snapshot, err error) {
			if err != nil {
				return
			}
			select {
			case reloads <- s:
			default:
			}
		}, WithDebounce(20*time.Millisecond))
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case s := <-reloads:
			if s.Options["v"] != int64(2) {
				t.Fatalf("reloaded option v = %v, want 2", s.Options["v"])
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch() error = %v", err)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte(`{"options": {"v": 2}}`), 0o600); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestWatchFileStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := writeFile(t, "conditions.yaml", "relation: AND\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := WatchFile(ctx, path, func() { t.Error("onChange called after cancel") }); err != nil {
		t.Fatalf("WatchFile() error = %v", err)
	}
}

func TestWatchFileMissingDirectory(t *testing.T) {
	defer goleak.VerifyNone(t)

	err := WatchFile(context.Background(), "/nonexistent-condz-dir/snapshot.json", func() {})
	if err == nil {
		t.Fatal("WatchFile() error = nil, want error")
	}
}
