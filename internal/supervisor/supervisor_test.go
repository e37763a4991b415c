package supervisor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/exopticon/exopticon/internal/broadcast"
	"github.com/exopticon/exopticon/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/exopticon.yaml"
	content := `
storage_groups:
  - id: sg1
    root_path: ` + dir + `
    quota_bytes: 1000000
cameras:
  - id: cam1
    storage_group_id: sg1
    stream_url: rtsp://cam1.local/stream
    enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load config: %v", err)
	}
	return cfg
}

func TestNewSupervisorStartsReady(t *testing.T) {
	s := New(testConfig(t), nil, broadcast.New(nil), nil, "nonexistent-captureworker-binary", nil)
	if s.Mode() != ModeReady {
		t.Fatalf("expected initial mode Ready, got %s", s.Mode())
	}
}

func TestRestartAllCoalescesCommands(t *testing.T) {
	s := New(testConfig(t), nil, broadcast.New(nil), nil, "nonexistent-captureworker-binary", nil)

	s.RestartAll()
	s.RestartAll()
	s.RestartAll()

	if len(s.command) != 1 {
		t.Fatalf("expected exactly one coalesced command, got %d", len(s.command))
	}
}

func TestTickReadyTransitionsToRunning(t *testing.T) {
	s := New(testConfig(t), nil, broadcast.New(nil), nil, "nonexistent-captureworker-binary", nil)

	s.tick(context.Background())

	if s.Mode() != ModeRunning {
		t.Fatalf("expected mode Running after first tick, got %s", s.Mode())
	}
}

func TestRunReactsToUnexpectedActorExit(t *testing.T) {
	s := New(testConfig(t), nil, broadcast.New(nil), nil, "nonexistent-captureworker-binary", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// Run's own first tick is tickInterval (5s) away, so drive the Ready
	// tick directly to spawn the first generation of actors.
	s.tick(ctx)
	go s.Run(ctx)

	// The fake binary path makes every actor fail immediately, which
	// should push the supervisor out of Running into Restarting, and from
	// there to Draining once the failed generation is stopped.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("supervisor never reacted to actor failure")
		default:
		}
		if s.Mode() == ModeRestarting || s.Mode() == ModeDraining {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
