// Package supervisor implements the Capture Supervisor (C3, spec.md §4.3):
// the single coordinator that reconciles the set of running Capture Actors
// against the Camera Configuration Source and restarts them all on demand.
package supervisor

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/exopticon/exopticon/internal/broadcast"
	"github.com/exopticon/exopticon/internal/capture"
	"github.com/exopticon/exopticon/internal/config"
	"github.com/exopticon/exopticon/internal/store"
)

// Mode is the supervisor's own reconciliation state (spec.md §4.3).
type Mode int

const (
	ModeReady Mode = iota
	ModeRunning
	ModeRestarting
	ModeDraining
)

func (m Mode) String() string {
	switch m {
	case ModeReady:
		return "ready"
	case ModeRunning:
		return "running"
	case ModeRestarting:
		return "restarting"
	case ModeDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// tickInterval is the reconciliation loop's poll period (spec.md §4.3: "5 s").
const tickInterval = 5 * time.Second

// Command is sent on the supervisor's command channel.
type Command int

const (
	CommandRestartAll Command = iota
)

// runningActor tracks one live Capture Actor: its stop channel and a
// completion signal carrying the camera id it was running.
type runningActor struct {
	stop chan struct{}
	done chan string
}

// Supervisor is the single coordinator for every Capture Actor.
type Supervisor struct {
	cfg      *config.Config
	repo     store.Repository
	bus      *broadcast.Bus
	presence capture.Presence
	log      *slog.Logger

	workerPath string

	mu      sync.Mutex
	mode    Mode
	actors  map[string]*runningActor // camera id -> running actor
	command chan Command
	done    chan string
}

// New constructs a Supervisor. It does not start reconciling until Run.
// presence may be nil.
func New(cfg *config.Config, repo store.Repository, bus *broadcast.Bus, presence capture.Presence, workerPath string, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:        cfg,
		repo:       repo,
		bus:        bus,
		presence:   presence,
		log:        log.With("component", "supervisor"),
		workerPath: workerPath,
		mode:       ModeReady,
		actors:     make(map[string]*runningActor),
		command:    make(chan Command, 1),
		done:       make(chan string, 64),
	}
}

// RestartAll requests that every Capture Actor be stopped and, once drained,
// re-spawned from current configuration. Non-blocking; redundant requests
// while one is already in flight are coalesced.
func (s *Supervisor) RestartAll() {
	select {
	case s.command <- CommandRestartAll:
	default:
	}
}

// Run executes the reconciliation loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return

		case <-s.command:
			s.mu.Lock()
			s.mode = ModeRestarting
			s.mu.Unlock()

		case cameraID := <-s.done:
			s.mu.Lock()
			delete(s.actors, cameraID)
			if s.mode == ModeRunning {
				s.log.Warn("capture actor exited unexpectedly, restarting all", "camera_id", cameraID)
				s.mode = ModeRestarting
			}
			s.mu.Unlock()

		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()

	switch mode {
	case ModeReady:
		s.startAll(ctx)
		s.mu.Lock()
		s.mode = ModeRunning
		s.mu.Unlock()

	case ModeRunning:
		// nothing to do between ticks

	case ModeRestarting:
		s.stopAll()
		s.mu.Lock()
		s.mode = ModeDraining
		s.mu.Unlock()

	case ModeDraining:
		s.mu.Lock()
		empty := len(s.actors) == 0
		if empty {
			s.mode = ModeReady
		}
		s.mu.Unlock()
	}
}

// startAll spawns a fresh Capture Actor for every enabled camera.
// Ordering guarantee (spec.md §4.3): only called once the previous
// generation's actors have all completed (ModeDraining -> ModeReady).
func (s *Supervisor) startAll(ctx context.Context) {
	for _, cam := range s.cfg.EnabledCameras() {
		group, ok := s.cfg.StorageGroupByID(cam.StorageGroupID)
		if !ok {
			s.log.Error("camera references unknown storage group, skipping", "camera_id", cam.ID, "storage_group_id", cam.StorageGroupID)
			continue
		}

		actor := capture.New(capture.Config{
			CameraID:   cam.ID,
			StreamURL:  cam.StreamURL,
			OutputRoot: segmentPathRoot(group.RootPath, cam.ID),
			HWAccel:    s.cfg.System.HWAccel,
			WorkerPath: s.workerPath,
		}, s.repo, s.bus, s.presence, s.log)

		ra := &runningActor{stop: make(chan struct{}), done: s.done}
		s.mu.Lock()
		s.actors[cam.ID] = ra
		s.mu.Unlock()

		go func(a *capture.Actor, stop chan struct{}) {
			cameraID := a.Run(ctx, stop)
			s.done <- cameraID
		}(actor, ra.stop)
	}
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	actors := make([]*runningActor, 0, len(s.actors))
	for _, ra := range s.actors {
		actors = append(actors, ra)
	}
	s.mu.Unlock()

	for _, ra := range actors {
		close(ra.stop)
	}
}

// segmentPathRoot returns the per-camera directory under a StorageGroup's
// root (spec.md §3 SegmentPath derivation); the worker appends the
// YYYY/MM/DD/HH/<uuid>.mkv levels itself.
func segmentPathRoot(storageRoot, cameraID string) string {
	return filepath.Join(storageRoot, cameraID)
}

// Mode reports the supervisor's current reconciliation state.
func (s *Supervisor) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}
