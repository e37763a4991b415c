// Package capture implements the Capture Actor (C2, spec.md §4.2): one state
// machine per Camera that owns a Capture Worker child process, turns its IPC
// frames into Repository commits and broadcast publishes, and reports its
// own exit back to the Capture Supervisor.
package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"golang.org/x/time/rate"

	"github.com/exopticon/exopticon/internal/admin"
	"github.com/exopticon/exopticon/internal/broadcast"
	"github.com/exopticon/exopticon/internal/ipc"
	"github.com/exopticon/exopticon/internal/store"
)

// logRateLimit and logBurst bound how many Log IPC frames per second a
// single Capture Worker can push into this process's log stream. NewFile,
// EndFile, and Packet frames are never throttled — only Log, since a worker
// stuck in a retry loop can otherwise flood the core's logger far faster
// than any human or downstream log sink can keep up with.
const (
	logRateLimit = 20.0
	logBurst     = 40
)

// Presence is the outward segment-lifecycle notifier an Actor publishes
// open/close events to (*admin.Bus satisfies this). A nil Presence is fine;
// publishing then becomes a no-op.
type Presence interface {
	PublishSegmentOpened(admin.SegmentOpenedEvent) error
	PublishSegmentClosed(admin.SegmentClosedEvent) error
}

// State is the Capture Actor's lifecycle position (spec.md §4.2).
type State int

const (
	StateReady State = iota
	StateStarted
	StateRecording
	StateStopping
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateStarted:
		return "started"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Config describes the one Camera this actor owns.
type Config struct {
	CameraID      string
	StreamURL     string
	OutputRoot    string
	HWAccel       string
	WorkerPath    string // path to the captureworker binary
}

// Actor is one Camera's Capture Actor.
type Actor struct {
	cfg      Config
	repo     store.Repository
	bus      *broadcast.Bus
	presence Presence
	log      *slog.Logger
	logLimit *rate.Limiter

	state    State
	inFlight *store.Segment // the open (VideoUnit, VideoFile) pair, if any
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
}

// New constructs a Capture Actor for one camera. It does not start the
// worker; call Run. presence may be nil.
func New(cfg Config, repo store.Repository, bus *broadcast.Bus, presence Presence, log *slog.Logger) *Actor {
	if log == nil {
		log = slog.Default()
	}
	return &Actor{
		cfg:      cfg,
		repo:     repo,
		bus:      bus,
		presence: presence,
		log:      log.With("component", "capture", "camera_id", cfg.CameraID),
		logLimit: rate.NewLimiter(rate.Limit(logRateLimit), logBurst),
		state:    StateReady,
	}
}

// State reports the actor's current lifecycle state.
func (a *Actor) State() State {
	return a.state
}

// Run starts the Capture Worker child and dispatches its IPC frames until
// stop is closed or the child exits. It returns the camera id on exit so a
// Capture Supervisor can correlate completions against its futures-set.
func (a *Actor) Run(ctx context.Context, stop <-chan struct{}) string {
	if err := a.startWorker(ctx); err != nil {
		a.log.Error("failed to start capture worker", "error", err)
		return a.cfg.CameraID
	}

	frames := make(chan ipc.Message, 16)
	readErr := make(chan error, 1)
	reader := ipc.NewReader(a.stdout)

	go func() {
		for {
			msg, err := reader.ReadMessage()
			if err != nil {
				readErr <- err
				close(frames)
				return
			}
			frames <- msg
		}
	}()

	a.state = StateStarted
	defer a.shutdownWorker()

	for {
		select {
		case <-stop:
			a.state = StateStopping
			a.shutdownWorker()
			a.state = StateDraining
			return a.cfg.CameraID

		case msg, ok := <-frames:
			if !ok {
				a.log.Warn("capture worker exited unexpectedly", "error", <-readErr)
				return a.cfg.CameraID
			}
			if err := a.dispatch(ctx, msg); err != nil {
				a.log.Error("failed to handle ipc message", "tag", msg.Tag, "error", err)
			}
		}
	}
}

func (a *Actor) startWorker(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.OutputRoot, 0755); err != nil {
		return fmt.Errorf("create camera storage directory: %w", err)
	}

	workerPath := a.cfg.WorkerPath
	if workerPath == "" {
		workerPath = "captureworker"
	}

	cmd := exec.CommandContext(ctx, workerPath,
		"-stream-url", a.cfg.StreamURL,
		"-output-root", a.cfg.OutputRoot,
		"-hwaccel", a.cfg.HWAccel,
	)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture worker: %w", err)
	}

	a.cmd = cmd
	a.stdin = stdin
	a.stdout = stdout
	a.log.Info("capture worker started", "pid", cmd.Process.Pid)
	return nil
}

func (a *Actor) shutdownWorker() {
	if a.stdin != nil {
		_ = a.stdin.Close()
		a.stdin = nil
	}
	if a.cmd != nil && a.cmd.Process != nil {
		_ = a.cmd.Process.Kill()
		_ = a.cmd.Wait()
	}
}

func (a *Actor) dispatch(ctx context.Context, msg ipc.Message) error {
	switch msg.Tag {
	case ipc.TagNewFile:
		return a.handleNewFile(ctx, msg.NewFile)
	case ipc.TagEndFile:
		return a.handleEndFile(ctx, msg.EndFile)
	case ipc.TagPacket:
		a.handlePacket(msg.Packet)
		return nil
	case ipc.TagLog:
		a.handleLog(msg.Log)
		return nil
	case ipc.TagMetric:
		// Discarded by the core (spec.md §4.2).
		return nil
	default:
		return fmt.Errorf("unknown ipc tag %d", msg.Tag)
	}
}

func (a *Actor) handleNewFile(ctx context.Context, f *ipc.NewFile) error {
	seg, err := a.repo.NewFile(ctx, a.cfg.CameraID, f.Filename, f.BeginTime)
	if err != nil {
		return fmt.Errorf("create video segment: %w", err)
	}
	a.inFlight = seg
	a.state = StateRecording

	if a.presence != nil {
		if err := a.presence.PublishSegmentOpened(admin.SegmentOpenedEvent{
			CameraID:  a.cfg.CameraID,
			VideoUnit: seg.Unit.ID,
			Filename:  seg.File.Filename,
			BeginTime: seg.Unit.BeginTime,
		}); err != nil {
			a.log.Warn("failed to publish segment opened event", "error", err)
		}
	}
	return nil
}

func (a *Actor) handleEndFile(ctx context.Context, f *ipc.EndFile) error {
	if a.inFlight == nil {
		return fmt.Errorf("EndFile with no in-flight segment: %s", f.Filename)
	}

	info, err := os.Stat(f.Filename)
	if err != nil {
		// spec.md §4.2: if stat fails the metadata row retains size = -1
		// and is left for retention to eventually garbage-collect.
		a.log.Warn("stat failed on closed segment file, leaving size = -1", "filename", f.Filename, "error", err)
		a.inFlight = nil
		a.state = StateStarted
		return nil
	}

	unitID := a.inFlight.Unit.ID
	if err := a.repo.EndFile(ctx, unitID, f.EndTime, info.Size()); err != nil {
		return fmt.Errorf("close video segment: %w", err)
	}
	a.inFlight = nil
	a.state = StateStarted

	if a.presence != nil {
		if err := a.presence.PublishSegmentClosed(admin.SegmentClosedEvent{
			CameraID:  a.cfg.CameraID,
			VideoUnit: unitID,
			EndTime:   f.EndTime,
			Size:      info.Size(),
		}); err != nil {
			a.log.Warn("failed to publish segment closed event", "error", err)
		}
	}
	return nil
}

func (a *Actor) handlePacket(p *ipc.Packet) {
	// Never blocks: the bus itself is non-blocking on the producer side.
	a.bus.Publish(broadcast.VideoPacket{
		CameraID:       a.cfg.CameraID,
		Data:           p.Data,
		Timestamp90kHz: p.Timestamp90kHz,
		Duration:       p.Duration,
	})
}

func (a *Actor) handleLog(l *ipc.Log) {
	if !a.logLimit.Allow() {
		return
	}

	level := slog.LevelInfo
	switch l.Level {
	case ipc.LogDebug:
		level = slog.LevelDebug
	case ipc.LogWarn:
		level = slog.LevelWarn
	case ipc.LogError:
		level = slog.LevelError
	}
	a.log.Log(context.Background(), level, "capture worker", "message", l.Message)
}
