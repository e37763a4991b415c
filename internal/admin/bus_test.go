package admin

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := New(Config{Port: -1}, nil) // -1: let the embedded server pick an ephemeral port
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func TestOnRestartAllInvokesCallback(t *testing.T) {
	b := newTestBus(t)

	called := make(chan struct{}, 1)
	if err := b.OnRestartAll(func() { called <- struct{}{} }); err != nil {
		t.Fatalf("OnRestartAll: %v", err)
	}

	if err := b.PublishRestartAll(); err != nil {
		t.Fatalf("PublishRestartAll: %v", err)
	}

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RestartAll callback")
	}
}

func TestPublishSegmentOpenedDeliversJSON(t *testing.T) {
	b := newTestBus(t)

	received := make(chan SegmentOpenedEvent, 1)
	_, err := b.conn.Subscribe(SubjectSegmentOpened, func(msg *nats.Msg) {
		var ev SegmentOpenedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Errorf("unmarshal: %v", err)
			return
		}
		received <- ev
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	begin := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := b.PublishSegmentOpened(SegmentOpenedEvent{
		CameraID:  "cam1",
		VideoUnit: "unit1",
		Filename:  "/data/cam1/x.mkv",
		BeginTime: begin,
	}); err != nil {
		t.Fatalf("PublishSegmentOpened: %v", err)
	}

	select {
	case ev := <-received:
		if ev.CameraID != "cam1" || ev.VideoUnit != "unit1" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for segment opened event")
	}
}

func TestPublishSegmentClosedDeliversJSON(t *testing.T) {
	b := newTestBus(t)

	received := make(chan SegmentClosedEvent, 1)
	_, err := b.conn.Subscribe(SubjectSegmentClosed, func(msg *nats.Msg) {
		var ev SegmentClosedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Errorf("unmarshal: %v", err)
			return
		}
		received <- ev
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.PublishSegmentClosed(SegmentClosedEvent{CameraID: "cam1", VideoUnit: "unit1", Size: 1024}); err != nil {
		t.Fatalf("PublishSegmentClosed: %v", err)
	}

	select {
	case ev := <-received:
		if ev.Size != 1024 {
			t.Errorf("expected size 1024, got %d", ev.Size)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for segment closed event")
	}
}
