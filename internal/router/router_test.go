package router

import (
	"testing"
	"time"

	"github.com/exopticon/exopticon/internal/broadcast"
)

func TestUpdateSubscriptionsIsAtomic(t *testing.T) {
	bus := broadcast.New(nil)
	r := New(bus)

	chans := r.UpdateSubscriptions("sub1", []string{"cam1", "cam2"})

	if len(chans) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(chans))
	}
	if r.SubscriberCount("cam1") != 1 || r.SubscriberCount("cam2") != 1 {
		t.Fatalf("expected subscriber present on both cameras")
	}
}

func TestUpdateSubscriptionsReplacesPreviousSet(t *testing.T) {
	bus := broadcast.New(nil)
	r := New(bus)

	r.UpdateSubscriptions("sub1", []string{"cam1"})
	r.UpdateSubscriptions("sub1", []string{"cam2"})

	if r.SubscriberCount("cam1") != 0 {
		t.Fatalf("expected sub1 removed from cam1, count=%d", r.SubscriberCount("cam1"))
	}
	if r.SubscriberCount("cam2") != 1 {
		t.Fatalf("expected sub1 present on cam2, count=%d", r.SubscriberCount("cam2"))
	}
}

func TestUnsubscribeRemovesFromAllCameras(t *testing.T) {
	bus := broadcast.New(nil)
	r := New(bus)
	r.UpdateSubscriptions("sub1", []string{"cam1", "cam2"})

	r.Unsubscribe("sub1")

	if r.SubscriberCount("cam1") != 0 || r.SubscriberCount("cam2") != 0 {
		t.Fatal("expected subscriber removed from every camera")
	}
}

func TestUpdateSubscriptionsDeliversViaBus(t *testing.T) {
	bus := broadcast.New(nil)
	r := New(bus)
	chans := r.UpdateSubscriptions("sub1", []string{"cam1"})

	bus.Publish(broadcast.VideoPacket{CameraID: "cam1", Timestamp90kHz: 42})

	select {
	case pkt := <-chans["cam1"]:
		if pkt.Timestamp90kHz != 42 {
			t.Errorf("expected timestamp 42, got %d", pkt.Timestamp90kHz)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivered packet")
	}
}

func TestUnsubscribeClosesReturnedChannel(t *testing.T) {
	bus := broadcast.New(nil)
	r := New(bus)
	chans := r.UpdateSubscriptions("sub1", []string{"cam1"})

	r.Unsubscribe("sub1")

	select {
	case _, ok := <-chans["cam1"]:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestUpdateSubscriptionsIgnoresUnrelatedCamera(t *testing.T) {
	bus := broadcast.New(nil)
	r := New(bus)
	chans := r.UpdateSubscriptions("sub1", []string{"cam1"})

	bus.Publish(broadcast.VideoPacket{CameraID: "cam2"})

	select {
	case <-chans["cam1"]:
		t.Fatal("did not expect delivery for an unrelated camera")
	case <-time.After(50 * time.Millisecond):
	}
}
