package broadcast

import (
	"testing"
	"time"
)

func TestPublishDeliversInOrderToNonLaggingConsumer(t *testing.T) {
	bus := New(nil)
	ch, unsub := bus.Topic("cam1").Subscribe()
	defer unsub()

	for i := 0; i < 5; i++ {
		bus.Publish(VideoPacket{CameraID: "cam1", Timestamp90kHz: uint32(i * 3000)})
	}

	for i := 0; i < 5; i++ {
		select {
		case pkt := <-ch:
			if pkt.Timestamp90kHz != uint32(i*3000) {
				t.Fatalf("expected packet %d, got timestamp %d", i, pkt.Timestamp90kHz)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for packet %d", i)
		}
	}
}

func TestPublishNeverBlocksProducer(t *testing.T) {
	bus := New(nil)
	ch, unsub := bus.Topic("cam1").Subscribe()
	defer unsub()
	_ = ch // never drained, on purpose

	done := make(chan struct{})
	go func() {
		for i := 0; i < capacity*3; i++ {
			bus.Publish(VideoPacket{CameraID: "cam1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a saturated consumer")
	}
}

func TestLaggingConsumerIsUnsubscribed(t *testing.T) {
	bus := New(nil)
	topic := bus.Topic("cam1")
	ch, _ := topic.Subscribe()

	for i := 0; i < capacity*3; i++ {
		topic.Publish(VideoPacket{CameraID: "cam1"})
	}

	if topic.SubscriberCount() != 0 {
		t.Fatalf("expected lagging consumer to be evicted, still have %d subscribers", topic.SubscriberCount())
	}

	closed := false
	for !closed {
		if _, ok := <-ch; !ok {
			closed = true
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, unsub := bus.Topic("cam1").Subscribe()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestMultipleSubscribersIndependentLag(t *testing.T) {
	bus := New(nil)
	topic := bus.Topic("cam1")
	fast, unsubFast := topic.Subscribe()
	defer unsubFast()
	slow, unsubSlow := topic.Subscribe()
	defer unsubSlow()

	_ = slow // never drained

	for i := 0; i < capacity*3; i++ {
		topic.Publish(VideoPacket{CameraID: "cam1"})
		<-fast // the fast consumer takes every packet before the next publish
	}

	time.Sleep(50 * time.Millisecond)
	if topic.SubscriberCount() != 1 {
		t.Fatalf("expected only the slow consumer to be evicted, got %d remaining", topic.SubscriberCount())
	}
}
