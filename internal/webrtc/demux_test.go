package webrtc

import "testing"

func TestNewDemuxAndClose(t *testing.T) {
	d, err := NewDemux(0) // port 0: let the OS assign an ephemeral port
	if err != nil {
		t.Fatalf("NewDemux: %v", err)
	}
	if d.Mux() == nil {
		t.Fatal("expected non-nil ICE UDP mux")
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
