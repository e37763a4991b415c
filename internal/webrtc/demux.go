// Package webrtc implements the WebRTC Peer Session (C7, spec.md §4.7) and
// the UDP Demux (C8, spec.md §4.8): the one HTTP/WebSocket surface this core
// owns, distinct from the out-of-scope admin HTTP/JSON CRUD surface.
package webrtc

import (
	"fmt"
	"net"

	"github.com/pion/ice/v4"
)

// Demux owns the single process-wide UDP socket every Peer Session's ICE
// agent shares. Classification of inbound datagrams by ICE username
// fragment is handled by pion/ice's UDPMux; this type only owns the socket
// lifetime and hands out the mux pion's SettingEngine binds to.
type Demux struct {
	conn net.PacketConn
	mux  ice.UDPMux
}

// NewDemux opens the shared UDP socket on port and constructs the ICE mux
// every Peer Session's SettingEngine.SetICEUDPMux is configured with.
func NewDemux(port int) (*Demux, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen udp :%d: %w", port, err)
	}

	mux := ice.NewUDPMuxDefault(ice.UDPMuxParams{UDPConn: conn})

	return &Demux{conn: conn, mux: mux}, nil
}

// Mux returns the ICE UDP mux to bind into a Peer Session's SettingEngine.
func (d *Demux) Mux() ice.UDPMux {
	return d.mux
}

// Close releases the shared socket. Every Peer Session's ICE agent must
// have already been closed.
func (d *Demux) Close() error {
	_ = d.mux.Close()
	return d.conn.Close()
}
