// Copyright 2020-2021 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package decode

import (
	"context"
	"fmt"
	"net"
	"sync"

	"nvr/pkg/frame"

	"github.com/pion/rtp/v2"
	"github.com/pion/sdp/v3"
)

// RTPTransport is a Transport that receives RTP packets on a UDP socket
// and groups payloads by the marker bit into frames. This is the
// generic, payload-type-agnostic depacketization strategy: it doesn't
// defragment a specific codec's NALU/OBU structure, only reassembles
// whatever one RTP-marked group of packets carried, which is enough for
// Live's "hand the compositor the latest frame" contract.
type RTPTransport struct {
	// Addr is the "host:port" UDP address to listen on.
	Addr string
	// SessionDescription, if set, is parsed once at Start for a
	// framerate hint; capture proceeds the same either way.
	SessionDescription []byte

	conn   net.PacketConn
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Start implements Transport.
func (t *RTPTransport) Start(ctx context.Context, deliver func(frame.Info, []byte)) error {
	conn, err := net.ListenPacket("udp", t.Addr)
	if err != nil {
		return fmt.Errorf("rtp transport: listen %s: %w", t.Addr, err)
	}
	t.conn = conn
	t.stopCh = make(chan struct{})

	info := defaultLiveInfo
	if fps, ok := sdpFramerate(t.SessionDescription); ok {
		info.FramerateFloat = fps
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(ctx, info, deliver)
	}()
	return nil
}

func (t *RTPTransport) readLoop(ctx context.Context, info frame.Info, deliver func(frame.Info, []byte)) {
	buf := make([]byte, 65536)
	var accum []byte

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		default:
		}

		n, _, err := t.conn.ReadFrom(buf)
		if err != nil {
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		accum = append(accum, pkt.Payload...)
		if pkt.Marker {
			deliver(info, accum)
			accum = nil
		}
	}
}

// Stop implements Transport.
func (t *RTPTransport) Stop() {
	if t.stopCh != nil {
		close(t.stopCh)
	}
	if t.conn != nil {
		t.conn.Close()
	}
	t.wg.Wait()
}

// sdpFramerate parses a session description looking for an "a=framerate"
// media attribute, returning ok=false if raw is empty or carries none.
func sdpFramerate(raw []byte) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}

	var sd sdp.SessionDescription
	if err := sd.Unmarshal(string(raw)); err != nil {
		return 0, false
	}

	for _, media := range sd.MediaDescriptions {
		for _, attr := range media.Attributes {
			if attr.Key != "framerate" {
				continue
			}
			var fps float64
			if _, err := fmt.Sscanf(attr.Value, "%f", &fps); err == nil && fps > 0 {
				return fps, true
			}
		}
	}
	return 0, false
}

var _ Transport = (*RTPTransport)(nil)
