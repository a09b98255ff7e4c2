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

package mididriver

import (
	"io"
	"sync"

	"nvr/pkg/mtc"

	"github.com/icza/bitio"
)

// mtcQuarterFrame is the MIDI System Common status byte (0xF1) that
// precedes every MTC quarter-frame data byte.
const mtcQuarterFrame = 0xF1

// Serial drives an MTC decoder from any byte-oriented MIDI transport
// (ALSA rawmidi device nodes, a USB-serial MTC bridge, ...) reachable
// as an io.ReadWriteCloser. A background goroutine owns the transport;
// PollFrame reads decoder state under a mutex, matching the
// driver-owns-thread / engine-polls-under-mutex split the sequencer
// backend used.
type Serial struct {
	portName string
	open     func(port string) (io.ReadWriteCloser, error)

	clockAdjust bool
	pollHz      float64

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	decoder *mtc.Decoder
	rolling bool

	stuckCount int
	lastFrame  int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSerial returns a driver that opens ports through open (typically a
// thin os.OpenFile wrapper; injected for testability).
func NewSerial(open func(port string) (io.ReadWriteCloser, error)) *Serial {
	return &Serial{
		open:    open,
		decoder: mtc.NewDecoder(),
		pollHz:  30,
	}
}

// SetClockAdjustment enables jitter-reducing quarter-tick nudging and
// stuck-transport detection.
func (s *Serial) SetClockAdjustment(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clockAdjust = enabled
}

// Open starts the reader goroutine against portID.
func (s *Serial) Open(portID string) bool {
	conn, err := s.open(portID)
	if err != nil {
		return false
	}

	s.mu.Lock()
	s.conn = conn
	s.portName = portID
	s.decoder.Reset()
	s.mu.Unlock()

	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.readLoop(conn, s.stop)
	return true
}

// Close stops the reader goroutine and releases the transport.
func (s *Serial) Close() {
	s.mu.Lock()
	conn := s.conn
	stop := s.stop
	s.conn = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	s.wg.Wait()
	if conn != nil {
		conn.Close() //nolint:errcheck
	}
}

// IsConnected reports whether a transport is currently open.
func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Name identifies this backend.
func (s *Serial) Name() string { return "Serial-MTC" }

// IsSupported is always true: any io.ReadWriteCloser-capable transport
// works, there's no platform-specific library dependency to probe.
func (s *Serial) IsSupported() bool { return true }

func (s *Serial) readLoop(conn io.ReadWriteCloser, stop <-chan struct{}) {
	defer s.wg.Done()

	reader := bitio.NewReader(conn)
	for {
		select {
		case <-stop:
			return
		default:
		}

		status, err := reader.ReadByte()
		if err != nil {
			return
		}
		if status != mtcQuarterFrame {
			continue
		}

		data, err := reader.ReadByte()
		if err != nil {
			return
		}

		s.mu.Lock()
		completed := s.decoder.ProcessByte(data)
		if completed {
			s.rolling = true
			s.trackStuckness()
		}
		s.mu.Unlock()
	}
}

// trackStuckness implements the stuck-transport reset: if the same
// frame keeps completing for more than ceil(4*fps/period) polls, the
// transport is probably feeding a frozen timecode and the decoder is
// reset so a subsequent real change isn't masked by stale state.
func (s *Serial) trackStuckness() {
	frame := s.decoder.FrameIndex()
	if frame == s.lastFrame {
		s.stuckCount++
	} else {
		s.stuckCount = 0
		s.lastFrame = frame
	}

	threshold := ClockAdjustStucknessThreshold(s.decoder.LastComplete().Type.FPS(), s.pollHz)
	if s.stuckCount > threshold {
		s.decoder.Reset()
		s.stuckCount = 0
		s.rolling = false
	}
}

// PollFrame returns the last decoded frame index, nudged by the
// clock-adjustment correction when enabled.
func (s *Serial) PollFrame() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return -1
	}

	frame := s.decoder.FrameIndex()
	if frame == 0 && s.decoder.LastComplete() == (mtc.SMPTE{}) {
		return -1
	}

	if s.clockAdjust {
		frame += ClockAdjustNudge(s.decoder.LastComplete().QuarterTick)
	}
	return frame
}

// IsRolling reports whether a complete MTC cycle has been seen recently
// enough to consider the transport "rolling" (xjadeo-style heuristic:
// set by any completed cycle, frame 0 included, and cleared only by a
// stuck-transport reset).
func (s *Serial) IsRolling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rolling
}

// LastSMPTE returns the most recently completed timecode's own
// components, for callers (syncsrc.MTC's ForceProjectFPS mode) that
// need to recompute a frame index at a rate other than the one encoded
// in the stream.
func (s *Serial) LastSMPTE() mtc.SMPTE {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decoder.LastComplete()
}

var _ Driver = (*Serial)(nil)
