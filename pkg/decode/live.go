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
	"sync"
	"time"

	"nvr/pkg/frame"
)

// Transport drains a network/capture source into host frames on its own
// goroutine. A real implementation speaks RTP/RTSP or a vendor capture
// API; Live only needs frames delivered through this narrow contract.
type Transport interface {
	Start(ctx context.Context, deliver func(frame.Info, []byte)) error
	Stop()
}

// Live wraps a Transport as an InputSource. It never supports indexed
// seek: frame_info reflects the last-known format (or a sensible
// default before the first packet arrives), and is_ready becomes true
// once initial_wait elapses even with no frame yet.
type Live struct {
	transport   Transport
	initialWait time.Duration

	mu      sync.Mutex
	info    frame.Info
	latest  []byte
	current int64
	ready   bool
	cancel  context.CancelFunc
}

// defaultLiveInfo is used before any packet has been observed.
var defaultLiveInfo = frame.Info{
	Width:          1280,
	Height:         720,
	PixelAspect:    1,
	FramerateFloat: 30,
	PixelFormat:    frame.PixelFormatBGRA32,
}

// NewLive binds a Live backend to transport, waiting up to initialWait
// for the first frame during Open before giving up and using defaults.
func NewLive(transport Transport, initialWait time.Duration) *Live {
	return &Live{
		transport:   transport,
		initialWait: initialWait,
		info:        defaultLiveInfo,
		current:     -1,
	}
}

// Open starts the capture goroutine and blocks up to initialWait for the
// first frame; is_ready becomes true regardless of whether one arrived.
func (l *Live) Open(ctx context.Context, source string) error {
	capCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	firstFrame := make(chan struct{}, 1)
	var once sync.Once

	go func() {
		_ = l.transport.Start(capCtx, func(info frame.Info, data []byte) {
			l.mu.Lock()
			l.info = info
			l.latest = data
			l.current++
			l.mu.Unlock()
			once.Do(func() { firstFrame <- struct{}{} })
		})
	}()

	if l.initialWait > 0 {
		select {
		case <-firstFrame:
		case <-time.After(l.initialWait):
		}
	}

	l.mu.Lock()
	l.ready = true
	l.mu.Unlock()
	return nil
}

// Close stops the capture goroutine.
func (l *Live) Close() error {
	if l.cancel != nil {
		l.transport.Stop()
		l.cancel()
	}
	return nil
}

// IsReady reports whether Open has completed its initial wait.
func (l *Live) IsReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// ReadFrame returns the most recently captured frame, regardless of the
// requested frameIndex: Live has no index, only "now".
func (l *Live) ReadFrame(frameIndex int64, out *frame.Buffer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	out.Allocate(l.info)
	copy(out.Data(), l.latest)
	return nil
}

// Seek is a no-op that always succeeds: Live has no indexed timeline.
func (l *Live) Seek(frameIndex int64) error { return nil }

// FrameInfo returns the last-known capture format.
func (l *Live) FrameInfo() frame.Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info
}

// CurrentFrame returns a monotonically increasing counter of frames
// observed so far (Live has no meaningful absolute index).
func (l *Live) CurrentFrame() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// DetectCodec is always unknown: the transport already hands back
// decoded host frames.
func (l *Live) DetectCodec() CodecKind { return CodecUnknown }

// SupportsDirectGPU is always false.
func (l *Live) SupportsDirectGPU() bool { return false }

// OptimalBackend is always CPU-software.
func (l *Live) OptimalBackend() Backend { return BackendCPUSoftware }

var _ Source = (*Live)(nil)
