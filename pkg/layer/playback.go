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

package layer

import (
	"math"

	"nvr/pkg/decode"
	"nvr/pkg/frame"
	"nvr/pkg/gputex"
	"nvr/pkg/log"
	"nvr/pkg/syncsrc"
)

// Playback owns a layer's InputSource and optional SyncSource, plus
// both frame buffers (CPU and GPU) and playback state. It is the
// frame-loading half of a layer; LayerDisplay (display.go) owns the
// transform pipeline that runs on whatever Playback loaded.
type Playback struct {
	input  decode.Source
	reader decode.TextureReader // type-asserted from input, nil if unsupported
	sync   syncsrc.Source

	playing       bool
	currentFrame  int64
	lastSyncFrame int64
	timeOffset    int64
	timeScale     float64
	followSync    bool

	cpuBuffer  frame.Buffer
	gpuBuffer  *gputex.Texture
	frameOnGPU bool

	clampLogged bool

	log *log.Logger
}

// NewPlayback returns an empty Playback with no input/sync attached yet.
// gpuBuffer is pre-created (bound to device) so load_frame can populate
// it without the caller managing texture lifetime separately.
func NewPlayback(device gputex.Device, logger *log.Logger) *Playback {
	return &Playback{
		timeScale:     1,
		followSync:    true,
		currentFrame:  -1,
		lastSyncFrame: -1,
		gpuBuffer:     gputex.New(device),
		log:           logger,
	}
}

// SetInput attaches a new InputSource, pausing playback, closing the
// previously attached one, and resetting frame state (an input swap
// always starts from "nothing loaded yet").
func (p *Playback) SetInput(input decode.Source) {
	p.Pause()
	if p.input != nil && p.input != input {
		p.input.Close()
	}
	p.input = input
	reader, _ := input.(decode.TextureReader)
	p.reader = reader
	p.currentFrame = -1
	p.lastSyncFrame = -1
	p.frameOnGPU = false
}

// SetSync attaches a SyncSource; lastSyncFrame resets so the next poll
// is treated as a fresh value regardless of what it reports.
func (p *Playback) SetSync(s syncsrc.Source) {
	p.sync = s
	p.lastSyncFrame = -1
}

// IsReady reports whether an input is attached and ready.
func (p *Playback) IsReady() bool { return p.input != nil && p.input.IsReady() }

// Play starts playback if the layer is ready.
func (p *Playback) Play() bool {
	if !p.IsReady() {
		return false
	}
	p.playing = true
	return true
}

// Pause stops playback; always succeeds.
func (p *Playback) Pause() bool {
	p.playing = false
	return true
}

// Seek repositions the input directly, bypassing sync-driven loading.
func (p *Playback) Seek(frameIndex int64) bool {
	if p.input == nil {
		return false
	}
	if err := p.input.Seek(frameIndex); err != nil {
		return false
	}
	p.currentFrame = frameIndex
	p.lastSyncFrame = -1
	return true
}

// SetTimeOffset sets the constant added to the scaled sync frame.
func (p *Playback) SetTimeOffset(offset int64) { p.timeOffset = offset }

// SetTimeScale sets the multiplier applied to the incoming sync frame.
func (p *Playback) SetTimeScale(scale float64) { p.timeScale = scale }

// SetFollowSync toggles whether update() drives loading from the
// attached SyncSource at all.
func (p *Playback) SetFollowSync(follow bool) { p.followSync = follow }

// Reverse flips playback direction, anchoring the currently-shown frame
// so it stays shown given the same sync input immediately after
// reversal. Mirroring the offset around currentFrame (rather than
// pinning it to currentFrame) keeps the invariant true not just at the
// moment of the call but on the very next tick too: adjusted =
// floor(sync*-scale) + (2*currentFrame-offset) lands back on
// currentFrame when sync is unchanged, and tracks correctly as sync
// advances from there.
func (p *Playback) Reverse() {
	if p.currentFrame >= 0 {
		p.timeOffset = 2*p.currentFrame - p.timeOffset
	}
	p.timeScale = -p.timeScale
}

// Update runs one tick of the per-layer algorithm: if not ready, does
// nothing; otherwise, if a SyncSource is connected, polls it and loads
// whatever frame it implies. With no SyncSource, playback is driven
// entirely by explicit Seek calls.
func (p *Playback) Update() {
	if !p.IsReady() {
		return
	}
	if p.sync != nil && p.sync.IsConnected() {
		p.updateFromSync()
	}
}

func (p *Playback) updateFromSync() {
	if !p.followSync {
		return
	}

	syncFrame, rolling := p.sync.PollFrame()

	if (rolling || syncFrame >= 0) && !p.playing {
		p.playing = true
	}
	if syncFrame < 0 && !rolling {
		p.playing = false
	}

	if syncFrame < 0 {
		if p.currentFrame < 0 {
			if p.loadFrame(0) {
				p.currentFrame = 0
			}
		}
		return
	}

	adjusted := int64(math.Floor(float64(syncFrame)*p.timeScale)) + p.timeOffset
	adjusted = p.clamp(adjusted)

	if adjusted == p.lastSyncFrame {
		return
	}

	if p.loadFrame(adjusted) {
		p.currentFrame = adjusted
		p.lastSyncFrame = adjusted
		return
	}

	if p.log != nil {
		p.log.Warn().Src("layer").Msgf("failed to load frame %d, retrying via seek", adjusted)
	}
	if p.input.Seek(adjusted) == nil && p.loadFrame(adjusted) {
		p.currentFrame = adjusted
		p.lastSyncFrame = adjusted
	}
}

// clamp bounds adjusted into [0, total_frames-1] when the source reports
// a known duration, logging once per out-of-range excursion to avoid a
// log storm while sync sits past the end of a clip.
func (p *Playback) clamp(adjusted int64) int64 {
	total := p.input.FrameInfo().TotalFrames
	if total <= 0 {
		return adjusted
	}

	if adjusted >= total || adjusted < 0 {
		if !p.clampLogged && p.log != nil {
			p.log.Info().Src("layer").Msgf("frame %d out of range [0,%d), clamping", adjusted, total)
			p.clampLogged = true
		}
		if adjusted >= total {
			return total - 1
		}
		return 0
	}

	p.clampLogged = false
	return adjusted
}

// loadFrame routes to the fastest path the attached input supports:
// FixedBlock direct upload, then File-Hardware zero-copy with a host
// fallback, then a plain host read.
func (p *Playback) loadFrame(f int64) bool {
	if p.input == nil || !p.input.IsReady() {
		return false
	}

	switch p.input.OptimalBackend() {
	case decode.BackendFixedBlockDirect:
		if p.reader != nil && p.reader.ReadFrameToTexture(f, p.gpuBuffer) == nil {
			p.frameOnGPU = true
			return true
		}
		return false

	case decode.BackendGPUHardware:
		if p.reader != nil && p.reader.ReadFrameToTexture(f, p.gpuBuffer) == nil {
			p.frameOnGPU = true
			return true
		}
		// Fall through to host read.
	}

	if p.input.ReadFrame(f, &p.cpuBuffer) == nil {
		p.frameOnGPU = false
		return true
	}
	return false
}

// GetFrameBuffer returns the currently loaded frame: either a host
// buffer or a GPU texture, never both.
func (p *Playback) GetFrameBuffer() (onGPU bool, cpu *frame.Buffer, gpu *gputex.Texture) {
	if p.frameOnGPU {
		return true, nil, p.gpuBuffer
	}
	return false, &p.cpuBuffer, nil
}

// CheckPlaybackEnd reports whether playback has reached the last frame
// of a finite-duration source while playing forward.
func (p *Playback) CheckPlaybackEnd() bool {
	if p.input == nil || p.timeScale <= 0 {
		return false
	}
	total := p.input.FrameInfo().TotalFrames
	return total > 0 && p.currentFrame >= total-1
}

// CurrentFrame returns the last frame index successfully loaded.
func (p *Playback) CurrentFrame() int64 { return p.currentFrame }

// IsPlaying reports the current play/pause state.
func (p *Playback) IsPlaying() bool { return p.playing }
