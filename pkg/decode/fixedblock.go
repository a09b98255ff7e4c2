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

	"nvr/pkg/frame"
	"nvr/pkg/gputex"
)

// PacketSource supplies the raw compressed payload for one frame, for
// containers that ship pre-block-coded textures (the FixedBlock codec
// family). A real implementation demuxes a container; tests and the
// refinement heuristic below only need this narrow contract.
type PacketSource interface {
	Open(path string) error
	Close() error
	NextPacket() (payload []byte, ok bool, err error)
	SeekPacket(frameIndex int) error
	Width() int
	Height() int
}

// FixedBlock decodes a pre-compressed block-coded codec straight to GPU
// textures: no pixel manipulation, no color conversion, one upload_block_coded
// call per frame.
type FixedBlock struct {
	packets PacketSource
	device  gputex.Device

	path    string
	info    frame.Info
	variant gputex.Variant
	dual    bool

	current int64
	refined bool
}

// NewFixedBlock returns a backend bound to a packet source and GPU device.
// variant is the container's declared block-coded format; if the
// container carries no reliable tag, pass VariantBlockCodedRGB and rely
// on the first-frame refinement heuristic.
func NewFixedBlock(packets PacketSource, device gputex.Device, variant gputex.Variant, dual bool) *FixedBlock {
	return &FixedBlock{
		packets: packets,
		device:  device,
		variant: variant,
		dual:    dual,
		current: -1,
	}
}

// Open probes the packet source for dimensions; no per-frame index is
// built here, matching the "optionally build an index" note for this
// backend — frames are consumed strictly in decode order by the queue
// that wraps this source.
func (fb *FixedBlock) Open(ctx context.Context, path string) error {
	if err := fb.packets.Open(path); err != nil {
		return fmt.Errorf("fixedblock: open: %w", err)
	}
	fb.path = path
	fb.info = frame.Info{
		Width:       fb.packets.Width(),
		Height:      fb.packets.Height(),
		PixelAspect: 1,
		PixelFormat: frame.PixelFormatHWSurface,
	}
	return nil
}

// Close releases the packet source.
func (fb *FixedBlock) Close() error { return fb.packets.Close() }

// IsReady reports whether a dimensioned packet source is attached.
func (fb *FixedBlock) IsReady() bool { return fb.info.Width > 0 && fb.info.Height > 0 }

// ReadFrame is not the supported path for this backend: block-coded
// payloads are never meant to reach host memory.
func (fb *FixedBlock) ReadFrame(frameIndex int64, out *frame.Buffer) error {
	return fmt.Errorf("fixedblock: read_frame unsupported, use read_frame_to_texture")
}

// Seek repositions the packet source.
func (fb *FixedBlock) Seek(frameIndex int64) error {
	if err := fb.packets.SeekPacket(int(frameIndex)); err != nil {
		return fmt.Errorf("fixedblock: seek: %w", err)
	}
	fb.current = frameIndex - 1
	return nil
}

// FrameInfo returns the probed source metadata.
func (fb *FixedBlock) FrameInfo() frame.Info { return fb.info }

// CurrentFrame returns the last frame index successfully read.
func (fb *FixedBlock) CurrentFrame() int64 { return fb.current }

// DetectCodec reports the block-coded variant as a codec kind.
func (fb *FixedBlock) DetectCodec() CodecKind {
	switch fb.variant {
	case gputex.VariantBlockCodedRGBA:
		return CodecFixedBlockRGBA
	case gputex.VariantBlockCodedYCoCg:
		return CodecFixedBlockYCoCg
	case gputex.VariantBlockCodedYCoCgAlpha:
		return CodecFixedBlockYCoCgAlpha
	case gputex.VariantBlockCodedHighQuality:
		return CodecFixedBlockHighQuality
	default:
		return CodecFixedBlockRGB
	}
}

// SupportsDirectGPU is always true: this backend only ever produces
// textures.
func (fb *FixedBlock) SupportsDirectGPU() bool { return true }

// OptimalBackend is always FixedBlock-direct.
func (fb *FixedBlock) OptimalBackend() Backend { return BackendFixedBlockDirect }

// ReadFrameToTexture decodes one packet and uploads its compressed
// payload directly to out, performing §4.5.3's byte-count plausibility
// check and first-frame variant refinement.
func (fb *FixedBlock) ReadFrameToTexture(frameIndex int64, out *gputex.Texture) error {
	payload, ok, err := fb.packets.NextPacket()
	if err != nil {
		return fmt.Errorf("fixedblock: next packet: %w", err)
	}
	if !ok {
		return fmt.Errorf("fixedblock: no packet at frame %d", frameIndex)
	}

	if !fb.refined {
		fb.refineVariant(payload)
		fb.refined = true
	}

	expected := gputex.BlockCodedSize(fb.info.Width, fb.info.Height, fb.variant)
	if !plausibleSize(len(payload), expected) {
		return fmt.Errorf("fixedblock: packet size %d implausible for %dx%d variant (want ~%d)",
			len(payload), fb.info.Width, fb.info.Height, expected)
	}

	if !out.IsValid() {
		var allocErr error
		if fb.dual {
			allocErr = out.AllocateDualBlockCoded(fb.info.Width, fb.info.Height)
		} else {
			allocErr = out.Allocate(fb.info.Width, fb.info.Height, true)
		}
		if allocErr != nil {
			return fmt.Errorf("fixedblock: allocate texture: %w", allocErr)
		}
	}

	if err := out.UploadBlockCoded(payload, fb.info.Width, fb.info.Height, fb.variant); err != nil {
		return fmt.Errorf("fixedblock: upload: %w", err)
	}

	fb.current = frameIndex
	return nil
}

// plausibleSize reports whether observed is within 2x of expected in
// either direction, per §4.5.3's fallback rule for trusting the
// container's own packet size over the computed one.
func plausibleSize(observed, expected int) bool {
	if expected == 0 {
		return observed == 0
	}
	ratio := float64(observed) / float64(expected)
	return ratio >= 0.5 && ratio <= 2.0
}

// refineVariant promotes RGB-block to RGBA-block if the first packet's
// size is closer to the RGBA accounting. This heuristic is approximate:
// a container that tags its own variant should be preferred over it.
func (fb *FixedBlock) refineVariant(firstPacket []byte) {
	if fb.variant != gputex.VariantBlockCodedRGB {
		return
	}
	rgbSize := gputex.BlockCodedSize(fb.info.Width, fb.info.Height, gputex.VariantBlockCodedRGB)
	rgbaSize := gputex.BlockCodedSize(fb.info.Width, fb.info.Height, gputex.VariantBlockCodedRGBA)

	distRGB := abs(len(firstPacket) - rgbSize)
	distRGBA := abs(len(firstPacket) - rgbaSize)
	if distRGBA < distRGB {
		fb.variant = gputex.VariantBlockCodedRGBA
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

var (
	_ Source        = (*FixedBlock)(nil)
	_ TextureReader = (*FixedBlock)(nil)
)
