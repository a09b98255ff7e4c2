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
	"strings"

	vk "github.com/goki/vulkan"

	"nvr/pkg/frame"
	"nvr/pkg/gputex"
)

// DMABUFPlane is one exported plane of a hardware-decoded surface,
// ready for the zero-copy import contract in §4.5.2.
type DMABUFPlane struct {
	FD     int
	Format vk.Format
}

// DMABUFImporter is implemented by device backends (VulkanDevice) that
// can import an externally-exported DMA-BUF plane.
type DMABUFImporter interface {
	ImportDMABUF(fd, width, height int, format vk.Format) (gputex.Handle, error)
}

// HWDecoder is the codec-specific hardware decode session File-Hardware
// drives. A real implementation wraps a vendor VA-API/NVDEC/VAAPI
// session; this narrow contract is what File-Hardware needs from it.
type HWDecoder interface {
	Open(path, deviceType string) error
	Close() error
	Width() int
	Height() int
	CodecName() string
	// NextFrameDMABUF decodes the next frame and exports it as DMA-BUF
	// planes already synchronized to completion. ok=false at EOF.
	NextFrameDMABUF() (planes []DMABUFPlane, ok bool, err error)
	// ReadFrameHost decodes the next frame and copies it back to host
	// memory via the CPU fallback path.
	ReadFrameHost(out *frame.Buffer) (ok bool, err error)
	Seek(frameIndex int64) error
}

// FileHardware is the hardware-accelerated InputSource: same shell as
// File-Software, but decoding happens on a vendor hardware decoder and
// frames can be imported zero-copy as GPU textures instead of copied to
// host memory.
type FileHardware struct {
	decoder  HWDecoder
	device   gputex.Device
	importer DMABUFImporter
	vendor   HardwareVendor

	path    string
	info    frame.Info
	current int64

	// prevHandles holds the previous frame's imported plane handles so
	// ReadFrameToTexture can create the new ones first and only then
	// release these, per §4.5.2's critical-ordering rule.
	prevHandles []gputex.Handle
}

// NewFileHardware returns a backend bound to decoder and device. device
// is type-asserted for DMABUFImporter; if it doesn't implement the
// capability, ReadFrameToTexture always fails and OptimalBackend
// reports CPU_Software.
func NewFileHardware(decoder HWDecoder, device gputex.Device) *FileHardware {
	importer, _ := device.(DMABUFImporter)
	return &FileHardware{
		decoder:  decoder,
		device:   device,
		importer: importer,
		current:  -1,
	}
}

// SetHardwareVendor pins the vendor-specific hwaccel Open requests
// ("" lets the decoder pick, matching hardware_decoder=auto).
func (fh *FileHardware) SetHardwareVendor(vendor HardwareVendor) { fh.vendor = vendor }

// Open opens the hardware decode session. deviceType selects the
// vendor-specific hwaccel ("auto" lets the decoder pick).
func (fh *FileHardware) Open(ctx context.Context, path string) error {
	deviceType := "auto"
	if fh.vendor != "" {
		deviceType = string(fh.vendor)
	}
	if err := fh.decoder.Open(path, deviceType); err != nil {
		return fmt.Errorf("filehardware: open: %w", err)
	}
	fh.path = path
	fh.info = frame.Info{
		Width:       fh.decoder.Width(),
		Height:      fh.decoder.Height(),
		PixelAspect: 1,
		PixelFormat: frame.PixelFormatNV12,
	}
	return nil
}

// Close releases the hardware decode session and any still-imported
// plane handles.
func (fh *FileHardware) Close() error {
	for _, h := range fh.prevHandles {
		fh.device.ReleasePlane(h)
	}
	fh.prevHandles = nil
	return fh.decoder.Close()
}

// IsReady reports whether a decode session is attached.
func (fh *FileHardware) IsReady() bool { return fh.info.Width > 0 }

// ReadFrame decodes the next frame and copies it to host memory: the
// CPU fallback path used when the zero-copy import fails or isn't
// requested.
func (fh *FileHardware) ReadFrame(frameIndex int64, out *frame.Buffer) error {
	ok, err := fh.decoder.ReadFrameHost(out)
	if err != nil {
		return fmt.Errorf("filehardware: read frame %d: %w", frameIndex, err)
	}
	if !ok {
		return fmt.Errorf("filehardware: no frame at %d", frameIndex)
	}
	fh.current = frameIndex
	return nil
}

// Seek repositions the decode session.
func (fh *FileHardware) Seek(frameIndex int64) error {
	if err := fh.decoder.Seek(frameIndex); err != nil {
		return fmt.Errorf("filehardware: seek: %w", err)
	}
	fh.current = frameIndex - 1
	return nil
}

// FrameInfo returns the probed source metadata.
func (fh *FileHardware) FrameInfo() frame.Info { return fh.info }

// CurrentFrame returns the last frame index successfully read.
func (fh *FileHardware) CurrentFrame() int64 { return fh.current }

// DetectCodec maps the decoder's codec name to a CodecKind.
func (fh *FileHardware) DetectCodec() CodecKind {
	switch strings.ToLower(fh.decoder.CodecName()) {
	case "h264", "avc":
		return CodecH264
	case "hevc", "h265":
		return CodecHEVC
	case "vp9":
		return CodecVP9
	case "av1":
		return CodecAV1
	default:
		return CodecUnknown
	}
}

// SupportsDirectGPU reports whether the bound device can import
// DMA-BUF planes.
func (fh *FileHardware) SupportsDirectGPU() bool { return fh.importer != nil }

// OptimalBackend prefers the zero-copy GPU path whenever the device
// supports it; File-Hardware never recommends FixedBlock-direct.
func (fh *FileHardware) OptimalBackend() Backend {
	if fh.importer != nil {
		return BackendGPUHardware
	}
	return BackendCPUSoftware
}

// ReadFrameToTexture decodes the next frame, exports it as DMA-BUF
// planes, and imports them into out. Per §4.5.2's critical ordering,
// the new plane images are created and bound before the previous
// frame's are released, avoiding the frozen-frame failure mode from
// destroying-then-recreating a single texture slot in place.
func (fh *FileHardware) ReadFrameToTexture(frameIndex int64, out *gputex.Texture) error {
	if fh.importer == nil {
		return fmt.Errorf("filehardware: device does not support dma-buf import")
	}

	planes, ok, err := fh.decoder.NextFrameDMABUF()
	if err != nil {
		return fmt.Errorf("filehardware: decode frame %d: %w", frameIndex, err)
	}
	if !ok {
		return fmt.Errorf("filehardware: no frame at %d", frameIndex)
	}
	if len(planes) == 0 || len(planes) > 2 {
		return fmt.Errorf("filehardware: unexpected plane count %d", len(planes))
	}

	newHandles := make([]gputex.Handle, 0, len(planes))
	for _, p := range planes {
		h, err := fh.importer.ImportDMABUF(p.FD, fh.info.Width, fh.info.Height, p.Format)
		if err != nil {
			for _, done := range newHandles {
				fh.device.ReleasePlane(done)
			}
			return fmt.Errorf("filehardware: import dma-buf: %w", err)
		}
		newHandles = append(newHandles, h)
	}

	if len(newHandles) == 2 {
		out.SetExternalNV12(newHandles[0], newHandles[1], fh.info.Width, fh.info.Height)
	} else {
		out.SetExternalSingle(newHandles[0], fh.info.Width, fh.info.Height)
	}

	for _, h := range fh.prevHandles {
		fh.device.ReleasePlane(h)
	}
	fh.prevHandles = newHandles
	fh.current = frameIndex
	return nil
}

var (
	_ Source        = (*FileHardware)(nil)
	_ TextureReader = (*FileHardware)(nil)
)
