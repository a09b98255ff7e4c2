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
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"nvr/pkg/frame"
	"nvr/pkg/gputex"
)

// epsilon is the tolerance below which a scale/rotation property is
// treated as identity, matching the fixed-point jitter a UI slider or
// automation curve can leave behind.
const epsilon = 1e-3

// TexRect is the sub-rectangle of a texture, in normalized [0,1]
// coordinates, a GPU compositor should sample from. Scale and rotation
// are never baked into TexRect: the compositor applies those straight
// from Properties via its transform matrix.
type TexRect struct {
	X, Y, Width, Height float32
}

var fullTexRect = TexRect{Width: 1, Height: 1}

// Display owns the crop/pan -> scale -> rotate pipeline for one layer.
// GPU frames are never touched pixel-by-pixel: crop/panorama become a
// TexRect for the compositor to sample, and scale/rotation are left to
// its transform matrix. CPU frames get the transforms applied for real,
// ping-ponged through two scratch buffers so no stage reads and writes
// the same memory.
type Display struct {
	properties Properties
	frameInfo  frame.Info

	ready   bool
	onGPU   bool
	texRect TexRect

	cpuBuffer frame.Buffer
	gpuBuffer *gputex.Texture

	scratch [2]frame.Buffer
}

// NewDisplay returns a Display with default properties and no frame
// prepared yet.
func NewDisplay() *Display {
	return &Display{properties: DefaultProperties(), texRect: fullTexRect}
}

// SetProperties replaces the layer's display configuration.
func (d *Display) SetProperties(p Properties) { d.properties = p }

// Properties returns the current display configuration.
func (d *Display) Properties() Properties { return d.properties }

// SetFrameInfo records the source's metadata, used for crop bounds and
// texture-coordinate math.
func (d *Display) SetFrameInfo(info frame.Info) { d.frameInfo = info }

// FrameInfo returns the recorded source metadata.
func (d *Display) FrameInfo() frame.Info { return d.frameInfo }

// IsReady reports whether a frame has been prepared.
func (d *Display) IsReady() bool { return d.ready }

// IsFrameOnGPU reports whether the prepared frame is a GPU texture.
func (d *Display) IsFrameOnGPU() bool { return d.onGPU }

// TexRect returns the normalized sample rectangle a GPU compositor
// should use; full-frame {0,0,1,1} when no crop/panorama is active.
func (d *Display) TexRect() TexRect { return d.texRect }

// PrepareFrame takes whatever Playback.Update just loaded (host buffer
// or GPU texture) and applies this layer's modifications, in the fixed
// order crop-or-panorama -> scale -> rotation.
func (d *Display) PrepareFrame(cpu *frame.Buffer, gpu *gputex.Texture, onGPU bool) bool {
	d.ready = false

	if onGPU {
		if gpu == nil || !gpu.IsValid() {
			return false
		}
		d.texRect = d.textureCoordinates()
		d.gpuBuffer = gpu.Clone()
		d.onGPU = true
		d.ready = true
		return true
	}

	if cpu == nil || !cpu.IsValid() {
		return false
	}
	if !d.processCPU(cpu) {
		return false
	}
	d.onGPU = false
	d.ready = true
	return true
}

// GetFrameBuffer returns the prepared frame: either a host buffer or a
// GPU texture, never both, and ok=false if nothing has been prepared.
func (d *Display) GetFrameBuffer() (onGPU bool, cpu *frame.Buffer, gpu *gputex.Texture, ok bool) {
	if !d.ready {
		return false, nil, nil, false
	}
	if d.onGPU {
		return true, nil, d.gpuBuffer, true
	}
	return false, &d.cpuBuffer, nil, true
}

func (d *Display) hasCrop() bool      { return d.properties.Crop.Enabled }
func (d *Display) hasPanorama() bool  { return d.properties.PanoramaMode }
func (d *Display) hasScale() bool {
	return math.Abs(float64(d.properties.ScaleX-1)) > epsilon ||
		math.Abs(float64(d.properties.ScaleY-1)) > epsilon
}
func (d *Display) hasRotation() bool { return math.Abs(float64(d.properties.Rotation)) > epsilon }

// canSkipGPU reports whether the GPU path needs a non-identity TexRect.
// Scale and rotation never force this: the compositor bakes those into
// its transform matrix regardless of whether crop/panorama is active.
func (d *Display) canSkipGPU() bool { return !d.hasCrop() && !d.hasPanorama() }

// canSkipCPU reports whether the CPU path can pass the frame through
// unmodified. Unlike the GPU path, scale and rotation require real
// pixel work here, so they count.
func (d *Display) canSkipCPU() bool {
	return !d.hasCrop() && !d.hasPanorama() && !d.hasScale() && !d.hasRotation()
}

// textureCoordinates computes the normalized sample rect for the GPU
// path: panorama takes priority over an explicit crop, matching the
// clamp/precedence rule CPU processing uses for the same two fields.
func (d *Display) textureCoordinates() TexRect {
	if d.canSkipGPU() {
		return fullTexRect
	}
	if d.frameInfo.Width == 0 || d.frameInfo.Height == 0 {
		return fullTexRect
	}

	if d.properties.PanoramaMode {
		cropWidth := float32(d.frameInfo.Width) / 2
		maxOffset := float32(d.frameInfo.Width) - cropWidth
		offset := clampFloat(float32(d.properties.PanOffset), 0, maxOffset)
		return TexRect{
			X:      offset / float32(d.frameInfo.Width),
			Y:      0,
			Width:  cropWidth / float32(d.frameInfo.Width),
			Height: 1,
		}
	}

	crop := d.properties.Crop
	x := float32(crop.X) / float32(d.frameInfo.Width)
	y := float32(crop.Y) / float32(d.frameInfo.Height)
	w := float32(crop.Width) / float32(d.frameInfo.Width)
	h := float32(crop.Height) / float32(d.frameInfo.Height)
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	if x+w > 1 {
		w = 1 - x
	}
	if y+h > 1 {
		h = 1 - y
	}
	return TexRect{X: x, Y: y, Width: w, Height: h}
}

func clampFloat(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// processCPU runs crop-or-panorama -> scale -> rotation over input,
// ping-ponging between the two scratch buffers, and copies the final
// result into d.cpuBuffer.
func (d *Display) processCPU(input *frame.Buffer) bool {
	if d.canSkipCPU() {
		return copyBuffer(&d.cpuBuffer, input)
	}

	bpp := input.Info().PixelFormat.BytesPerPixel()
	if bpp == 0 {
		return false
	}

	current := input
	next := &d.scratch[0]

	if d.hasPanorama() {
		if !d.applyPanorama(current, next, bpp) {
			return false
		}
		current, next = next, d.otherScratch(next)
	} else if d.hasCrop() {
		if !d.applyCrop(current, next, bpp) {
			return false
		}
		current, next = next, d.otherScratch(next)
	}

	if d.hasScale() {
		if !d.applyScale(current, next, bpp) {
			return false
		}
		current, next = next, d.otherScratch(next)
	}

	if d.hasRotation() {
		if !d.applyRotation(current, next, bpp) {
			return false
		}
		current = next
	}

	return copyBuffer(&d.cpuBuffer, current)
}

func (d *Display) otherScratch(cur *frame.Buffer) *frame.Buffer {
	if cur == &d.scratch[0] {
		return &d.scratch[1]
	}
	return &d.scratch[0]
}

func copyBuffer(dst, src *frame.Buffer) bool {
	dst.Allocate(src.Info())
	copy(dst.Data(), src.Data())
	return true
}

func (d *Display) applyCrop(input, output *frame.Buffer, bpp int) bool {
	crop := d.properties.Crop
	info := input.Info()
	if crop.X < 0 || crop.Y < 0 ||
		crop.X+crop.Width > info.Width || crop.Y+crop.Height > info.Height ||
		crop.Width <= 0 || crop.Height <= 0 {
		return false
	}

	outInfo := info
	outInfo.Width, outInfo.Height = crop.Width, crop.Height
	output.Allocate(outInfo)

	inStride, outStride := input.Stride(), output.Stride()
	src, dst := input.Data(), output.Data()
	rowBytes := crop.Width * bpp

	for y := 0; y < crop.Height; y++ {
		srcOff := (crop.Y+y)*inStride + crop.X*bpp
		dstOff := y * outStride
		copy(dst[dstOff:dstOff+rowBytes], src[srcOff:srcOff+rowBytes])
	}
	return true
}

func (d *Display) applyPanorama(input, output *frame.Buffer, bpp int) bool {
	info := input.Info()
	cropWidth := info.Width / 2
	maxOffset := info.Width - cropWidth

	offset := d.properties.PanOffset
	if offset < 0 {
		offset = 0
	}
	if offset > maxOffset {
		offset = maxOffset
	}

	outInfo := info
	outInfo.Width = cropWidth
	output.Allocate(outInfo)

	inStride, outStride := input.Stride(), output.Stride()
	src, dst := input.Data(), output.Data()
	rowBytes := cropWidth * bpp

	for y := 0; y < info.Height; y++ {
		srcOff := y*inStride + offset*bpp
		dstOff := y * outStride
		copy(dst[dstOff:dstOff+rowBytes], src[srcOff:srcOff+rowBytes])
	}
	return true
}

// wrapNRGBA views a 4-bytes-per-pixel buffer as an image.NRGBA so
// golang.org/x/image/draw can operate on it directly. Channel order
// (RGBA vs BGRA) is irrelevant here: Scale only moves pixels, it never
// reinterprets their color.
func wrapNRGBA(b *frame.Buffer) *image.NRGBA {
	info := b.Info()
	return &image.NRGBA{Pix: b.Data(), Stride: b.Stride(), Rect: image.Rect(0, 0, info.Width, info.Height)}
}

func (d *Display) applyScale(input, output *frame.Buffer, bpp int) bool {
	info := input.Info()
	outWidth := int(float32(info.Width) * d.properties.ScaleX)
	outHeight := int(float32(info.Height) * d.properties.ScaleY)
	if outWidth <= 0 || outHeight <= 0 {
		return false
	}

	outInfo := info
	outInfo.Width, outInfo.Height = outWidth, outHeight
	output.Allocate(outInfo)

	if bpp == 4 {
		src, dst := wrapNRGBA(input), wrapNRGBA(output)
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
		return true
	}

	// 3- and 2-byte packed formats (RGB24, UYVY422) aren't a stdlib
	// color model x/image/draw can wrap directly; fall back to the same
	// nearest-neighbor index math by hand.
	inStride, outStride := input.Stride(), output.Stride()
	src, dst := input.Data(), output.Data()
	for y := 0; y < outHeight; y++ {
		srcY := (y * info.Height) / outHeight
		srcRow := srcY * inStride
		dstRow := y * outStride
		for x := 0; x < outWidth; x++ {
			srcX := (x * info.Width) / outWidth
			srcOff := srcRow + srcX*bpp
			dstOff := dstRow + x*bpp
			copy(dst[dstOff:dstOff+bpp], src[srcOff:srcOff+bpp])
		}
	}
	return true
}

// applyRotation rounds Rotation to the nearest 90-degree increment:
// anything finer requires an affine resample the original pipeline
// never implemented either, so this mirrors that same limitation.
func (d *Display) applyRotation(input, output *frame.Buffer, bpp int) bool {
	info := input.Info()
	rotation := math.Mod(float64(d.properties.Rotation), 360)
	if rotation < 0 {
		rotation += 360
	}
	steps := int(math.Round(rotation/90)) % 4

	if steps == 0 {
		return copyBuffer(output, input)
	}

	outWidth, outHeight := info.Width, info.Height
	if steps == 1 || steps == 3 {
		outWidth, outHeight = info.Height, info.Width
	}

	outInfo := info
	outInfo.Width, outInfo.Height = outWidth, outHeight
	output.Allocate(outInfo)

	inStride, outStride := input.Stride(), output.Stride()
	src, dst := input.Data(), output.Data()

	for y := 0; y < outHeight; y++ {
		for x := 0; x < outWidth; x++ {
			var srcX, srcY int
			switch steps {
			case 1: // 90 clockwise
				srcX, srcY = y, info.Height-1-x
			case 2: // 180
				srcX, srcY = info.Width-1-x, info.Height-1-y
			case 3: // 270 clockwise
				srcX, srcY = info.Width-1-y, x
			}
			srcOff := srcY*inStride + srcX*bpp
			dstOff := y*outStride + x*bpp
			copy(dst[dstOff:dstOff+bpp], src[srcOff:srcOff+bpp])
		}
	}
	return true
}

// ValidateCrop reports whether a crop rectangle fits within width x
// height, for callers that want to reject bad Properties before they
// ever reach PrepareFrame.
func ValidateCrop(c CropRect, width, height int) error {
	if c.X < 0 || c.Y < 0 || c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("layer: crop rect has non-positive dimension")
	}
	if c.X+c.Width > width || c.Y+c.Height > height {
		return fmt.Errorf("layer: crop rect %+v exceeds frame %dx%d", c, width, height)
	}
	return nil
}
