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

// Package frame holds the value types shared by every decode backend and
// by the layer display pipeline: FrameInfo (immutable per-source
// metadata) and FrameBuffer (a host-memory pixel allocation).
package frame

import "fmt"

// PixelFormat enumerates the host pixel layouts a decode backend may
// hand to a FrameBuffer.
type PixelFormat int

// Supported pixel formats.
const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatYUV420P
	PixelFormatRGB24
	PixelFormatRGBA32
	PixelFormatBGRA32
	PixelFormatUYVY422
	PixelFormatNV12
	PixelFormatHWSurface
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatYUV420P:
		return "YUV420P"
	case PixelFormatRGB24:
		return "RGB24"
	case PixelFormatRGBA32:
		return "RGBA32"
	case PixelFormatBGRA32:
		return "BGRA32"
	case PixelFormatUYVY422:
		return "UYVY422"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatHWSurface:
		return "HW_SURFACE"
	default:
		return "unknown"
	}
}

// BytesPerPixel returns the packed-format stride multiplier. Planar and
// surface formats have no single value and return 0; callers computing
// plane strides must size them per-plane instead.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatRGB24:
		return 3
	case PixelFormatRGBA32, PixelFormatBGRA32:
		return 4
	case PixelFormatUYVY422:
		return 2
	default:
		return 0
	}
}

// Rational is a fraction, used for exact framerates (e.g. 30000/1001).
type Rational struct {
	Num int
	Den int
}

// Float64 returns the rational as a float, or 0 if Den is 0.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Info is immutable metadata describing an opened source, set once at
// open time and threaded by value through every component that needs it
// (decode backends, queues, layer playback, display transforms).
type Info struct {
	Width       int
	Height      int
	PixelAspect float64

	FramerateExact Rational
	FramerateFloat float64

	TotalFrames     int64
	DurationSeconds float64

	PixelFormat PixelFormat
}

// Buffer owns a contiguous host pixel allocation sized for Info plus a
// stride. Reallocation only happens on an explicit Allocate call whose
// dimensions/format differ from the current allocation.
type Buffer struct {
	info   Info
	stride int
	data   []byte
	valid  bool
}

// Allocate (re)sizes the buffer for info if needed. Returns true if a
// reallocation happened.
func (b *Buffer) Allocate(info Info) bool {
	stride := computeStride(info)
	size := stride * info.Height

	if b.valid && b.info.Width == info.Width && b.info.Height == info.Height &&
		b.info.PixelFormat == info.PixelFormat && len(b.data) >= size {
		b.info = info
		b.stride = stride
		return false
	}

	b.data = make([]byte, size)
	b.info = info
	b.stride = stride
	b.valid = true
	return true
}

func computeStride(info Info) int {
	bpp := info.PixelFormat.BytesPerPixel()
	if bpp == 0 {
		// Planar/semi-planar formats: the luma plane is packed 1 byte/px,
		// chroma planes live in the remainder of the same allocation for
		// our purposes (decode backends that need separate plane pointers
		// use Buffer.Data() and compute per-plane offsets themselves).
		bpp = 1
	}
	return info.Width * bpp
}

// IsValid reports whether Allocate has been called successfully.
func (b *Buffer) IsValid() bool { return b.valid }

// Size returns the allocated byte length.
func (b *Buffer) Size() int { return len(b.data) }

// Stride returns the row stride in bytes.
func (b *Buffer) Stride() int { return b.stride }

// Data returns the underlying pixel storage. Valid only while IsValid().
func (b *Buffer) Data() []byte { return b.data }

// Info returns the FrameInfo the buffer was last allocated for.
func (b *Buffer) Info() Info { return b.info }

// Release frees the buffer's storage, making IsValid false.
func (b *Buffer) Release() {
	b.data = nil
	b.valid = false
}
