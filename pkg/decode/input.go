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

// Package decode implements the four InputSource backends (File-Software,
// File-Hardware, FixedBlock, Live) and the AsyncDecodeQueue that wraps
// them with a pre-buffering producer thread.
package decode

import (
	"context"

	"nvr/pkg/frame"
	"nvr/pkg/gputex"
)

// CodecKind identifies the compressed format a source carries.
type CodecKind int

// Recognized codec kinds.
const (
	CodecUnknown CodecKind = iota
	CodecH264
	CodecHEVC
	CodecVP9
	CodecAV1
	CodecFixedBlockRGB
	CodecFixedBlockRGBA
	CodecFixedBlockYCoCg
	CodecFixedBlockYCoCgAlpha
	CodecFixedBlockHighQuality
)

// Backend is the decode path an InputSource ultimately uses.
type Backend int

// Backend choices.
const (
	BackendCPUSoftware Backend = iota
	BackendGPUHardware
	BackendFixedBlockDirect
)

// Source is the polymorphic decoder contract. ReadFrameToTexture is an
// optional capability some backends don't implement — callers type
// assert for TextureReader rather than relying on every Source
// satisfying it.
type Source interface {
	Open(ctx context.Context, path string) error
	Close() error
	IsReady() bool
	ReadFrame(frameIndex int64, out *frame.Buffer) error
	Seek(frameIndex int64) error
	FrameInfo() frame.Info
	CurrentFrame() int64
	DetectCodec() CodecKind
	SupportsDirectGPU() bool
	OptimalBackend() Backend
}

// TextureReader is implemented by backends that can decode straight
// into a GPU texture (FixedBlock always; File-Hardware when its
// zero-copy path succeeds).
type TextureReader interface {
	ReadFrameToTexture(frameIndex int64, out *gputex.Texture) error
}
