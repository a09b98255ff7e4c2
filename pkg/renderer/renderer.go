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

// Package renderer defines the contract between the engine and the
// external compositor. Shaders, vertex buffers, and projection
// homography belong to that compositor and are never implemented
// here — this package only carries the per-tick data it needs.
package renderer

import (
	"nvr/pkg/frame"
	"nvr/pkg/gputex"
	"nvr/pkg/layer"
)

// Target is one visible layer's contribution to a tick: either a host
// buffer or a GPU texture handle, the layer's properties and frame
// info, and the normalized texture rect a GPU-path crop/panorama
// produced (full-frame when neither applies).
type Target struct {
	CueID      string
	OnGPU      bool
	CPU        *frame.Buffer
	GPU        *gputex.Texture
	Properties layer.Properties
	FrameInfo  frame.Info
	TexRect    layer.TexRect
}

// Renderer consumes one tick's worth of prepared layers, in ascending
// z-order, and composites them. Implementations own the GPU pipeline,
// OSD text, and any display surface; none of that is modeled here.
type Renderer interface {
	Render(targets []Target) error
}

// Null discards every tick. It's useful for headless operation (engine
// unit tests, a decode-only pipeline with no display attached) where
// no compositor is wired up yet.
type Null struct {
	LastTargets []Target
	Calls       int
}

// Render implements Renderer by recording the call instead of drawing.
func (n *Null) Render(targets []Target) error {
	n.LastTargets = targets
	n.Calls++
	return nil
}

var _ Renderer = (*Null)(nil)
