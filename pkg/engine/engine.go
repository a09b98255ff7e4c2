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

// Package engine ties one SyncSource, one AsyncVideoLoader, and a
// z-ordered set of layers together into the per-tick algorithm that
// hands prepared frames to an external compositor.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"nvr/pkg/decode"
	"nvr/pkg/gputex"
	"nvr/pkg/layer"
	"nvr/pkg/loader"
	"nvr/pkg/log"
	"nvr/pkg/mtc"
	"nvr/pkg/renderer"
	"nvr/pkg/syncsrc"
)

// Layer bundles one cue's playback and display state. Layers are
// addressed by CueID, the same key used for AsyncVideoLoader requests.
type Layer struct {
	CueID    string
	Playback *layer.Playback
	Display  *layer.Display
}

// Engine owns the shared SyncSource, the AsyncVideoLoader, and every
// active Layer. All exported methods except loader callbacks are meant
// to run on the single owning (main/GPU) thread; Tick is never safe to
// call concurrently with itself.
type Engine struct {
	sync     syncsrc.Source
	loader   *loader.Loader
	renderer renderer.Renderer
	device   gputex.Device
	log      *log.Logger

	preferDropFrame bool
	logDB           *log.DB

	mu     sync.Mutex
	layers map[string]*Layer
}

// New returns an Engine bound to sync, ld (already Start'd), a
// compositor, and the GPU device layers' Playback allocates textures
// against.
func New(sync syncsrc.Source, ld *loader.Loader, render renderer.Renderer, device gputex.Device, logger *log.Logger) *Engine {
	return &Engine{
		sync:     sync,
		loader:   ld,
		renderer: render,
		device:   device,
		log:      logger,
		layers:   make(map[string]*Layer),
	}
}

// SetPreferDropFrameDisplay selects drop-frame (;FF) formatting in
// Timecode for a 29.97fps sync source, matching EngineSettings'
// preferDropFrameDisplay.
func (e *Engine) SetPreferDropFrameDisplay(prefer bool) {
	e.preferDropFrame = prefer
}

// Timecode renders the sync source's current frame as an SMPTE
// HH:MM:SS:FF display string at its own reported rate.
func (e *Engine) Timecode() string {
	frame := e.sync.CurrentFrame()
	rate := mtc.RateFromFPS(e.sync.Framerate(), e.preferDropFrame)
	return mtc.FormatTimecode(frame, rate)
}

// StartLogPersistence opens db and starts draining e's logger into it in
// the background; both stop when ctx is canceled. Call at most once per
// Engine.
func (e *Engine) StartLogPersistence(ctx context.Context, db *log.DB) error {
	if err := db.Init(ctx); err != nil {
		return fmt.Errorf("engine: start log persistence: %w", err)
	}
	e.logDB = db
	go db.SaveLogs(ctx, e.log)
	return nil
}

// QueryLogs runs q against the persisted log database. Returns an error
// if StartLogPersistence was never called.
func (e *Engine) QueryLogs(q log.Query) (*[]log.Log, error) {
	if e.logDB == nil {
		return nil, fmt.Errorf("engine: log persistence not started")
	}
	return e.logDB.Query(q)
}

// AddLayer creates a new, inputless layer under cueID, ready to receive
// a source via LoadSource. Calling AddLayer again for an existing
// cueID replaces it, closing the old layer's input first.
func (e *Engine) AddLayer(cueID string) *Layer {
	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.layers[cueID]; ok {
		old.Playback.SetInput(nil)
	}

	l := &Layer{
		CueID:    cueID,
		Playback: layer.NewPlayback(e.device, e.log),
		Display:  layer.NewDisplay(),
	}
	l.Playback.SetSync(e.sync)
	e.layers[cueID] = l
	return l
}

// RemoveLayer drops cueID, cancelling any outstanding load for it.
func (e *Engine) RemoveLayer(cueID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loader.Cancel(cueID)
	delete(e.layers, cueID)
}

// Layer returns the layer registered under cueID, or nil.
func (e *Engine) Layer(cueID string) *Layer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.layers[cueID]
}

// LoadSource requests an async open of path for cueID. The resulting
// InputSource is attached to the layer's Playback once
// AsyncVideoLoader.PollCompleted delivers it; a layer under cueID must
// already exist via AddLayer.
func (e *Engine) LoadSource(cueID, path string) {
	e.loader.Request(cueID, path, func(cueID, path string, source decode.Source, err error) {
		e.mu.Lock()
		l, ok := e.layers[cueID]
		e.mu.Unlock()

		if !ok {
			// Layer was removed while the load was in flight.
			if source != nil {
				source.Close()
			}
			return
		}
		if err != nil {
			if e.log != nil {
				e.log.Warn().Src("engine").Msgf("load failed for cue %s (%s): %v", cueID, path, err)
			}
			return
		}

		l.Playback.SetInput(source)
		l.Display.SetFrameInfo(source.FrameInfo())
	})
}

// Tick runs one pass of the engine algorithm: drain completed loads,
// then update and prepare every layer in ascending z-order, then hand
// the prepared set to the renderer.
func (e *Engine) Tick() error {
	e.loader.PollCompleted()

	for _, l := range e.orderedLayers() {
		l.Playback.Update()
		onGPU, cpu, gpu := l.Playback.GetFrameBuffer()
		l.Display.PrepareFrame(cpu, gpu, onGPU)
	}

	return e.renderer.Render(e.buildTargets())
}

func (e *Engine) orderedLayers() []*Layer {
	e.mu.Lock()
	ordered := make([]*Layer, 0, len(e.layers))
	for _, l := range e.layers {
		ordered = append(ordered, l)
	}
	e.mu.Unlock()

	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Display.Properties().ZOrder < ordered[j].Display.Properties().ZOrder
	})
	return ordered
}

func (e *Engine) buildTargets() []renderer.Target {
	ordered := e.orderedLayers()
	targets := make([]renderer.Target, 0, len(ordered))

	for _, l := range ordered {
		props := l.Display.Properties()
		if !props.Visible || !l.Display.IsReady() {
			continue
		}

		onGPU, cpu, gpu, ok := l.Display.GetFrameBuffer()
		if !ok {
			continue
		}

		targets = append(targets, renderer.Target{
			CueID:      l.CueID,
			OnGPU:      onGPU,
			CPU:        cpu,
			GPU:        gpu,
			Properties: props,
			FrameInfo:  l.Display.FrameInfo(),
			TexRect:    l.Display.TexRect(),
		})
	}
	return targets
}
