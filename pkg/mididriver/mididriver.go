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

// Package mididriver abstracts the MIDI transport that feeds an
// mtc.Decoder: a background reader owns the wire, an MTC decoder
// consumes its bytes, and pollFrame is read by the main thread under a
// mutex.
package mididriver

import "math"

// Driver is the contract every MIDI backend implements.
type Driver interface {
	Open(portID string) bool
	Close()
	IsConnected() bool
	// PollFrame returns the most recently decoded frame index, or -1.
	PollFrame() int64
	Name() string
	IsSupported() bool
}

// Null is always available and never produces a frame. It's the
// fallback when no transport-backed driver can open.
type Null struct{}

// Open always fails: the Null driver never connects.
func (Null) Open(string) bool   { return false }
func (Null) Close()             {}
func (Null) IsConnected() bool  { return false }
func (Null) PollFrame() int64   { return -1 }
func (Null) Name() string       { return "None" }
func (Null) IsSupported() bool  { return true }

// Factory constructs drivers by name. NewFunc is registered per backend
// name (e.g. by the serial-transport implementation at init time) so
// the factory never needs to know about concrete driver types.
type Factory struct {
	builders map[string]func() Driver
}

// NewFactory returns a Factory seeded with the Null driver.
func NewFactory() *Factory {
	f := &Factory{builders: map[string]func() Driver{}}
	f.Register("None", func() Driver { return Null{} })
	return f
}

// Register adds a named driver constructor.
func (f *Factory) Register(name string, build func() Driver) {
	f.builders[name] = build
}

// Create returns a new driver instance for name, or nil if unknown.
func (f *Factory) Create(name string) Driver {
	build, ok := f.builders[name]
	if !ok {
		return nil
	}
	return build()
}

// CreateFirstAvailable returns the first registered, supported driver
// other than Null, falling back to Null if nothing else is registered.
func (f *Factory) CreateFirstAvailable() Driver {
	for name, build := range f.builders {
		if name == "None" {
			continue
		}
		d := build()
		if d.IsSupported() {
			return d
		}
	}
	return Null{}
}

// AvailableDrivers lists registered driver names.
func (f *Factory) AvailableDrivers() []string {
	names := make([]string, 0, len(f.builders))
	for name := range f.builders {
		names = append(names, name)
	}
	return names
}

// ClockAdjustStucknessThreshold returns the poll count after which a
// clock-adjusting driver should reset its decoder on a stuck transport,
// per ceil(4 * fps / period) where period is the polling interval in
// the same time unit fps is expressed in (calls per second here, so
// period=1 poll/sec simplifies to ceil(4*fps)).
func ClockAdjustStucknessThreshold(fps float64, pollsPerSecond float64) int {
	if pollsPerSecond <= 0 {
		pollsPerSecond = 1
	}
	return int(math.Ceil(4 * fps / pollsPerSecond))
}

// ClockAdjustNudge computes the clock-adjustment-mode jitter correction
// for a given quarter-frame tick.
func ClockAdjustNudge(quarterTick int) int64 {
	return int64(math.Round(float64(quarterTick) / 4))
}
