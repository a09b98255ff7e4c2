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

package loader

import (
	"context"
	"fmt"

	"nvr/pkg/config"
	"nvr/pkg/decode"
	"nvr/pkg/ffmpeg"
	"nvr/pkg/gputex"
)

// PacketSourceProbe inspects path and, if it carries a block-coded
// codec this module knows how to decode directly, returns a
// PacketSource for it plus the format's variant/dual-plane tag. ok is
// false for anything else, so BackendFactory falls through to a
// demuxed backend.
type PacketSourceProbe func(path string) (src decode.PacketSource, variant gputex.Variant, dual bool, ok bool)

// HWDecoderProbe returns a hardware decode session for path if one
// exists for its codec/platform. ok is false to fall through to
// software decode.
type HWDecoderProbe func(path string) (decode.HWDecoder, bool)

// BackendFactory is the default AsyncVideoLoader Factory: it mirrors
// createInputSourceAsync's order of preference — a pre-compressed
// block-coded container first (cheapest, no transcoding), then
// hardware decode if configured and available, finally plain
// ffmpeg-backed software decode.
type BackendFactory struct {
	FFMPEG            *ffmpeg.FFMPEG
	Device            gputex.Device
	ProbePacketSource PacketSourceProbe
	ProbeHWDecoder    HWDecoderProbe
	PreferHardware    bool
	HardwareVendor    decode.HardwareVendor
	WantNoIndex       bool
	FramerateOverride float64
}

// NewBackendFactory builds a BackendFactory from the engine's runtime
// settings: HardwareDecoder="software" disables the hardware path
// entirely, "auto"/"" tries it opportunistically, and any other value
// pins a vendor. probePackets/probeHW are typically nil until a
// container-specific probe is registered.
func NewBackendFactory(
	ffm *ffmpeg.FFMPEG,
	device gputex.Device,
	settings config.EngineSettings,
	probePackets PacketSourceProbe,
	probeHW HWDecoderProbe,
) *BackendFactory {
	vendor := decode.HardwareVendor(settings.HardwareDecoder)
	preferHardware := settings.HardwareDecoder != "software"
	if vendor == "auto" {
		vendor = ""
	}

	return &BackendFactory{
		FFMPEG:            ffm,
		Device:            device,
		ProbePacketSource: probePackets,
		ProbeHWDecoder:    probeHW,
		PreferHardware:    preferHardware,
		HardwareVendor:    vendor,
		WantNoIndex:       settings.WantNoIndex,
		FramerateOverride: settings.FramerateOverride,
	}
}

// Open implements Factory.
func (bf *BackendFactory) Open(ctx context.Context, path string) (decode.Source, error) {
	if bf.ProbePacketSource != nil {
		if packets, variant, dual, ok := bf.ProbePacketSource(path); ok {
			fb := decode.NewFixedBlock(packets, bf.Device, variant, dual)
			if err := fb.Open(ctx, path); err == nil {
				return fb, nil
			}
			// Not actually this codec (or failed to open) - fall through.
		}
	}

	if bf.PreferHardware && bf.ProbeHWDecoder != nil {
		if hwDecoder, ok := bf.ProbeHWDecoder(path); ok {
			fh := decode.NewFileHardware(hwDecoder, bf.Device)
			fh.SetHardwareVendor(bf.HardwareVendor)
			if err := fh.Open(ctx, path); err == nil {
				return fh, nil
			}
		}
	}

	fs := decode.NewFileSoftware(bf.FFMPEG)
	fs.SetUseIndex(!bf.WantNoIndex)
	fs.SetFramerateOverride(bf.FramerateOverride)
	if err := fs.Open(ctx, path); err != nil {
		return nil, fmt.Errorf("loader: open %s: %w", path, err)
	}
	return fs, nil
}
