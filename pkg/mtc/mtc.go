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

// Package mtc decodes MIDI Time Code quarter-frame bytes into SMPTE
// timecodes and monotone frame indices. It is a pure state machine: it
// has no knowledge of the MIDI transport that feeds it bytes.
package mtc

import (
	"fmt"
	"math"
)

// RateType is the SMPTE frame-rate family encoded in an MTC stream's
// quarter-frame 7 message.
type RateType uint8

// Rate types, matching the 2-bit MTC rate field.
const (
	Rate24 RateType = iota
	Rate25
	Rate29_97DF
	Rate30
)

// FPS returns the nominal frame rate for the type.
func (r RateType) FPS() float64 {
	switch r {
	case Rate24:
		return 24
	case Rate25:
		return 25
	case Rate29_97DF:
		return 29.97
	case Rate30:
		return 30
	default:
		return 30
	}
}

func (r RateType) String() string {
	switch r {
	case Rate24:
		return "24fps"
	case Rate25:
		return "25fps"
	case Rate29_97DF:
		return "29.97fpsDF"
	case Rate30:
		return "30fps"
	default:
		return "unknown"
	}
}

// SMPTE is a decoded (or in-progress) timecode.
type SMPTE struct {
	Hour  int
	Min   int
	Sec   int
	Frame int
	Type  RateType

	// QuarterTick is the slot (0..7) most recently written into this
	// timecode.
	QuarterTick int
}

// Decoder converts a stream of MTC quarter-frame data bytes into frame
// indices. Bytes that aren't plausible quarter-frame data (high bit set,
// or a nibble above 7) are silently ignored, matching hardware MTC
// receivers that must tolerate line noise.
type Decoder struct {
	inProgress SMPTE
	lastComplete SMPTE
	fullMask     uint8
	prevTick     int
}

// NewDecoder returns a reset Decoder.
func NewDecoder() *Decoder {
	d := &Decoder{}
	d.Reset()
	return d
}

// Reset clears all decoder state, including the last complete timecode.
func (d *Decoder) Reset() {
	d.inProgress = SMPTE{}
	d.lastComplete = SMPTE{}
	d.fullMask = 0
	d.prevTick = 0
}

// ProcessByte feeds one MIDI data byte to the decoder. Returns true when
// this byte completed a full 8-quarter-frame cycle, which is the only
// moment a new frame index becomes available via FrameIndex.
func (d *Decoder) ProcessByte(data byte) bool {
	nibble := (data >> 4) & 0x0F
	if nibble > 7 || data&0x80 != 0 {
		return false
	}

	d.parseQuarterFrame(data, int(nibble))

	if d.fullMask == 0xFF {
		d.lastComplete = d.inProgress
		// §4.1 emission rule: clear frame/sec/min/hour but preserve type
		// across the reset, since the rate field only arrives on slot 7
		// and a project commonly polls many cycles without it changing.
		preservedType := d.inProgress.Type
		d.inProgress = SMPTE{Type: preservedType}
		d.fullMask = 0
		return true
	}
	return false
}

func (d *Decoder) parseQuarterFrame(data byte, nibble int) {
	d.prevTick = d.inProgress.QuarterTick

	lo := int(data & 0x0F)

	switch nibble {
	case 0x0: // Frame LSN
		d.inProgress.QuarterTick = 1
		d.inProgress.Frame = (d.inProgress.Frame &^ 0x0F) | lo
		d.fullMask |= 1 << 1
	case 0x1: // Frame MSN (frames are 0-29: 5 bits, only bit 0 used here)
		d.inProgress.QuarterTick = 2
		d.inProgress.Frame = (d.inProgress.Frame &^ 0x10) | ((int(data) & 0x01) << 4)
		d.fullMask |= 1 << 2
	case 0x2: // Seconds LSN
		d.inProgress.QuarterTick = 3
		d.inProgress.Sec = (d.inProgress.Sec &^ 0x0F) | lo
		d.fullMask |= 1 << 3
	case 0x3: // Seconds MSN
		d.inProgress.QuarterTick = 4
		d.inProgress.Sec = (d.inProgress.Sec &^ 0x30) | ((int(data) & 0x03) << 4)
		d.fullMask |= 1 << 4
	case 0x4: // Minutes LSN
		d.inProgress.QuarterTick = 5
		d.inProgress.Min = (d.inProgress.Min &^ 0x0F) | lo
		d.fullMask |= 1 << 5
	case 0x5: // Minutes MSN
		d.inProgress.QuarterTick = 6
		d.inProgress.Min = (d.inProgress.Min &^ 0x30) | ((int(data) & 0x03) << 4)
		d.fullMask |= 1 << 6
	case 0x6: // Hours LSN
		d.inProgress.QuarterTick = 7
		d.inProgress.Hour = (d.inProgress.Hour &^ 0x0F) | lo
		d.fullMask |= 1 << 7
	case 0x7: // Hours MSN + rate type
		d.inProgress.QuarterTick = 0
		d.inProgress.Hour = (d.inProgress.Hour &^ 0x10) | ((int(data) & 0x01) << 4)
		d.inProgress.Type = RateType((data >> 1) & 0x03)
		d.fullMask |= 1 << 0
	}
}

// LastComplete returns the most recently fully-received timecode.
func (d *Decoder) LastComplete() SMPTE { return d.lastComplete }

// FullMask returns the current quarter-frame completion mask, exposed
// for tests and transport diagnostics.
func (d *Decoder) FullMask() uint8 { return d.fullMask }

// FrameIndex converts the last complete timecode into a monotone frame
// number at the timecode's own rate. No framerate conversion happens
// here; that's FramerateConverter's job (see pkg/syncsrc).
func (d *Decoder) FrameIndex() int64 {
	tc := d.lastComplete
	totalSeconds := float64(tc.Hour*3600 + tc.Min*60 + tc.Sec)
	fps := tc.Type.FPS()
	return int64(math.Round(totalSeconds*fps)) + int64(tc.Frame)
}

// RateFromFPS maps a measured frame rate to the nearest RateType for
// display purposes. 29.97fps is ambiguous between drop-frame and
// non-drop representations of the same rate; preferDropFrame selects
// which one FormatTimecode renders.
func RateFromFPS(fps float64, preferDropFrame bool) RateType {
	switch {
	case math.Abs(fps-24) < 0.5:
		return Rate24
	case math.Abs(fps-25) < 0.5:
		return Rate25
	case math.Abs(fps-29.97) < 0.5:
		if preferDropFrame {
			return Rate29_97DF
		}
		return Rate30
	default:
		return Rate30
	}
}

// FormatTimecode renders frameIndex (a monotone frame count at rate, as
// produced by FrameIndex) as an SMPTE HH:MM:SS:FF display string. For
// Rate29_97DF it applies the SMPTE 12M drop-frame correction to the
// digits only — frameIndex itself is never drop-frame adjusted, only
// the string shown to a user.
func FormatTimecode(frameIndex int64, rate RateType) string {
	if frameIndex < 0 {
		frameIndex = 0
	}
	if rate == Rate29_97DF {
		return formatDropFrame(frameIndex)
	}
	return formatNonDrop(frameIndex, rate.FPS())
}

func formatNonDrop(frameIndex int64, fps float64) string {
	fpsInt := int64(math.Round(fps))
	if fpsInt <= 0 {
		fpsInt = 30
	}

	frames := frameIndex % fpsInt
	totalSeconds := frameIndex / fpsInt
	sec := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	min := totalMinutes % 60
	hour := totalMinutes / 60

	return fmt.Sprintf("%02d:%02d:%02d:%02d", hour, min, sec, frames)
}

// formatDropFrame implements the standard SMPTE 12M drop-frame
// correction for 29.97fps: frame numbers 0 and 1 are skipped at the
// start of every minute except every tenth, compensating for 29.97's
// drift from nominal 30fps real time. The conventional ";FF" separator
// before the frame field marks the string as drop-frame.
func formatDropFrame(frameIndex int64) string {
	const dropFramesPerMinute = 2
	const framesPer10Min = 17982 // round(29.97 * 600)
	const framesPerMinute = 30*60 - dropFramesPerMinute

	tenMinuteGroups := frameIndex / framesPer10Min
	remainder := frameIndex % framesPer10Min

	adjusted := frameIndex
	if remainder > dropFramesPerMinute {
		adjusted += dropFramesPerMinute*9*tenMinuteGroups +
			dropFramesPerMinute*((remainder-dropFramesPerMinute)/framesPerMinute)
	} else {
		adjusted += dropFramesPerMinute * 9 * tenMinuteGroups
	}

	frames := adjusted % 30
	totalSeconds := adjusted / 30
	sec := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	min := totalMinutes % 60
	hour := totalMinutes / 60

	return fmt.Sprintf("%02d:%02d:%02d;%02d", hour, min, sec, frames)
}
