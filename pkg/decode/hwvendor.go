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

// HardwareVendor names a vendor-specific hardware decode backend. The
// codec-to-decoder-name mapping below generalizes the VAAPI-only
// h264_vaapi/hevc_vaapi/vp9_vaapi/av1_vaapi table to other vendors,
// since hardware_decoder is configurable rather than fixed.
type HardwareVendor string

// Known hardware vendors.
const (
	VendorVAAPI        HardwareVendor = "vaapi"
	VendorNVDEC        HardwareVendor = "nvdec"
	VendorVideoToolbox HardwareVendor = "videotoolbox"
)

var hwDecoderNames = map[HardwareVendor]map[CodecKind]string{
	VendorVAAPI: {
		CodecH264: "h264_vaapi",
		CodecHEVC: "hevc_vaapi",
		CodecVP9:  "vp9_vaapi",
		CodecAV1:  "av1_vaapi",
	},
	VendorNVDEC: {
		CodecH264: "h264_cuvid",
		CodecHEVC: "hevc_cuvid",
		CodecVP9:  "vp9_cuvid",
		CodecAV1:  "av1_cuvid",
	},
	VendorVideoToolbox: {
		CodecH264: "h264_videotoolbox",
		CodecHEVC: "hevc_videotoolbox",
	},
}

// DecoderNameForVendor returns the ffmpeg/VA decoder name vendor uses
// for codec, or ok=false if that vendor has no mapping for it (either
// an unknown vendor or a codec it doesn't accelerate).
func DecoderNameForVendor(vendor HardwareVendor, codec CodecKind) (string, bool) {
	names, ok := hwDecoderNames[vendor]
	if !ok {
		return "", false
	}
	name, ok := names[codec]
	return name, ok
}

// KnownHardwareVendors lists the vendor names DecoderNameForVendor
// recognizes.
func KnownHardwareVendors() []HardwareVendor {
	vendors := make([]HardwareVendor, 0, len(hwDecoderNames))
	for v := range hwDecoderNames {
		vendors = append(vendors, v)
	}
	return vendors
}

// IsKnownHardwareVendor reports whether name is unset, "auto",
// "software", or a vendor DecoderNameForVendor recognizes — the set of
// values EngineSettings.HardwareDecoder accepts.
func IsKnownHardwareVendor(name string) bool {
	if name == "" || name == "auto" || name == "software" {
		return true
	}
	_, ok := hwDecoderNames[HardwareVendor(name)]
	return ok
}
