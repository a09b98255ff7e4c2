package decode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecoderNameForVendor(t *testing.T) {
	name, ok := DecoderNameForVendor(VendorVAAPI, CodecH264)
	require.True(t, ok)
	require.Equal(t, "h264_vaapi", name)

	_, ok = DecoderNameForVendor(VendorVideoToolbox, CodecAV1)
	require.False(t, ok, "videotoolbox has no av1 mapping")

	_, ok = DecoderNameForVendor("not-a-vendor", CodecH264)
	require.False(t, ok)
}

func TestIsKnownHardwareVendor(t *testing.T) {
	require.True(t, IsKnownHardwareVendor(""))
	require.True(t, IsKnownHardwareVendor("auto"))
	require.True(t, IsKnownHardwareVendor("software"))
	require.True(t, IsKnownHardwareVendor("vaapi"))
	require.False(t, IsKnownHardwareVendor("bogus"))
}
