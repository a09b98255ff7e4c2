package decode

import (
	"context"
	"errors"
	"testing"

	vk "github.com/goki/vulkan"

	"nvr/pkg/frame"
	"nvr/pkg/gputex"

	"github.com/stretchr/testify/require"
)

type fakeHWDecoder struct {
	width, height   int
	codec           string
	dmaPlanes       [][]DMABUFPlane
	dmaPos          int
	dmaErr          error
	hostFrames      int
	seekCalls       []int64
	openDeviceType  string
}

func (d *fakeHWDecoder) Open(path, deviceType string) error {
	d.openDeviceType = deviceType
	return nil
}
func (d *fakeHWDecoder) Close() error                        { return nil }
func (d *fakeHWDecoder) Width() int                          { return d.width }
func (d *fakeHWDecoder) Height() int                         { return d.height }
func (d *fakeHWDecoder) CodecName() string                   { return d.codec }

func (d *fakeHWDecoder) NextFrameDMABUF() ([]DMABUFPlane, bool, error) {
	if d.dmaErr != nil {
		return nil, false, d.dmaErr
	}
	if d.dmaPos >= len(d.dmaPlanes) {
		return nil, false, nil
	}
	p := d.dmaPlanes[d.dmaPos]
	d.dmaPos++
	return p, true, nil
}

func (d *fakeHWDecoder) ReadFrameHost(out *frame.Buffer) (bool, error) {
	if d.hostFrames <= 0 {
		return false, nil
	}
	d.hostFrames--
	out.Allocate(frame.Info{Width: d.width, Height: d.height, PixelFormat: frame.PixelFormatBGRA32})
	return true, nil
}

func (d *fakeHWDecoder) Seek(frameIndex int64) error {
	d.seekCalls = append(d.seekCalls, frameIndex)
	return nil
}

type fakeImportingDevice struct {
	released []gputex.Handle
	next     gputex.Handle
	failFD   int
}

func (d *fakeImportingDevice) AllocatePlane(width, height int, blockCoded bool) (gputex.Handle, error) {
	d.next++
	return d.next, nil
}
func (d *fakeImportingDevice) ReleasePlane(h gputex.Handle) { d.released = append(d.released, h) }
func (d *fakeImportingDevice) UploadCompressed(h gputex.Handle, data []byte, width, height int) error {
	return nil
}
func (d *fakeImportingDevice) UploadUncompressed(h gputex.Handle, data []byte, width, height, stride int) error {
	return nil
}
func (d *fakeImportingDevice) DrainErrors() {}

func (d *fakeImportingDevice) ImportDMABUF(fd, width, height int, format vk.Format) (gputex.Handle, error) {
	if fd == d.failFD {
		return 0, errors.New("import failed")
	}
	d.next++
	return d.next, nil
}

var _ DMABUFImporter = (*fakeImportingDevice)(nil)

func TestFileHardwareZeroCopyImport(t *testing.T) {
	decoder := &fakeHWDecoder{width: 16, height: 16, codec: "h264", dmaPlanes: [][]DMABUFPlane{
		{{FD: 10, Format: vk.FormatR8Unorm}, {FD: 11, Format: vk.FormatR8g8Unorm}},
		{{FD: 12, Format: vk.FormatR8Unorm}, {FD: 13, Format: vk.FormatR8g8Unorm}},
	}}
	dev := &fakeImportingDevice{}
	fh := NewFileHardware(decoder, dev)
	require.NoError(t, fh.Open(context.Background(), "clip.mp4"))
	require.True(t, fh.SupportsDirectGPU())
	require.Equal(t, BackendGPUHardware, fh.OptimalBackend())
	require.Equal(t, CodecH264, fh.DetectCodec())

	tex := gputex.New(dev)
	require.NoError(t, fh.ReadFrameToTexture(0, tex))
	require.True(t, tex.IsValid())
	require.False(t, tex.OwnsTexture())
	require.Empty(t, dev.released, "first import must not release anything yet")

	require.NoError(t, fh.ReadFrameToTexture(1, tex))
	// Second import must release the first frame's handles only after
	// the new ones are already bound.
	require.Len(t, dev.released, 2)
}

func TestFileHardwareImportFailureRollsBackPartialImport(t *testing.T) {
	decoder := &fakeHWDecoder{width: 16, height: 16, codec: "h264", dmaPlanes: [][]DMABUFPlane{
		{{FD: 10}, {FD: 11}},
	}}
	dev := &fakeImportingDevice{failFD: 11}
	fh := NewFileHardware(decoder, dev)
	require.NoError(t, fh.Open(context.Background(), "clip.mp4"))

	tex := gputex.New(dev)
	require.Error(t, fh.ReadFrameToTexture(0, tex))
	require.Len(t, dev.released, 1, "plane 0's handle must be rolled back")
}

func TestFileHardwareHostFallback(t *testing.T) {
	decoder := &fakeHWDecoder{width: 8, height: 8, codec: "hevc", hostFrames: 2}
	fh := NewFileHardware(decoder, &fakeImportingDevice{})
	require.NoError(t, fh.Open(context.Background(), "clip.mp4"))

	var buf frame.Buffer
	require.NoError(t, fh.ReadFrame(0, &buf))
	require.Equal(t, CodecHEVC, fh.DetectCodec())
}

func TestFileHardwareDefaultsToAutoDeviceType(t *testing.T) {
	decoder := &fakeHWDecoder{width: 16, height: 16, codec: "h264"}
	fh := NewFileHardware(decoder, &fakeImportingDevice{})
	require.NoError(t, fh.Open(context.Background(), "clip.mp4"))
	require.Equal(t, "auto", decoder.openDeviceType)
}

func TestFileHardwarePinsConfiguredVendor(t *testing.T) {
	decoder := &fakeHWDecoder{width: 16, height: 16, codec: "h264"}
	fh := NewFileHardware(decoder, &fakeImportingDevice{})
	fh.SetHardwareVendor(VendorVAAPI)
	require.NoError(t, fh.Open(context.Background(), "clip.mp4"))
	require.Equal(t, "vaapi", decoder.openDeviceType)
}

type nonImportingDevice struct{ nullDevice }

func TestFileHardwareNoImporterMeansCPUBackend(t *testing.T) {
	fh := NewFileHardware(&fakeHWDecoder{}, nonImportingDevice{})
	require.False(t, fh.SupportsDirectGPU())
	require.Equal(t, BackendCPUSoftware, fh.OptimalBackend())

	tex := gputex.New(nonImportingDevice{})
	require.Error(t, fh.ReadFrameToTexture(0, tex))
}
