package decode

import (
	"context"
	"errors"
	"testing"

	"nvr/pkg/gputex"

	"github.com/stretchr/testify/require"
)

type fakePacketSource struct {
	width, height int
	packets       [][]byte
	pos           int
	openErr       error
}

func (p *fakePacketSource) Open(path string) error { return p.openErr }
func (p *fakePacketSource) Close() error            { return nil }
func (p *fakePacketSource) Width() int              { return p.width }
func (p *fakePacketSource) Height() int             { return p.height }

func (p *fakePacketSource) NextPacket() ([]byte, bool, error) {
	if p.pos >= len(p.packets) {
		return nil, false, nil
	}
	pkt := p.packets[p.pos]
	p.pos++
	return pkt, true, nil
}

func (p *fakePacketSource) SeekPacket(frameIndex int) error {
	p.pos = frameIndex
	return nil
}

type nullDevice struct{}

func (nullDevice) AllocatePlane(width, height int, blockCoded bool) (gputex.Handle, error) {
	return 1, nil
}
func (nullDevice) ReleasePlane(gputex.Handle) {}
func (nullDevice) UploadCompressed(h gputex.Handle, data []byte, width, height int) error {
	if len(data) == 0 {
		return errors.New("empty")
	}
	return nil
}
func (nullDevice) UploadUncompressed(h gputex.Handle, data []byte, width, height, stride int) error {
	return nil
}
func (nullDevice) DrainErrors() {}

func TestFixedBlockReadFrameToTexture(t *testing.T) {
	// 8x8 -> 2x2 blocks, RGB block = 8 bytes -> 32 bytes expected.
	packets := &fakePacketSource{width: 8, height: 8, packets: [][]byte{
		make([]byte, 32),
		make([]byte, 32),
	}}
	fb := NewFixedBlock(packets, nullDevice{}, gputex.VariantBlockCodedRGB, false)
	require.NoError(t, fb.Open(context.Background(), "clip.fb"))

	tex := gputex.New(nullDevice{})
	require.NoError(t, fb.ReadFrameToTexture(0, tex))
	require.Equal(t, int64(0), fb.CurrentFrame())
	require.True(t, tex.IsValid())

	require.NoError(t, fb.ReadFrameToTexture(1, tex))
	require.Equal(t, int64(1), fb.CurrentFrame())
}

func TestFixedBlockRefinesVariantToRGBA(t *testing.T) {
	// 8x8 -> 2x2 blocks, RGBA block = 16 bytes -> 64 bytes. Declared as
	// RGB but the packet size matches RGBA much better.
	packets := &fakePacketSource{width: 8, height: 8, packets: [][]byte{
		make([]byte, 64),
	}}
	fb := NewFixedBlock(packets, nullDevice{}, gputex.VariantBlockCodedRGB, false)
	require.NoError(t, fb.Open(context.Background(), "clip.fb"))

	tex := gputex.New(nullDevice{})
	require.NoError(t, fb.ReadFrameToTexture(0, tex))
	require.Equal(t, CodecFixedBlockRGBA, fb.DetectCodec())
}

func TestFixedBlockImplausibleSizeFails(t *testing.T) {
	packets := &fakePacketSource{width: 8, height: 8, packets: [][]byte{
		make([]byte, 2),
	}}
	fb := NewFixedBlock(packets, nullDevice{}, gputex.VariantBlockCodedRGB, false)
	require.NoError(t, fb.Open(context.Background(), "clip.fb"))

	tex := gputex.New(nullDevice{})
	require.Error(t, fb.ReadFrameToTexture(0, tex))
}

func TestFixedBlockReadFrameUnsupported(t *testing.T) {
	fb := NewFixedBlock(&fakePacketSource{width: 4, height: 4}, nullDevice{}, gputex.VariantBlockCodedRGB, false)
	require.Error(t, fb.ReadFrame(0, nil))
}

func TestFixedBlockDualVariantAllocates(t *testing.T) {
	packets := &fakePacketSource{width: 8, height: 8, packets: [][]byte{
		make([]byte, 32), // alpha-only block size (8B/block * 4 blocks)
	}}
	fb := NewFixedBlock(packets, nullDevice{}, gputex.VariantBlockCodedYCoCgAlpha, true)
	require.NoError(t, fb.Open(context.Background(), "clip.fb"))

	tex := gputex.New(nullDevice{})
	require.NoError(t, fb.ReadFrameToTexture(0, tex))
	require.Equal(t, 2, tex.NumPlanes())
}

func TestFixedBlockBackendMetadata(t *testing.T) {
	fb := NewFixedBlock(&fakePacketSource{}, nullDevice{}, gputex.VariantBlockCodedHighQuality, false)
	require.True(t, fb.SupportsDirectGPU())
	require.Equal(t, BackendFixedBlockDirect, fb.OptimalBackend())
	require.Equal(t, CodecFixedBlockHighQuality, fb.DetectCodec())
}
