package decode

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"nvr/pkg/ffmpeg"
	"nvr/pkg/frame"

	"github.com/stretchr/testify/require"
)

// writeFakeFFmpeg writes a shell script that ignores its ffmpeg-style
// arguments and emits nFrames * frameSize zero bytes to stdout, standing
// in for the rawvideo pipe a real ffmpeg -f rawvideo invocation produces.
func writeFakeFFmpeg(t *testing.T, frameSize, nFrames int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ffmpeg.sh")
	script := "#!/bin/sh\nexec dd if=/dev/zero bs=" +
		itoa(frameSize) + " count=" + itoa(nFrames) + " 2>/dev/null\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func fakeProbe(stream ffmpeg.StreamInfo, err error) ffmpeg.ProbeFunc {
	return func(ctx context.Context, path string) (ffmpeg.StreamInfo, error) {
		return stream, err
	}
}

func newTestFileSoftware(t *testing.T, frameSize, nFrames, width, height int) *FileSoftware {
	t.Helper()
	f := NewFileSoftware(ffmpeg.New(writeFakeFFmpeg(t, frameSize, nFrames), "/usr/bin/ffprobe"))
	f.probe = fakeProbe(ffmpeg.StreamInfo{
		Width:         width,
		Height:        height,
		RFrameRate:    "1/1",
		NbFrames:      itoa(nFrames),
		DurationTicks: "10",
	}, nil)
	return f
}

func TestFileSoftwareSequentialRead(t *testing.T) {
	f := newTestFileSoftware(t, 8, 10, 2, 1)
	require.NoError(t, f.Open(context.Background(), "in.mp4"))
	defer f.Close()

	var buf frame.Buffer
	for i := int64(0); i < 5; i++ {
		require.NoError(t, f.ReadFrame(i, &buf))
		require.Equal(t, i, f.CurrentFrame())
		require.Equal(t, 8, buf.Size())
	}
}

func TestFileSoftwareOutOfOrderReadRestartsProcess(t *testing.T) {
	f := newTestFileSoftware(t, 8, 10, 2, 1)
	require.NoError(t, f.Open(context.Background(), "in.mp4"))
	defer f.Close()

	var buf frame.Buffer
	require.NoError(t, f.ReadFrame(0, &buf))
	// Jumping ahead is not a sequential +1 advance: this must restart the
	// decode process rather than hang waiting on already-consumed output.
	require.NoError(t, f.ReadFrame(5, &buf))
	require.Equal(t, int64(5), f.CurrentFrame())
}

func TestFileSoftwareReadPastEndOfStreamErrors(t *testing.T) {
	f := newTestFileSoftware(t, 8, 2, 2, 1)
	require.NoError(t, f.Open(context.Background(), "in.mp4"))
	defer f.Close()

	var buf frame.Buffer
	require.NoError(t, f.ReadFrame(0, &buf))
	require.NoError(t, f.ReadFrame(1, &buf))
	require.Error(t, f.ReadFrame(2, &buf))
}

func TestFileSoftwareOpenPropagatesProbeError(t *testing.T) {
	f := NewFileSoftware(ffmpeg.New("ffmpeg", "ffprobe"))
	f.probe = fakeProbe(ffmpeg.StreamInfo{}, context.DeadlineExceeded)
	require.Error(t, f.Open(context.Background(), "in.mp4"))
}

func TestFileSoftwareNotReadyBeforeOpen(t *testing.T) {
	f := NewFileSoftware(ffmpeg.New("ffmpeg", "ffprobe"))
	require.False(t, f.IsReady())
}

func TestFileSoftwareCloseStopsProcess(t *testing.T) {
	f := newTestFileSoftware(t, 8, 10, 2, 1)
	require.NoError(t, f.Open(context.Background(), "in.mp4"))
	require.True(t, f.IsReady())
	require.NoError(t, f.Close())
	require.False(t, f.IsReady())
}

func TestFileSoftwareUseIndexStillReadsSequentially(t *testing.T) {
	// SetUseIndex only changes ffmpeg's seek argument placement; reads
	// against the fake ffmpeg stand-in must still succeed identically.
	f := newTestFileSoftware(t, 8, 10, 2, 1)
	f.SetUseIndex(true)
	require.NoError(t, f.Open(context.Background(), "in.mp4"))
	defer f.Close()

	var buf frame.Buffer
	require.NoError(t, f.ReadFrame(0, &buf))
	require.Equal(t, int64(0), f.CurrentFrame())
}

func TestFileSoftwareFramerateOverrideReplacesProbedRate(t *testing.T) {
	f := newTestFileSoftware(t, 8, 10, 2, 1)
	f.SetFramerateOverride(29.97)
	require.NoError(t, f.Open(context.Background(), "in.mp4"))
	defer f.Close()

	require.InDelta(t, 29.97, f.FrameInfo().FramerateFloat, 0.001)
}

func TestFileSoftwareBackendMetadata(t *testing.T) {
	f := NewFileSoftware(ffmpeg.New("ffmpeg", "ffprobe"))
	require.Equal(t, CodecUnknown, f.DetectCodec())
	require.False(t, f.SupportsDirectGPU())
	require.Equal(t, BackendCPUSoftware, f.OptimalBackend())
}

var _ Source = (*FileSoftware)(nil)
