package ffmpeg

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	cases := []struct {
		input    string
		expected []string
	}{
		{"-i in.mp4 -f hls out.m3u8", []string{"-i", "in.mp4", "-f", "hls", "out.m3u8"}},
		{"  -i  in.mp4  ", []string{"-i", "in.mp4"}},
		{"", nil},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expected, ParseArgs(tc.input))
	}
}

func TestParseRational(t *testing.T) {
	cases := []struct {
		input    string
		num, den int
	}{
		{"25/1", 25, 1},
		{"30000/1001", 30000, 1001},
		{"0/0", 0, 1},
		{"invalid", 0, 1},
	}
	for _, tc := range cases {
		num, den := ParseRational(tc.input)
		require.Equal(t, tc.num, num)
		require.Equal(t, tc.den, den)
	}
}

func TestProcessStopOnContextCancel(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	p := NewProcess(cmd).Timeout(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_ = p.Start(ctx)
	require.Less(t, time.Since(start), 4*time.Second, "process should be interrupted well before its natural exit")
}

func TestProcessStdoutLogger(t *testing.T) {
	cmd := exec.Command("echo", "hello")

	var lines []string
	p := NewProcess(cmd).StdoutLogger(func(line string) {
		lines = append(lines, line)
	})

	require.NoError(t, p.Start(context.Background()))
	require.Equal(t, []string{"hello"}, lines)
}

func TestProbeFailsCleanlyWithoutBinary(t *testing.T) {
	f := New("ffmpeg", "/nonexistent/ffprobe")
	_, err := f.Probe(context.Background(), "in.mp4")
	require.Error(t, err)
}
