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

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"nvr/pkg/ffmpeg"
	"nvr/pkg/frame"
)

// FileSoftware decodes a file through ffmpeg into host BGRA32 frames.
// Rather than an index built by scanning packets (as a libav-based
// decoder would), it relies on ffmpeg's own seek and reads a rawvideo
// pipe sequentially from there. SetUseIndex picks the seek: -ss after
// -i lands exactly on the target frame, -ss before -i is a faster
// keyframe-granularity seek.
type FileSoftware struct {
	ffmpegBin    string
	probe        ffmpeg.ProbeFunc
	stderrLogger ffmpeg.LogFunc

	path              string
	info              frame.Info
	stride            int
	useIndex          bool
	framerateOverride float64

	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc

	current int64 // last frame index successfully read, -1 if none
}

// NewFileSoftware returns a backend bound to ffm for probing/decoding.
func NewFileSoftware(ffm *ffmpeg.FFMPEG) *FileSoftware {
	return &FileSoftware{
		ffmpegBin: ffm.Bin(),
		probe:     ffm.Probe,
		current:   -1,
	}
}

// SetStderrLogger routes the decode process's stderr through fn.
func (f *FileSoftware) SetStderrLogger(fn ffmpeg.LogFunc) {
	f.stderrLogger = fn
}

// SetUseIndex toggles the §6 want_noindex seek policy: false (the
// default, matching want_noindex=true) seeks with -ss before -i for a
// fast keyframe-granularity input seek; true seeks with -ss after -i,
// decoding from the start for an exact frame-accurate position at the
// cost of startup latency.
func (f *FileSoftware) SetUseIndex(useIndex bool) {
	f.useIndex = useIndex
}

// SetFramerateOverride replaces the container's probed frame rate with
// fps for every frame-timing computation (seek, FrameInfo), for
// containers whose rate tag is absent or unreliable. fps<=0 restores
// the probed rate.
func (f *FileSoftware) SetFramerateOverride(fps float64) {
	f.framerateOverride = fps
}

// Open probes path and prepares to decode from frame 0.
func (f *FileSoftware) Open(ctx context.Context, path string) error {
	stream, err := f.probe(ctx, path)
	if err != nil {
		return fmt.Errorf("filesoftware: probe: %w", err)
	}

	num, den := ffmpeg.ParseRational(stream.RFrameRate)
	totalFrames, _ := strconv.ParseInt(stream.NbFrames, 10, 64)
	duration, _ := strconv.ParseFloat(stream.DurationTicks, 64)

	exact := frame.Rational{Num: num, Den: den}
	rate := exact.Float64()
	if f.framerateOverride > 0 {
		rate = f.framerateOverride
		exact = frame.Rational{Num: int(rate * 1000), Den: 1000}
	}

	f.path = path
	f.info = frame.Info{
		Width:           stream.Width,
		Height:          stream.Height,
		PixelAspect:     1,
		FramerateExact:  exact,
		FramerateFloat:  rate,
		TotalFrames:     totalFrames,
		DurationSeconds: duration,
		PixelFormat:     frame.PixelFormatBGRA32,
	}
	f.stride = f.info.Width * 4

	return f.startAt(ctx, 0)
}

func (f *FileSoftware) startAt(ctx context.Context, startFrame int64) error {
	f.stopProcess()

	seekSeconds := float64(startFrame) / f.info.FramerateFloat
	var args []string
	if f.useIndex {
		// -ss after -i: ffmpeg decodes sequentially from the start and
		// drops frames before the target, landing exactly on it.
		args = append(args, "-i", f.path)
		if startFrame > 0 {
			args = append(args, "-ss", strconv.FormatFloat(seekSeconds, 'f', 6, 64))
		}
	} else {
		// -ss before -i: ffmpeg's demuxer seeks to the nearest keyframe
		// before the target, fast but not frame-exact.
		if startFrame > 0 {
			args = append(args, "-ss", strconv.FormatFloat(seekSeconds, 'f', 6, 64))
		}
		args = append(args, "-i", f.path)
	}
	args = append(args,
		"-f", "rawvideo",
		"-pix_fmt", "bgra",
		"-vcodec", "rawvideo",
		"pipe:1",
	)

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, f.ffmpegBin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("filesoftware: stdout pipe: %w", err)
	}

	if f.stderrLogger != nil {
		if stderr, err := cmd.StderrPipe(); err == nil {
			go func() {
				scanner := bufio.NewScanner(stderr)
				for scanner.Scan() {
					f.stderrLogger(scanner.Text())
				}
			}()
		}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("filesoftware: start: %w", err)
	}

	f.cmd = cmd
	f.stdout = stdout
	f.reader = bufio.NewReaderSize(stdout, f.stride*4)
	f.cancel = cancel
	f.current = startFrame - 1

	return nil
}

// stopProcess cancels and reaps the running decode process. Wait is only
// called here, never from a background goroutine racing the foreground
// reads: calling it before every pipe read completes risks exec closing
// the stdout pipe out from under an in-flight ReadFrame.
func (f *FileSoftware) stopProcess() {
	if f.cmd != nil {
		f.cancel()
		_ = f.cmd.Wait()
	}
	f.cmd = nil
	f.stdout = nil
	f.reader = nil
}

// Close releases the decode process.
func (f *FileSoftware) Close() error {
	f.stopProcess()
	return nil
}

// IsReady reports whether a decode process is attached.
func (f *FileSoftware) IsReady() bool { return f.stdout != nil }

// ReadFrame implements the §4.5.1 seek policy at the process-restart
// granularity: a straight +1 advance reads the next frame off the
// existing pipe; anything else (rewind, a gap) restarts ffmpeg seeked
// to the target.
func (f *FileSoftware) ReadFrame(frameIndex int64, out *frame.Buffer) error {
	if frameIndex != f.current+1 {
		if err := f.startAt(context.Background(), frameIndex); err != nil {
			return err
		}
	}

	out.Allocate(f.info)
	if _, err := io.ReadFull(f.reader, out.Data()); err != nil {
		return fmt.Errorf("filesoftware: read frame %d: %w", frameIndex, err)
	}
	f.current = frameIndex
	return nil
}

// Seek restarts decode at frameIndex; the next ReadFrame call will pick
// it up without an additional restart.
func (f *FileSoftware) Seek(frameIndex int64) error {
	return f.startAt(context.Background(), frameIndex)
}

// FrameInfo returns the probed source metadata.
func (f *FileSoftware) FrameInfo() frame.Info { return f.info }

// CurrentFrame returns the last frame index successfully read.
func (f *FileSoftware) CurrentFrame() int64 { return f.current }

// DetectCodec always reports unknown: ffmpeg handles demuxing/decoding
// transparently, so no codec-specific branching happens in this
// backend (that's File-Hardware's job).
func (f *FileSoftware) DetectCodec() CodecKind { return CodecUnknown }

// SupportsDirectGPU is always false for the software path.
func (f *FileSoftware) SupportsDirectGPU() bool { return false }

// OptimalBackend is always CPU-software for this type.
func (f *FileSoftware) OptimalBackend() Backend { return BackendCPUSoftware }

var _ Source = (*FileSoftware)(nil)
