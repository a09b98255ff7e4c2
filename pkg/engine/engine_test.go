package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nvr/pkg/decode"
	"nvr/pkg/frame"
	"nvr/pkg/gputex"
	"nvr/pkg/layer"
	"nvr/pkg/loader"
	"nvr/pkg/log"
	"nvr/pkg/renderer"
	"nvr/pkg/syncsrc"

	"github.com/stretchr/testify/require"
)

type fakeEngineSource struct {
	ready bool
	info  frame.Info
}

func (s *fakeEngineSource) Open(ctx context.Context, path string) error { return nil }
func (s *fakeEngineSource) Close() error                                 { return nil }
func (s *fakeEngineSource) IsReady() bool                                 { return s.ready }
func (s *fakeEngineSource) ReadFrame(frameIndex int64, out *frame.Buffer) error {
	out.Allocate(s.info)
	return nil
}
func (s *fakeEngineSource) Seek(int64) error                   { return nil }
func (s *fakeEngineSource) FrameInfo() frame.Info              { return s.info }
func (s *fakeEngineSource) CurrentFrame() int64                { return 0 }
func (s *fakeEngineSource) DetectCodec() decode.CodecKind       { return decode.CodecUnknown }
func (s *fakeEngineSource) SupportsDirectGPU() bool             { return false }
func (s *fakeEngineSource) OptimalBackend() decode.Backend      { return decode.BackendCPUSoftware }

type fakeEngineDevice struct{}

func (d *fakeEngineDevice) AllocatePlane(width, height int, blockCoded bool) (gputex.Handle, error) {
	return 1, nil
}
func (d *fakeEngineDevice) ReleasePlane(gputex.Handle) {}
func (d *fakeEngineDevice) UploadCompressed(gputex.Handle, []byte, int, int) error {
	return nil
}
func (d *fakeEngineDevice) UploadUncompressed(gputex.Handle, []byte, int, int, int) error {
	return nil
}
func (d *fakeEngineDevice) DrainErrors() {}

type fakeTimecodeSource struct {
	frame int64
	fps   float64
}

func (s *fakeTimecodeSource) Connect(string) bool      { return true }
func (s *fakeTimecodeSource) Disconnect()              {}
func (s *fakeTimecodeSource) IsConnected() bool        { return true }
func (s *fakeTimecodeSource) PollFrame() (int64, bool) { return s.frame, true }
func (s *fakeTimecodeSource) CurrentFrame() int64      { return s.frame }
func (s *fakeTimecodeSource) Framerate() float64       { return s.fps }
func (s *fakeTimecodeSource) Name() string             { return "fake-timecode" }

func TestEngineTimecodeNonDrop(t *testing.T) {
	e := New(&fakeTimecodeSource{frame: 90, fps: 30}, nil, nil, nil, nil)
	require.Equal(t, "00:00:03:00", e.Timecode())
}

func TestEngineTimecodePrefersDropFrameWhenConfigured(t *testing.T) {
	e := New(&fakeTimecodeSource{frame: 1800, fps: 29.97}, nil, nil, nil, nil)
	e.SetPreferDropFrameDisplay(true)
	require.Equal(t, "00:01:00;02", e.Timecode())
}

func TestEngineTimecodeNonDropAt2997WithoutPreference(t *testing.T) {
	e := New(&fakeTimecodeSource{frame: 1800, fps: 29.97}, nil, nil, nil, nil)
	require.Equal(t, "00:01:00:00", e.Timecode())
}

func newTestEngine(rend *renderer.Null) *Engine {
	ld := loader.New(func(ctx context.Context, path string) (decode.Source, error) {
		return &fakeEngineSource{ready: true, info: frame.Info{
			Width: 4, Height: 4, PixelFormat: frame.PixelFormatBGRA32,
		}}, nil
	}, log.NewMockLogger())
	ld.Start()

	return New(&syncsrc.None{}, ld, rend, &fakeEngineDevice{}, log.NewMockLogger())
}

func TestEngineLoadSourceAttachesToLayer(t *testing.T) {
	rend := &renderer.Null{}
	e := newTestEngine(rend)
	defer e.loader.Shutdown()

	e.AddLayer("cue1")
	e.LoadSource("cue1", "clip.mp4")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e.Layer("cue1").Playback.IsReady() {
			break
		}
		e.loader.PollCompleted()
		time.Sleep(time.Millisecond)
	}
	require.True(t, e.Layer("cue1").Playback.IsReady())
}

func TestEngineStartLogPersistencePersistsAndQueriesLogs(t *testing.T) {
	logger := log.NewMockLogger()
	e := New(&syncsrc.None{}, nil, nil, nil, logger)

	dbPath := filepath.Join(t.TempDir(), "logs.db")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.StartLogPersistence(ctx, log.NewDB(dbPath, &sync.WaitGroup{})))

	logger.Warn().Src("engine").Msg("disk nearly full")

	deadline := time.Now().Add(time.Second)
	var logs *[]log.Log
	for time.Now().Before(deadline) {
		var err error
		logs, err = e.QueryLogs(log.Query{})
		require.NoError(t, err)
		if len(*logs) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Len(t, *logs, 1)
	require.Equal(t, "disk nearly full", (*logs)[0].Msg)
}

func TestEngineQueryLogsErrorsWithoutPersistenceStarted(t *testing.T) {
	e := New(&syncsrc.None{}, nil, nil, nil, log.NewMockLogger())
	_, err := e.QueryLogs(log.Query{})
	require.Error(t, err)
}

func TestEngineTickOrdersLayersByZOrder(t *testing.T) {
	rend := &renderer.Null{}
	e := newTestEngine(rend)
	defer e.loader.Shutdown()

	back := e.AddLayer("back")
	props := layer.DefaultProperties()
	props.ZOrder = 10
	back.Display.SetProperties(props)

	front := e.AddLayer("front")
	props2 := layer.DefaultProperties()
	props2.ZOrder = 1
	front.Display.SetProperties(props2)

	require.NoError(t, e.Tick())
	ordered := e.orderedLayers()
	require.Equal(t, "front", ordered[0].CueID)
	require.Equal(t, "back", ordered[1].CueID)
}

func TestEngineTickSkipsInvisibleLayers(t *testing.T) {
	rend := &renderer.Null{}
	e := newTestEngine(rend)
	defer e.loader.Shutdown()

	l := e.AddLayer("cue1")
	e.LoadSource("cue1", "clip.mp4")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !l.Playback.IsReady() {
		e.loader.PollCompleted()
		time.Sleep(time.Millisecond)
	}

	props := layer.DefaultProperties()
	props.Visible = false
	l.Display.SetProperties(props)

	require.NoError(t, e.Tick())
	require.Empty(t, rend.LastTargets)
}

func TestEngineRemoveLayerCancelsPendingLoad(t *testing.T) {
	rend := &renderer.Null{}
	e := newTestEngine(rend)
	defer e.loader.Shutdown()

	e.AddLayer("cue1")
	e.LoadSource("cue1", "clip.mp4")
	e.RemoveLayer("cue1")

	require.Nil(t, e.Layer("cue1"))
}
