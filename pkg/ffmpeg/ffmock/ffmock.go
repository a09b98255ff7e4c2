// Package ffmock provides ffmpeg.Process fakes for tests that exercise the
// decode backends without spawning a real ffmpeg binary.
package ffmock

import (
	"context"
	"errors"
	"nvr/pkg/ffmpeg"
	"os/exec"
	"time"
)

// MockProcessConfig configures a mocked Process.
type MockProcessConfig struct {
	ReturnErr bool
	Sleep     time.Duration
	OnStop    func()
}

// NewProcessMocker builds a ffmpeg.NewProcessFunc from a config.
func NewProcessMocker(c MockProcessConfig) ffmpeg.NewProcessFunc {
	return func(*exec.Cmd) ffmpeg.Process {
		return &mockProcess{c: c}
	}
}

type mockProcess struct {
	c MockProcessConfig
}

func (m *mockProcess) Timeout(time.Duration) ffmpeg.Process    { return m }
func (m *mockProcess) StdoutLogger(ffmpeg.LogFunc) ffmpeg.Process { return m }
func (m *mockProcess) StderrLogger(ffmpeg.LogFunc) ffmpeg.Process { return m }

func (m *mockProcess) Start(ctx context.Context) error {
	if m.c.Sleep != 0 {
		select {
		case <-time.After(m.c.Sleep):
		case <-ctx.Done():
		}
	}
	if m.c.OnStop != nil {
		m.c.OnStop()
	}
	if m.c.ReturnErr {
		return errors.New("mock process error")
	}
	return nil
}

// NewProcess sleeps 15ms before returning successfully.
var NewProcess = NewProcessMocker(MockProcessConfig{Sleep: 15 * time.Millisecond})

// NewProcessNil returns immediately without error.
var NewProcessNil = NewProcessMocker(MockProcessConfig{})

// NewProcessErr returns an error.
var NewProcessErr = NewProcessMocker(MockProcessConfig{ReturnErr: true})
