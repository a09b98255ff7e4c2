package system

import (
	"context"
	"errors"
	"testing"
	"time"

	"nvr/pkg/log"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/require"
)

func newTestSystem() *System {
	s := New(10*time.Millisecond, log.NewMockLogger())
	s.cpu = func(context.Context, time.Duration, bool) ([]float64, error) {
		return []float64{12.5}, nil
	}
	s.ram = func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: 40}, nil
	}
	return s
}

func TestUpdate(t *testing.T) {
	s := newTestSystem()
	require.NoError(t, s.update(context.Background()))

	got := s.Status()
	require.Equal(t, 12, got.CPUUsage)
	require.Equal(t, 40, got.RAMUsage)
}

func TestUpdateCPUErr(t *testing.T) {
	s := newTestSystem()
	s.cpu = func(context.Context, time.Duration, bool) ([]float64, error) {
		return nil, errors.New("mock error")
	}
	require.Error(t, s.update(context.Background()))
}

func TestUpdateRAMErr(t *testing.T) {
	s := newTestSystem()
	s.ram = func() (*mem.VirtualMemoryStat, error) {
		return nil, errors.New("mock error")
	}
	require.Error(t, s.update(context.Background()))
}

func TestWatchQueue(t *testing.T) {
	s := newTestSystem()
	s.WatchQueue("layer1", func() QueueDepth {
		return QueueDepth{Buffered: 8, Capacity: 8}
	})

	require.NoError(t, s.update(context.Background()))
	got := s.Status()
	require.Equal(t, QueueDepth{Buffered: 8, Capacity: 8}, got.Queues["layer1"])

	s.WatchQueue("layer1", nil)
	require.NoError(t, s.update(context.Background()))
	got = s.Status()
	_, ok := got.Queues["layer1"]
	require.False(t, ok)
}

func TestStatusLoopStopsOnContextCancel(t *testing.T) {
	s := newTestSystem()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.StatusLoop(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StatusLoop did not stop after context cancel")
	}
}
