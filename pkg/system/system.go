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

// Package system reports host CPU/RAM load and per-queue decode backlog so
// the engine can log when a layer's AsyncDecodeQueue is falling behind
// instead of only noticing once frames start dropping.
package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nvr/pkg/log"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// QueueDepth reports a single AsyncDecodeQueue's backlog: the number of
// decoded frames currently buffered and the queue's configured capacity.
type QueueDepth struct {
	Buffered int
	Capacity int
}

// QueueDepthFunc is registered per layer/queue so System can sample it
// without taking a dependency on the decode package.
type QueueDepthFunc func() QueueDepth

// Status is a snapshot of host load and decode backlog.
type Status struct {
	CPUUsage int                    `json:"cpuUsage"`
	RAMUsage int                    `json:"ramUsage"`
	Queues   map[string]QueueDepth  `json:"queues"`
}

type (
	cpuFunc func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc func() (*mem.VirtualMemoryStat, error)
)

// System samples host resource usage and registered decode queue depths
// on an interval.
type System struct {
	cpu cpuFunc
	ram ramFunc

	duration time.Duration

	mu     sync.Mutex
	status Status
	queues map[string]QueueDepthFunc

	log *log.Logger
	o   sync.Once
}

// New returns a System that samples every interval.
func New(interval time.Duration, logger *log.Logger) *System {
	return &System{
		cpu: cpu.PercentWithContext,
		ram: mem.VirtualMemory,

		duration: interval,
		queues:   map[string]QueueDepthFunc{},

		log: logger,
	}
}

// WatchQueue registers a decode queue's depth sampler under name
// (typically the layer id). Call with a nil fn to stop watching.
func (s *System) WatchQueue(name string, fn QueueDepthFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.queues, name)
		return
	}
	s.queues[name] = fn
}

func (s *System) update(ctx context.Context) error {
	cpuUsage, err := s.cpu(ctx, s.duration, false)
	if err != nil {
		return fmt.Errorf("could not get cpu usage: %w", err)
	}
	ramUsage, err := s.ram()
	if err != nil {
		return fmt.Errorf("could not get ram usage: %w", err)
	}

	s.mu.Lock()
	queues := make(map[string]QueueDepth, len(s.queues))
	for name, fn := range s.queues {
		queues[name] = fn()
	}
	s.mu.Unlock()

	status := Status{
		RAMUsage: int(ramUsage.UsedPercent),
		Queues:   queues,
	}
	if len(cpuUsage) > 0 {
		status.CPUUsage = int(cpuUsage[0])
	}

	s.mu.Lock()
	s.status = status
	s.mu.Unlock()

	for name, depth := range queues {
		if depth.Capacity > 0 && depth.Buffered >= depth.Capacity {
			s.log.Warn().Src("system").Layer(name).Msg("decode queue saturated, layer may stutter")
		}
	}

	return nil
}

// StatusLoop samples status on s.duration until ctx is canceled. Safe to
// call once per System; subsequent calls are no-ops.
func (s *System) StatusLoop(ctx context.Context) {
	s.o.Do(func() {
		ticker := time.NewTicker(s.duration)
		defer ticker.Stop()
		for {
			if err := s.update(ctx); err != nil {
				s.log.Error().Src("system").Msgf("could not update system status: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

// Status returns the most recent snapshot.
func (s *System) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
