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

// Package loader implements AsyncVideoLoader: a single background
// worker that opens InputSources off the real-time path, keyed by a
// caller-chosen cue ID, with a completion queue the main thread drains
// on its own schedule.
package loader

import (
	"context"
	"sync"

	"nvr/pkg/decode"
	"nvr/pkg/log"
)

// Factory opens path and returns an owned InputSource, picking whatever
// backend fits the container/codec.
type Factory func(ctx context.Context, path string) (decode.Source, error)

// Callback is invoked on the polling goroutine (normally the main
// thread) once a load finishes.
type Callback func(cueID, path string, source decode.Source, err error)

type request struct {
	cueID    string
	path     string
	callback Callback
}

type result struct {
	cueID    string
	path     string
	source   decode.Source
	err      error
	callback Callback
}

const queueCapacity = 64

// Loader is the single-worker FIFO video loader. All public methods are
// safe to call from any goroutine; PollCompleted is meant to be called
// from the main/engine thread only.
type Loader struct {
	factory Factory
	log     *log.Logger

	requests chan request
	results  chan result
	stop     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
}

// New returns a Loader that uses factory to open requested paths.
func New(factory Factory, logger *log.Logger) *Loader {
	return &Loader{
		factory:  factory,
		log:      logger,
		requests: make(chan request, queueCapacity),
		results:  make(chan result, queueCapacity),
		stop:     make(chan struct{}),
		pending:  make(map[string]struct{}),
	}
}

// Start spawns the worker goroutine.
func (l *Loader) Start() {
	l.wg.Add(1)
	go l.worker()
}

// Shutdown stops the worker and waits for it to exit. Any request still
// queued or in flight is abandoned; its InputSource, if one was opened,
// is closed rather than leaked.
func (l *Loader) Shutdown() {
	close(l.stop)
	l.wg.Wait()
	for {
		select {
		case res := <-l.results:
			if res.source != nil {
				res.source.Close()
			}
		default:
			return
		}
	}
}

// Request enqueues an open for path under cueID, marking cueID pending
// immediately so IsPending reflects it before the worker ever sees it.
func (l *Loader) Request(cueID, path string, callback Callback) {
	l.mu.Lock()
	l.pending[cueID] = struct{}{}
	l.mu.Unlock()

	select {
	case l.requests <- request{cueID: cueID, path: path, callback: callback}:
	case <-l.stop:
	}
}

// Cancel removes cueID from the pending set. Work already dispatched to
// the factory keeps running, but its result is discarded instead of
// posted, and its source closed — the cancellation window spans from
// this call until the worker's post-load pending check.
func (l *Loader) Cancel(cueID string) {
	l.mu.Lock()
	delete(l.pending, cueID)
	l.mu.Unlock()
}

// IsPending reports whether cueID has an outstanding (not yet
// completed-and-polled, not cancelled) request.
func (l *Loader) IsPending(cueID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[cueID]
	return ok
}

// PendingCount returns how many cue IDs are currently pending.
func (l *Loader) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Loader) isPending(cueID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[cueID]
	return ok
}

// PollCompleted drains every finished load and invokes its callback
// synchronously, in completion order. Cancelled cue IDs never reach
// a callback — the worker discards those before posting, and a result
// cancelled after posting is dropped here with its source closed.
// Returns the number of callbacks invoked.
func (l *Loader) PollCompleted() int {
	count := 0
	for {
		select {
		case res := <-l.results:
			l.mu.Lock()
			_, live := l.pending[res.cueID]
			delete(l.pending, res.cueID)
			l.mu.Unlock()
			if !live {
				if res.source != nil {
					res.source.Close()
				}
				continue
			}
			if res.callback != nil {
				res.callback(res.cueID, res.path, res.source, res.err)
			}
			count++
		default:
			return count
		}
	}
}

func (l *Loader) worker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stop:
			return
		case req := <-l.requests:
			l.handleRequest(req)
		}
	}
}

func (l *Loader) handleRequest(req request) {
	if !l.isPending(req.cueID) {
		if l.log != nil {
			l.log.Info().Src("loader").Msgf("skipping cancelled load for cue %s", req.cueID)
		}
		return
	}

	source, err := l.factory(context.Background(), req.path)
	if err != nil && l.log != nil {
		l.log.Warn().Src("loader").Msgf("failed to load %s: %v", req.path, err)
	}

	if !l.isPending(req.cueID) {
		if source != nil {
			source.Close()
		}
		if l.log != nil {
			l.log.Info().Src("loader").Msgf("discarding result for cancelled cue %s", req.cueID)
		}
		return
	}

	res := result{cueID: req.cueID, path: req.path, source: source, err: err, callback: req.callback}
	select {
	case l.results <- res:
	case <-l.stop:
		if source != nil {
			source.Close()
		}
	}
}
