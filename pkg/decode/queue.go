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
	"context"
	"sync"
	"time"

	"nvr/pkg/frame"
)

// QueuedFrame is one decoded, not-yet-consumed frame held by the queue.
type QueuedFrame struct {
	Index  int64
	Buffer frame.Buffer
}

// defaultMaxQueueSize mirrors the spec's example bound.
const defaultMaxQueueSize = 8

// AsyncDecodeQueue wraps a Source with a producer goroutine that stays a
// bounded number of frames ahead of the consumer's target frame. The
// consumer thread only ever touches the queue through get_frame/seek/
// has_frame/set_target_frame; the producer owns the Source exclusively.
type AsyncDecodeQueue struct {
	source      Source
	maxQueue    int
	evictBehind int64

	mu   sync.Mutex
	cond *sync.Cond

	queue          []QueuedFrame
	targetFrame    int64
	lastDecoded    int64
	seekRequested  bool
	seekTarget     int64
	stop           chan struct{}
	stopped        bool
	wg             sync.WaitGroup
}

// NewAsyncDecodeQueue wraps source with a producer goroutine. maxQueueSize
// <= 0 uses the spec's default of 8.
func NewAsyncDecodeQueue(source Source, maxQueueSize int) *AsyncDecodeQueue {
	if maxQueueSize <= 0 {
		maxQueueSize = defaultMaxQueueSize
	}
	q := &AsyncDecodeQueue{
		source:      source,
		maxQueue:    maxQueueSize,
		evictBehind: 2,
		lastDecoded: -1,
		targetFrame: 0,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Open opens the underlying source and starts the producer goroutine.
func (q *AsyncDecodeQueue) Open(ctx context.Context, path string) error {
	if err := q.source.Open(ctx, path); err != nil {
		return err
	}
	q.stop = make(chan struct{})
	q.wg.Add(1)
	go q.producerLoop()
	return nil
}

// Close stops the producer and releases the source.
func (q *AsyncDecodeQueue) Close() error {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	if q.stop != nil {
		close(q.stop)
	}
	q.cond.Broadcast()
	q.wg.Wait()
	return q.source.Close()
}

// Seek flushes the queue atomically, retargets the producer, and resets
// last_decoded_frame so the producer knows to re-seek the source.
func (q *AsyncDecodeQueue) Seek(frameIndex int64) {
	q.mu.Lock()
	q.queue = nil
	q.targetFrame = frameIndex
	q.lastDecoded = -1
	q.seekRequested = true
	q.seekTarget = frameIndex
	q.mu.Unlock()
	q.cond.Broadcast()
}

// SetTargetFrame updates the producer's target without touching the
// queue (used when the consumer advances smoothly and doesn't need a
// flush-and-reseek).
func (q *AsyncDecodeQueue) SetTargetFrame(frameIndex int64) {
	q.mu.Lock()
	q.targetFrame = frameIndex
	q.mu.Unlock()
	q.cond.Broadcast()
}

// HasFrame reports whether frameIndex is currently queued.
func (q *AsyncDecodeQueue) HasFrame(frameIndex int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.find(frameIndex)
	return ok
}

func (q *AsyncDecodeQueue) find(frameIndex int64) (int, bool) {
	for i, f := range q.queue {
		if f.Index == frameIndex {
			return i, true
		}
	}
	return 0, false
}

// GetFrame looks up frameIndex exactly; if absent and maxWait > 0, it
// nudges the producer and waits on the condvar up to the deadline. If
// still absent, it returns the closest earlier ready frame instead, or
// ok=false if none is ready. The returned QueuedFrame is a copy of the
// queue entry's bookkeeping; Buffer.Data backs the same slice the
// producer wrote and remains valid until the next get_frame/seek/close.
func (q *AsyncDecodeQueue) GetFrame(frameIndex int64, maxWait time.Duration) (QueuedFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i, ok := q.find(frameIndex); ok {
		return q.queue[i], true
	}

	if maxWait > 0 {
		q.targetFrame = frameIndex
		deadline := time.Now().Add(maxWait)
		q.cond.Broadcast()

		for {
			if i, ok := q.find(frameIndex); ok {
				return q.queue[i], true
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			q.waitWithTimeout(remaining)
		}
	}

	return q.closestEarlier(frameIndex)
}

// waitWithTimeout wakes the goroutine-blocked cond.Wait either when
// signaled or after d elapses, without leaking a goroutine past the
// caller's hold of q.mu (the timer goroutine only ever calls Broadcast,
// which is safe to call whether or not anyone is still waiting).
func (q *AsyncDecodeQueue) waitWithTimeout(d time.Duration) {
	timer := time.AfterFunc(d, q.cond.Broadcast)
	defer timer.Stop()
	q.cond.Wait()
}

func (q *AsyncDecodeQueue) closestEarlier(frameIndex int64) (QueuedFrame, bool) {
	var best QueuedFrame
	found := false
	for _, f := range q.queue {
		if f.Index <= frameIndex && (!found || f.Index > best.Index) {
			best = f
			found = true
		}
	}
	return best, found
}

// producerLoop implements the decode/evict/sleep cycle described in
// §4.6: consume a pending seek, decide whether to decode, insert sorted,
// evict stale entries, sleep when idle.
func (q *AsyncDecodeQueue) producerLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.stop:
			return
		default:
		}

		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return
		}

		if q.seekRequested {
			target := q.seekTarget
			q.seekRequested = false
			q.queue = nil
			q.mu.Unlock()

			_ = q.source.Seek(target)

			q.mu.Lock()
			q.lastDecoded = target - 1
		}

		target := q.targetFrame
		newest := q.newestLocked()
		size := len(q.queue)
		shouldDecode := size < q.maxQueue && (size == 0 || newest < target+int64(q.maxQueue))

		if !shouldDecode {
			q.evictLocked(target)
			q.mu.Unlock()
			q.sleepOrWake(5 * time.Millisecond)
			continue
		}
		q.mu.Unlock()

		nextIndex := q.lastDecodedSnapshot() + 1
		var buf frame.Buffer
		err := q.source.ReadFrame(nextIndex, &buf)
		if err != nil {
			// Transient decode failure (e.g. a bail-count giveup in
			// File-Software): back off briefly rather than spin.
			q.sleepOrWake(5 * time.Millisecond)
			continue
		}

		q.mu.Lock()
		q.insertSortedLocked(QueuedFrame{Index: nextIndex, Buffer: buf})
		q.lastDecoded = nextIndex
		q.evictLocked(q.targetFrame)
		q.mu.Unlock()
		q.cond.Broadcast()
	}
}

func (q *AsyncDecodeQueue) lastDecodedSnapshot() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastDecoded
}

func (q *AsyncDecodeQueue) newestLocked() int64 {
	if len(q.queue) == 0 {
		return q.lastDecoded
	}
	return q.queue[len(q.queue)-1].Index
}

func (q *AsyncDecodeQueue) insertSortedLocked(f QueuedFrame) {
	i := 0
	for i < len(q.queue) && q.queue[i].Index < f.Index {
		i++
	}
	q.queue = append(q.queue, QueuedFrame{})
	copy(q.queue[i+1:], q.queue[i:])
	q.queue[i] = f
}

func (q *AsyncDecodeQueue) evictLocked(target int64) {
	cutoff := target - q.evictBehind
	i := 0
	for i < len(q.queue) && q.queue[i].Index < cutoff {
		i++
	}
	q.queue = q.queue[i:]
}

// sleepOrWake blocks for d or until stop fires, whichever comes first;
// it stands in for the producer's condvar idle-wait.
func (q *AsyncDecodeQueue) sleepOrWake(d time.Duration) {
	select {
	case <-time.After(d):
	case <-q.stop:
	}
}
