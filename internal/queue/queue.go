// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package queue serializes outbound position commands onto a publisher.
//
// At most one publish is in flight at any time. After each completion,
// success or failure, the next entry is published after a fixed pause; the
// pause counts as part of the in-flight slot. Failed entries are dequeued and
// reported, never retried: callers that want a retry enqueue again.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/gps_remote/internal/gps"
)

var (
	ErrQueueFull = errors.New("command queue full")
	ErrDropped   = errors.New("dropped by newer command")
	ErrClosed    = errors.New("command queue closed")
)

// Entry is one position command bound to the topic it was enqueued for.
type Entry struct {
	Position gps.Position
	Topic    string
}

// Result is the outcome of an entry: published (Err == nil), failed,
// dropped on overflow or discarded on Close.
type Result struct {
	Entry Entry
	Err   error
	At    time.Time
}

// Publisher is the transport side of the queue; transport.Session satisfies it.
// done must be called exactly once, possibly before Publish returns.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retain bool, done func(error))
}

// Overflow decides what happens when a bounded queue is full.
type Overflow int

const (
	// DropOldest discards the oldest pending entry to make room.
	DropOldest Overflow = iota
	// RejectNewest refuses the new entry with ErrQueueFull.
	RejectNewest
)

func (o Overflow) String() string {
	if o == RejectNewest {
		return "reject_newest"
	}
	return "drop_oldest"
}

// ParseOverflow accepts "drop_oldest" and "reject_newest".
func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_oldest":
		return DropOldest, nil
	case "reject_newest":
		return RejectNewest, nil
	}
	return DropOldest, fmt.Errorf("unknown overflow policy %q", s)
}

// Options configures a Queue.
type Options struct {
	QoS      byte
	Retain   bool
	Pause    time.Duration // between the end of one publish and the start of the next
	Limit    int           // max pending entries; 0 means unbounded
	Overflow Overflow
	OnResult func(Result)
}

// DefaultOptions: QoS 0, no retain, 50 ms pause, 64 pending entries, drop oldest.
func DefaultOptions() Options {
	return Options{Pause: 50 * time.Millisecond, Limit: 64, Overflow: DropOldest}
}

// Stats contains queue counters.
type Stats struct {
	Pending   int    `json:"pending"`
	InFlight  bool   `json:"in_flight"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Queue is a FIFO of position commands drained through a Publisher.
type Queue struct {
	pub  Publisher
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	entries  []Entry
	busy     bool // single in-flight guard
	closed   bool
	timer    *time.Timer
	idle     chan struct{} // closed while !busy
	last     Result
	haveLast bool
	stats    Stats
}

// New creates a Queue publishing through pub.
func New(pub Publisher, opts Options) *Queue {
	idle := make(chan struct{})
	close(idle)
	return &Queue{pub: pub, opts: opts, now: time.Now, idle: idle}
}

// Enqueue appends e and starts draining if nothing is in flight.
func (q *Queue) Enqueue(e Entry) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}

	var dropped []Entry
	if q.opts.Limit > 0 && len(q.entries) >= q.opts.Limit {
		if q.opts.Overflow == RejectNewest {
			n := len(q.entries)
			q.mu.Unlock()
			return fmt.Errorf("%w: %d pending", ErrQueueFull, n)
		}
		dropped = append(dropped, q.entries[0])
		q.entries[0] = Entry{}
		q.entries = q.entries[1:]
		q.stats.Dropped++
	}
	q.entries = append(q.entries, e)
	q.mu.Unlock()

	for _, d := range dropped {
		log.Printf("queue: full, dropping oldest command %v", d.Position)
		q.report(Result{Entry: d, Err: ErrDropped, At: q.now()})
	}

	q.drain()
	return nil
}

// drain publishes the oldest entry unless a publish is already in flight.
func (q *Queue) drain() {
	q.mu.Lock()
	if q.busy || q.closed || len(q.entries) == 0 {
		q.mu.Unlock()
		return
	}
	q.busy = true
	q.idle = make(chan struct{})
	e := q.popLocked()
	q.mu.Unlock()

	q.publish(e)
}

func (q *Queue) popLocked() Entry {
	e := q.entries[0]
	q.entries[0] = Entry{}
	q.entries = q.entries[1:]
	return e
}

func (q *Queue) publish(e Entry) {
	payload, err := gps.Encode(e.Position)
	if err != nil {
		q.complete(e, err)
		return
	}

	var once sync.Once
	q.pub.Publish(e.Topic, payload, q.opts.QoS, q.opts.Retain, func(err error) {
		once.Do(func() { q.complete(e, err) })
	})
}

func (q *Queue) complete(e Entry, err error) {
	res := Result{Entry: e, Err: err, At: q.now()}

	q.mu.Lock()
	if err != nil {
		q.stats.Failed++
	} else {
		q.stats.Published++
	}
	q.last, q.haveLast = res, true

	if q.closed || len(q.entries) == 0 {
		q.releaseLocked()
	} else {
		q.timer = time.AfterFunc(q.opts.Pause, q.next)
	}
	q.mu.Unlock()

	if err != nil {
		log.Printf("queue: publish to %s failed: %v", e.Topic, err)
	}
	q.report(res)
}

// next runs after the inter-publish pause, still holding the in-flight slot.
func (q *Queue) next() {
	q.mu.Lock()
	q.timer = nil
	if q.closed || len(q.entries) == 0 {
		q.releaseLocked()
		q.mu.Unlock()
		return
	}
	e := q.popLocked()
	q.mu.Unlock()

	q.publish(e)
}

func (q *Queue) releaseLocked() {
	if !q.busy {
		return
	}
	q.busy = false
	close(q.idle)
}

func (q *Queue) report(r Result) {
	if q.opts.OnResult != nil {
		q.opts.OnResult(r)
	}
}

// Drain waits until the queue is empty with nothing in flight, or ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		idle, busy, pending, closed := q.idle, q.busy, len(q.entries), q.closed
		q.mu.Unlock()

		if !busy {
			if pending == 0 || closed {
				return nil
			}
			q.drain()
			continue
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return fmt.Errorf("queue: drain: %w", ctx.Err())
		}
	}
}

// Close cancels the pending pause timer, discards queued entries (reported
// with ErrClosed) and rejects further enqueues. A publish already handed to
// the publisher still completes. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.timer != nil && q.timer.Stop() {
		q.timer = nil
		q.releaseLocked()
	}
	remaining := q.entries
	q.entries = nil
	q.mu.Unlock()

	for _, e := range remaining {
		q.report(Result{Entry: e, Err: ErrClosed, At: q.now()})
	}
}

// Len returns the number of entries waiting to be published.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.stats
	st.Pending = len(q.entries)
	st.InFlight = q.busy
	return st
}

// Last returns the most recent publish outcome.
func (q *Queue) Last() (Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last, q.haveLast
}
