//
// SPDX-License-Identifier: BSD-3-Clause
//
// Adapted from: https://github.com/ooni/netem/blob/6e0d618f0cb48b96c78cd066e23cf3aa1208b1dd/pcap.go
//

// Package pcap writes the packets crossing the virtual interface to a
// PCAP file with raw IP link type.
package pcap

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// DefaultSnapLen is the default number of bytes captured per packet.
const DefaultSnapLen = 1500

// DefaultBuffer is the default number of packets queued for writing.
const DefaultBuffer = 4096

// snapshot is a packet snapshot.
type snapshot struct {
	// data contains the captured bytes.
	data []byte

	// length is the original length.
	length int

	// when is the capture time.
	when time.Time
}

// TraceOption is an option for [NewTrace].
type TraceOption func(cfg *traceConfig)

// traceConfig is the internal type modified by [TraceOption].
type traceConfig struct {
	buffer int
	now    func() time.Time
}

// TraceOptionBuffer sets the number of packets queued for writing.
//
// The default is [DefaultBuffer]. Packets dumped while the queue is
// full are counted by [*Trace.Dropped] and discarded.
func TraceOptionBuffer(value int) TraceOption {
	return func(cfg *traceConfig) {
		cfg.buffer = value
	}
}

// TraceOptionClock overrides the function returning the capture time.
func TraceOptionClock(now func() time.Time) TraceOption {
	return func(cfg *traceConfig) {
		cfg.now = now
	}
}

// Trace is an open PCAP trace.
//
// Construct using [NewTrace] or [Create].
type Trace struct {
	// cancel stops the background goroutine.
	cancel context.CancelFunc

	// dropped is the number of packets dropped.
	dropped atomic.Uint64

	// errch receives the result of the background goroutine.
	errch chan error

	// now returns the capture time.
	now func() time.Time

	// once provides "once" semantics for Close.
	once sync.Once

	// snapLen is the number of bytes to capture.
	snapLen int

	// snaps queues the snapshots to write.
	snaps chan snapshot

	// testCancellationDrainHook runs after cancellation is observed.
	testCancellationDrainHook func()

	// wc is the destination.
	wc io.WriteCloser
}

// NewTrace starts writing a PCAP trace to wc.
func NewTrace(wc io.WriteCloser, snapLen int, options ...TraceOption) *Trace {
	cfg := traceConfig{
		buffer: DefaultBuffer,
		now:    time.Now,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tr := &Trace{
		cancel:                    cancel,
		dropped:                   atomic.Uint64{},
		errch:                     make(chan error, 1),
		now:                       cfg.now,
		once:                      sync.Once{},
		snapLen:                   snapLen,
		snaps:                     make(chan snapshot, cfg.buffer),
		testCancellationDrainHook: func() {},
		wc:                        wc,
	}
	go tr.saveLoop(ctx)
	return tr
}

// Create creates the file at path and starts writing a trace into it.
func Create(path string, snapLen int, options ...TraceOption) (*Trace, error) {
	filep, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return NewTrace(filep, snapLen, options...), nil
}

// Dump queues a copy of the first snapLen bytes of the given raw IP packet.
//
// Dump never blocks.
func (tr *Trace) Dump(packet []byte) {
	data := make([]byte, min(len(packet), tr.snapLen))
	copy(data, packet)
	select {
	case tr.snaps <- snapshot{data: data, length: len(packet), when: tr.now()}:
	default:
		tr.dropped.Add(1)
	}
}

// Dropped returns the number of packets dropped because the queue was full.
func (tr *Trace) Dropped() uint64 {
	return tr.dropped.Load()
}

// saveLoop writes the file header and then each queued packet.
func (tr *Trace) saveLoop(ctx context.Context) {
	w := pcapgo.NewWriter(tr.wc)
	if err := w.WriteFileHeader(uint32(tr.snapLen), layers.LinkTypeRaw); err != nil {
		tr.errch <- err
		return
	}
	for {
		snap, ok := tr.readOrDrain(ctx)
		if !ok {
			tr.errch <- nil
			return
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     snap.when,
			CaptureLength: len(snap.data),
			Length:        snap.length,
		}
		if err := w.WritePacket(ci, snap.data); err != nil {
			tr.errch <- err
			return
		}
	}
}

// readOrDrain returns the next snapshot. Once ctx is done it keeps
// returning the queued snapshots and returns false when none is left.
func (tr *Trace) readOrDrain(ctx context.Context) (snapshot, bool) {
	select {
	case snap := <-tr.snaps:
		return snap, true
	case <-ctx.Done():
	}
	tr.testCancellationDrainHook()
	select {
	case snap := <-tr.snaps:
		return snap, true
	default:
		return snapshot{}, false
	}
}

// Close flushes the queued packets, stops the background goroutine
// and closes the destination.
func (tr *Trace) Close() (err error) {
	tr.once.Do(func() {
		tr.cancel()
		err1 := <-tr.errch
		err2 := tr.wc.Close()
		err = errors.Join(err1, err2)
	})
	return
}
