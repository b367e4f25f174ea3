// Package pipe implements the ordered byte-message handle specialization
// (spec component E): sequence numbering and anti-congestion overwrite.
//
// Grounded on storage/paired.go's outbound propagation-log/queue
// bookkeeping (todo/done tracking, compaction) as the model for a
// session-owned outbound queue that can be scanned and rewritten in place.
package pipe

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/arn-go/arnd/handle"
	"github.com/arn-go/arnd/link"
	"github.com/arn-go/arnd/value"
)

// seqModulus is preserved for wire interoperability per spec §9's open
// question: "a larger modulus would be safer but breaks wire
// compatibility."
const seqModulus = 1000

// Frame is one pipe message as delivered to a receiver (spec §3.4, §4.5).
type Frame struct {
	Value    value.Value
	SeqNo    uint32
	HasSeqNo bool
}

// OutOfSequenceFunc is invoked at most once per gap when check_seq detects
// a missing frame (spec §4.5).
type OutOfSequenceFunc func(expected, got uint32)

// Pipe is a Handle specialized for ordered, never-coalesced byte messages.
type Pipe struct {
	h *handle.Handle

	mu sync.Mutex

	sendSeq     bool
	nextSendSeq uint32

	checkSeq      bool
	haveExpected  bool
	expectedSeq   uint32
	onOutOfSeq    OutOfSequenceFunc

	onFrame func(Frame)

	// outbound is the session-owned queue this pipe's writes are appended
	// to, for anti-congestion overwrite (spec §4.5 set_value_overwrite).
	outbound *Queue
}

// Open opens path as a Pipe-mode handle (spec §4.5: "mode >= Pipe").
func Open(store *link.Store, path string, outbound *Queue) (*Pipe, error) {
	h, err := handle.Open(store, path, link.KindLeaf)
	if err != nil {
		return nil, err
	}
	h.AddMode(link.ModePipe, nil)
	p := &Pipe{h: h, outbound: outbound}
	h.OnChange(p.deliver)
	return p, nil
}

func (p *Pipe) deliver(n link.Notification) {
	p.mu.Lock()
	checkSeq := p.checkSeq
	onFrame := p.onFrame
	p.mu.Unlock()

	f := Frame{Value: n.Value, SeqNo: n.SeqNo, HasSeqNo: n.HasSeqNo}
	if checkSeq && n.HasSeqNo {
		p.checkSequence(n.SeqNo)
	}
	if onFrame != nil {
		onFrame(f)
	}
}

// checkSequence implements spec §4.5's check_seq algorithm: the first
// received frame initializes the expected counter; thereafter a mismatch
// emits out_of_sequence exactly once per gap and resynchronizes.
func (p *Pipe) checkSequence(got uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveExpected {
		p.haveExpected = true
		p.expectedSeq = (got + 1) % seqModulus
		return
	}
	if got != p.expectedSeq {
		if p.onOutOfSeq != nil {
			p.onOutOfSeq(p.expectedSeq, got)
		}
	}
	p.expectedSeq = (got + 1) % seqModulus
}

// EnableSendSeq turns on send_seq (spec §4.5).
func (p *Pipe) EnableSendSeq() { p.mu.Lock(); p.sendSeq = true; p.mu.Unlock() }

// EnableCheckSeq turns on check_seq, with cb invoked on gaps.
func (p *Pipe) EnableCheckSeq(cb OutOfSequenceFunc) {
	p.mu.Lock()
	p.checkSeq = true
	p.onOutOfSeq = cb
	p.mu.Unlock()
}

// OnFrame registers the per-frame delivery callback.
func (p *Pipe) OnFrame(fn func(Frame)) { p.mu.Lock(); p.onFrame = fn; p.mu.Unlock() }

// Write sends v as a pipe frame: never coalesced, and tagged with a
// sequence number if send_seq is enabled (spec §4.5).
func (p *Pipe) Write(v value.Value) error {
	p.mu.Lock()
	var seq uint32
	hasSeq := p.sendSeq
	if hasSeq {
		seq = p.nextSendSeq
		p.nextSendSeq = (p.nextSendSeq + 1) % seqModulus
	}
	p.mu.Unlock()

	// Pipes are never coalesced by ignore-same (spec §4.5).
	_, err := p.h.WriteRaw(v, link.WriteOptions{
		SameValuePolicy: link.SameValueAccept,
		SeqNo:           seq,
		HasSeqNo:        hasSeq,
	})
	if err != nil {
		return err
	}
	if p.outbound != nil {
		p.outbound.Enqueue(QueuedFrame{Link: p.h.Link().ID(), Value: v, SeqNo: seq, HasSeqNo: hasSeq})
	}
	return nil
}

// WriteOverwrite is spec §4.5's set_value_overwrite: before enqueueing,
// scan the outbound queue for a previously queued frame on this link whose
// value matches pattern, and replace it in place instead of growing the
// queue. This bounds queue growth for repeating messages (e.g.
// heartbeats) during a reconnect.
func (p *Pipe) WriteOverwrite(v value.Value, pattern *regexp.Regexp) error {
	if p.outbound == nil {
		return fmt.Errorf("pipe: no outbound queue configured")
	}
	p.mu.Lock()
	var seq uint32
	hasSeq := p.sendSeq
	if hasSeq {
		seq = p.nextSendSeq
		p.nextSendSeq = (p.nextSendSeq + 1) % seqModulus
	}
	p.mu.Unlock()

	qf := QueuedFrame{Link: p.h.Link().ID(), Value: v, SeqNo: seq, HasSeqNo: hasSeq}
	if !p.outbound.Overwrite(qf, pattern) {
		p.outbound.Enqueue(qf)
	}
	return nil
}

// SetMaster declares this pipe's link as the authoritative writer on this
// side (spec §4.6.4); see handle.Handle.SetMaster.
func (p *Pipe) SetMaster() { p.h.SetMaster() }

// Link exposes the underlying link, e.g. so a caller can materialize its
// twin up front (spec §3.1 provider-marker pairing).
func (p *Pipe) Link() *link.Link { return p.h.Link() }

// Close releases the pipe's underlying handle.
func (p *Pipe) Close() { p.h.Close() }
