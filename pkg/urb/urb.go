// Package urb implements spec §4.4: Uniform Reliable Broadcast, an
// echo-based majority-ack algorithm layered over Best-Effort Broadcast.
package urb

import (
	"encoding/binary"
	"fmt"

	"distlayer.dev/dalattice/pkg/beb"
	"distlayer.dev/dalattice/pkg/ids"
	"distlayer.dev/dalattice/pkg/logging"
	"distlayer.dev/dalattice/pkg/membership"
	"distlayer.dev/dalattice/pkg/metrics"
	"distlayer.dev/dalattice/pkg/semaphore"
)

// DefaultMaxInFlight is the send_gate capacity spec §4.4 calls out as
// "configurable; small, e.g. 1-64".
const DefaultMaxInFlight = 16

// DeliverCallback is invoked once per payload chunk of a uniformly
// delivered broadcast (spec §4.4 step 5: "Invoke cb(originator, payload)
// once per payload chunk in the datagram").
type DeliverCallback func(originator ids.ProcessID, payload []byte)

// Broadcast is one Uniform Reliable Broadcast endpoint.
type Broadcast struct {
	beb     *beb.Broadcast
	members membership.Table

	log     logging.Logger
	metrics *metrics.Set

	acknowledged *ackStore
	sendGate     *semaphore.Semaphore
}

// Option configures a Broadcast at construction time.
type Option func(*Broadcast)

// WithMaxInFlight overrides DefaultMaxInFlight.
func WithMaxInFlight(n int) Option {
	return func(b *Broadcast) { b.sendGate = semaphore.New(n) }
}

// WithLogger supplies a Logger; the default is a development logger named "urb".
func WithLogger(log logging.Logger) Option {
	return func(b *Broadcast) { b.log = log }
}

// WithMetrics attaches a metrics.Set; nil (the default) disables metrics.
func WithMetrics(m *metrics.Set) Option {
	return func(b *Broadcast) { b.metrics = m }
}

// New wraps a BEB endpoint with URB's ack-vector bookkeeping.
func New(underlying *beb.Broadcast, members membership.Table, opts ...Option) *Broadcast {
	b := &Broadcast{
		beb:          underlying,
		members:      members,
		log:          logging.NewDevelopmentLogger("urb"),
		acknowledged: newAckStore(),
		sendGate:     semaphore.New(DefaultMaxInFlight),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ID returns this endpoint's process id.
func (b *Broadcast) ID() ids.ProcessID { return b.beb.ID() }

// Bind binds the underlying BEB/PL stack.
func (b *Broadcast) Bind(host string, port int) error {
	return b.beb.Bind(host, port)
}

func encodeBroadcastID(id ids.BroadcastID) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(id))
	return buf
}

func decodeBroadcastID(metadata []byte) (ids.BroadcastID, error) {
	if len(metadata) != 8 {
		return 0, fmt.Errorf("urb: expected 8-byte BroadcastId metadata, got %d bytes", len(metadata))
	}
	return ids.BroadcastID(binary.LittleEndian.Uint64(metadata)), nil
}

// Broadcast is spec §4.4's broadcast operation: acquire send_gate, mint a
// fresh BroadcastId under the acknowledged lock, then BEB-broadcast it
// with the BroadcastId carried as the datagram's metadata field. It
// returns once the fan-out has been issued, not once uniform delivery
// has happened (spec §7: "no result-or-error surface is needed on the
// critical path" beyond issuing the send).
func (b *Broadcast) Broadcast(payloads [][]byte) error {
	b.sendGate.Acquire()
	id := b.acknowledged.beginOwnBroadcast(b.ID())
	return b.beb.Broadcast(encodeBroadcastID(id), payloads)
}

// Listen is the URB receive path (spec §4.4 steps 1-6): decode the
// BroadcastId carried as metadata, update the ack vector, echo on first
// sighting, and deliver once a majority has acked.
func (b *Broadcast) Listen(cb DeliverCallback) error {
	return b.beb.Listen(func(sender ids.ProcessID, metadata []byte, payloads [][]byte) {
		b.handle(sender, metadata, payloads, seqBatchCallback(seqDroppingCallback(cb)))
	})
}

// ListenAsync spawns the receive loop in the background.
func (b *Broadcast) ListenAsync(cb DeliverCallback) {
	b.beb.ListenAsync(func(sender ids.ProcessID, metadata []byte, payloads [][]byte) {
		b.handle(sender, metadata, payloads, seqBatchCallback(seqDroppingCallback(cb)))
	})
}

// DeliverCallbackSeq is DeliverCallback extended with the originating
// broadcast's URB seq_nr, the ordering key pkg/fifo's per-sender reorder
// buffer needs to reconstruct FIFO order (spec §5: "FIFO ordering is not
// provided by the core; it is a trivial overlay, per-sender heap keyed by
// PL SeqNr" — at the URB layer the equivalent key is the originator's URB
// seq_nr, carried in BroadcastId).
type DeliverCallbackSeq func(originator ids.ProcessID, seq ids.SeqNr, payload []byte)

// ListenSeq is Listen with the seq_nr exposed, for callers that only need
// one payload at a time.
func (b *Broadcast) ListenSeq(cb DeliverCallbackSeq) error {
	return b.beb.Listen(func(sender ids.ProcessID, metadata []byte, payloads [][]byte) {
		b.handle(sender, metadata, payloads, seqBatchCallback(cb))
	})
}

// ListenAsyncSeq is ListenAsync with the seq_nr exposed.
func (b *Broadcast) ListenAsyncSeq(cb DeliverCallbackSeq) {
	b.beb.ListenAsync(func(sender ids.ProcessID, metadata []byte, payloads [][]byte) {
		b.handle(sender, metadata, payloads, seqBatchCallback(cb))
	})
}

// DeliverBatchCallback receives every payload chunk of a single URB
// delivery together, in the order they were broadcast, in one call. URB
// tags every chunk of one broadcast with the same seq_nr (BroadcastId is
// per-broadcast, not per-chunk): a consumer that buffers deliveries past
// the call (pkg/fifo's reorder buffer) needs the whole batch at once to
// key and release a multi-chunk broadcast as a unit, so it uses this form
// instead of DeliverCallbackSeq.
type DeliverBatchCallback func(originator ids.ProcessID, seq ids.SeqNr, payloads [][]byte)

// ListenBatchSeq is Listen with both the seq_nr and the full chunk batch
// of each delivery exposed, for pkg/fifo.
func (b *Broadcast) ListenBatchSeq(cb DeliverBatchCallback) error {
	return b.beb.Listen(func(sender ids.ProcessID, metadata []byte, payloads [][]byte) {
		b.handle(sender, metadata, payloads, cb)
	})
}

// ListenAsyncBatchSeq is ListenBatchSeq spawned in the background.
func (b *Broadcast) ListenAsyncBatchSeq(cb DeliverBatchCallback) {
	b.beb.ListenAsync(func(sender ids.ProcessID, metadata []byte, payloads [][]byte) {
		b.handle(sender, metadata, payloads, cb)
	})
}

func seqDroppingCallback(cb DeliverCallback) DeliverCallbackSeq {
	if cb == nil {
		return nil
	}
	return func(originator ids.ProcessID, _ ids.SeqNr, payload []byte) {
		cb(originator, payload)
	}
}

// seqBatchCallback adapts a per-chunk DeliverCallbackSeq into the
// DeliverBatchCallback shape handle() deals in, invoking cb once per
// chunk in order.
func seqBatchCallback(cb DeliverCallbackSeq) DeliverBatchCallback {
	if cb == nil {
		return nil
	}
	return func(originator ids.ProcessID, seq ids.SeqNr, payloads [][]byte) {
		for _, p := range payloads {
			cb(originator, seq, p)
		}
	}
}

// Wait joins any goroutine started via ListenAsync.
func (b *Broadcast) Wait() { b.beb.Wait() }

func (b *Broadcast) handle(sender ids.ProcessID, metadata []byte, payloads [][]byte, cb DeliverBatchCallback) {
	id, err := decodeBroadcastID(metadata)
	if err != nil {
		b.log.Debugf("urb: dropping datagram with bad metadata from %d: %v", sender, err)
		return
	}

	wasNew, hadAcked, popcount := b.acknowledged.recordAck(id, sender)
	shouldDeliver := !hadAcked && popcount == b.members.Majority()

	if shouldDeliver && wasNew {
		// Spec §4.4: "An assertion must hold that should_deliver and
		// was_new never both fire in the same call; echo precedes
		// delivery in time." A first sighting has popcount 1, below
		// majority for N>=2, and for N=1 the only node is the
		// originator, whose entry Broadcast already inserted; so this
		// does not fire in a valid group. Log rather than crash the
		// listener (spec §7).
		b.log.Errorf("urb: should_deliver and was_new both true for %s, N=%d", id, b.members.N())
	}

	if wasNew {
		b.metrics.IncEchoes()
		if err := b.beb.Broadcast(metadata, payloads); err != nil {
			b.log.Warnf("urb: echo of %s failed: %v", id, err)
		}
	}

	if shouldDeliver {
		originator := id.Originator()
		if originator == b.ID() {
			b.sendGate.Release()
		}
		b.metrics.IncURBDelivered()
		if cb != nil {
			cb(originator, id.SeqNr(), payloads)
		}
	}
}

// Close shuts down the underlying BEB/PL stack and releases the ack store.
func (b *Broadcast) Close() error {
	b.acknowledged.close()
	return b.beb.Close()
}
