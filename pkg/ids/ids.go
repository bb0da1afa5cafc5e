// Package ids defines the small typed identifiers shared by every layer:
// ProcessID, the per-link SeqNr, the packed URB BroadcastID, and the bounded
// payload container the wire codec and every layer above it pass around.
package ids

import "fmt"

// ProcessID identifies a member of the fixed, statically-known group.
// Valid values are 1..N, dense, N <= MaxProcesses.
type ProcessID uint8

// MaxProcesses is the upper bound on group size the wire codec's
// BroadcastID packing and URB's AckVector bitset both depend on.
const MaxProcesses = 128

// SeqNr is a per-link sequence number. It starts at 1 on a fresh link and
// increments on every send; wraparound is not handled (spec §4.2, "Edge
// cases").
type SeqNr uint32

// MaxPayloadsPerDatagram is the protocol constant named in §4.1: a
// datagram packs at most 8 payload chunks.
const MaxPayloadsPerDatagram = 8

// Payloads is a bounded, owned-slice-of-slices container used at the API
// boundary wherever the original's variadic "up to 8 payloads" pack would
// have appeared. It never allocates beyond what the caller hands in.
type Payloads [][]byte

// Validate reports whether p respects the wire format's payload-count bound.
func (p Payloads) Validate() error {
	if len(p) > MaxPayloadsPerDatagram {
		return fmt.Errorf("ids: %d payloads exceeds the %d-payload limit", len(p), MaxPayloadsPerDatagram)
	}
	return nil
}

// BroadcastID is the 64-bit value URB packs as (originator ProcessID in the
// low 8 bits, URB SeqNr in the high bits) and carries as a datagram's
// metadata field throughout propagation (spec §3).
type BroadcastID uint64

// PackBroadcastID builds a BroadcastID from an originator and that
// originator's URB sequence number.
func PackBroadcastID(originator ProcessID, seq SeqNr) BroadcastID {
	return BroadcastID(uint64(originator) | uint64(seq)<<8)
}

// Originator extracts the low-byte originator ProcessID.
func (b BroadcastID) Originator() ProcessID {
	return ProcessID(b & 0xff)
}

// SeqNr extracts the originator's URB sequence number.
func (b BroadcastID) SeqNr() SeqNr {
	return SeqNr(b >> 8)
}

func (b BroadcastID) String() string {
	return fmt.Sprintf("broadcast{from=%d seq=%d}", b.Originator(), b.SeqNr())
}

// DeliveryKey packs a (sender ProcessID, sender SeqNr) pair into a single
// uint64 so PL's DeliveredSet can be keyed by an integer instead of hashing
// a composite struct key on the hot path (spec §9, "Design Notes").
type DeliveryKey uint64

// PackDeliveryKey builds the DeliveredSet key for a (sender, seq) pair.
func PackDeliveryKey(sender ProcessID, seq SeqNr) DeliveryKey {
	return DeliveryKey(uint64(sender) | uint64(seq)<<8)
}
