// Package wire implements the datagram codec of spec §4.1: a fixed binary
// layout packing an ACK-or-data flag, a sequence number, the sender's
// process id, an optional metadata chunk and up to eight payload chunks
// into one bounded buffer.
//
// Layout (all multi-byte fields little-endian):
//
//	[ is_ack      : 1 byte  ]
//	[ seq_nr      : 4 bytes ]
//	[ process_id  : 1 byte  ]
//	[ metadata_len: 2 bytes ][ metadata bytes ]
//	repeated 0..8 times:
//	  [ payload_len: 2 bytes ][ payload bytes ]
//
// An ACK datagram sets is_ack=1, carries the seq_nr being acknowledged and
// the acknowledger's process_id, and has zero-length metadata and no
// payload chunks; any trailing bytes in that case are ignored by the
// decoder.
package wire

import (
	"encoding/binary"
	"fmt"

	"distlayer.dev/dalattice/pkg/ids"
)

// DefaultMaxMessageSize is the bound used by the PL/BEB/URB control path
// (spec §4.1: "64 bytes for the LA-capable codec"). The lattice-agreement
// path uses a larger, per-instance bound (see pkg/lattice) because a
// Proposal's value set does not fit in 64 bytes for realistic inputs
// (spec §9, "Proposal encoding size").
const DefaultMaxMessageSize = 64

const (
	headerFixedLen = 1 /*is_ack*/ + 4 /*seq_nr*/ + 1 /*process_id*/ + 2 /*metadata_len*/
	lengthFieldLen = 2
)

// DecodeError reports a datagram that could not be parsed: too short for
// its own length fields, or otherwise truncated. Spec §7 classifies this as
// a protocol violation to be dropped by the caller, not propagated.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "wire: decode error: " + e.Reason }

// Datagram is the decoded form of a datagram. Metadata and Payloads are
// borrowed views into the buffer passed to Decode: they are valid only
// until that buffer is reused, matching the original's non-owning-slice
// semantics (spec §9, "Ownership of decoded slices"). A caller that needs
// to retain them must copy explicitly.
type Datagram struct {
	IsAck     bool
	SeqNr     ids.SeqNr
	ProcessID ids.ProcessID
	Metadata  []byte
	Payloads  [][]byte
}

// Encode writes an ACK-or-data datagram into dst and returns the number of
// bytes written. dst must be at least maxMessageSize long; Encode never
// writes past the bound it is given and fails loudly (returns an error)
// rather than truncating if the encoded form would not fit, matching
// spec §4.1 ("Encoder must fail loudly").
func Encode(dst []byte, maxMessageSize int, isAck bool, seqNr ids.SeqNr, processID ids.ProcessID, metadata []byte, payloads [][]byte) (int, error) {
	if len(payloads) > ids.MaxPayloadsPerDatagram {
		return 0, fmt.Errorf("wire: %d payloads exceeds the %d-payload limit", len(payloads), ids.MaxPayloadsPerDatagram)
	}

	size := headerFixedLen + len(metadata)
	for _, p := range payloads {
		size += lengthFieldLen + len(p)
	}
	if size > maxMessageSize {
		return 0, fmt.Errorf("wire: encoded size %d exceeds MaxMessageSize %d", size, maxMessageSize)
	}
	if len(dst) < size {
		return 0, fmt.Errorf("wire: destination buffer of %d bytes too small for %d-byte datagram", len(dst), size)
	}

	offset := 0
	if isAck {
		dst[offset] = 1
	} else {
		dst[offset] = 0
	}
	offset++

	binary.LittleEndian.PutUint32(dst[offset:], uint32(seqNr))
	offset += 4

	dst[offset] = byte(processID)
	offset++

	binary.LittleEndian.PutUint16(dst[offset:], uint16(len(metadata)))
	offset += 2
	offset += copy(dst[offset:], metadata)

	if !isAck {
		for _, p := range payloads {
			binary.LittleEndian.PutUint16(dst[offset:], uint16(len(p)))
			offset += 2
			offset += copy(dst[offset:], p)
		}
	}

	return offset, nil
}

// Decode parses a datagram out of buf. The returned Datagram's Metadata and
// Payloads slices alias buf; they must be copied by the caller if retained
// past the lifetime of buf (e.g. past the end of a receive-loop callback).
//
// Decode rejects datagrams that run past the end of buf (spec §4.1:
// "Decoder must reject or ignore datagrams that run past message_size")
// and decodes however many payload chunks are actually present rather than
// assuming exactly 8 (spec §4.1: "MUST NOT assume a fixed count").
func Decode(buf []byte) (Datagram, error) {
	if len(buf) < headerFixedLen {
		return Datagram{}, &DecodeError{Reason: fmt.Sprintf("buffer of %d bytes shorter than the %d-byte fixed header", len(buf), headerFixedLen)}
	}

	offset := 0
	isAck := buf[offset] != 0
	offset++

	seqNr := ids.SeqNr(binary.LittleEndian.Uint32(buf[offset:]))
	offset += 4

	processID := ids.ProcessID(buf[offset])
	offset++

	metaLen := int(binary.LittleEndian.Uint16(buf[offset:]))
	offset += 2
	if offset+metaLen > len(buf) {
		return Datagram{}, &DecodeError{Reason: "metadata length runs past end of buffer"}
	}
	var metadata []byte
	if metaLen > 0 {
		metadata = buf[offset : offset+metaLen]
	}
	offset += metaLen

	d := Datagram{
		IsAck:     isAck,
		SeqNr:     seqNr,
		ProcessID: processID,
		Metadata:  metadata,
	}

	if isAck {
		// ACK datagrams carry no payloads; the remainder is ignored
		// per spec §4.1.
		return d, nil
	}

	var payloads [][]byte
	for offset < len(buf) && len(payloads) < ids.MaxPayloadsPerDatagram {
		if offset+lengthFieldLen > len(buf) {
			return Datagram{}, &DecodeError{Reason: "truncated payload length field"}
		}
		plen := int(binary.LittleEndian.Uint16(buf[offset:]))
		offset += lengthFieldLen
		if offset+plen > len(buf) {
			return Datagram{}, &DecodeError{Reason: "payload length runs past end of buffer"}
		}
		var p []byte
		if plen > 0 {
			p = buf[offset : offset+plen]
		}
		payloads = append(payloads, p)
		offset += plen
	}
	d.Payloads = payloads

	return d, nil
}

// EncodedSize returns the number of bytes Encode would write for the given
// metadata and payloads, without encoding anything. Callers use this to
// decide whether they must split a send across multiple datagrams.
func EncodedSize(metadata []byte, payloads [][]byte) int {
	size := headerFixedLen + len(metadata)
	for _, p := range payloads {
		size += lengthFieldLen + len(p)
	}
	return size
}
