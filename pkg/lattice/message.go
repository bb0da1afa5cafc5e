package lattice

import (
	"encoding/binary"
	"fmt"
)

// messageKind is the 1-byte discriminant of an LA payload (spec §4.5).
type messageKind uint8

const (
	kindProposal messageKind = 0
	kindAck      messageKind = 1
	kindNack     messageKind = 2
)

// messageHeaderLen is kind(1) + agreement_nr(4) + proposal_nr(4).
const messageHeaderLen = 1 + 4 + 4

// message is the decoded form of an LA datagram payload: kind,
// agreement_nr, proposal_nr, and a tightly packed sequence of 4-byte LE
// values (spec §4.5's wire layout).
type message struct {
	kind        messageKind
	agreementNr uint32
	proposalNr  uint32
	values      []uint32
}

// encodeMessage packs kind/agreementNr/proposalNr/values into the single
// payload chunk LA messages travel as (spec §4.5: "carried in the
// datagram payload, not metadata").
func encodeMessage(kind messageKind, agreementNr, proposalNr uint32, values []uint32) []byte {
	buf := make([]byte, messageHeaderLen+4*len(values))
	buf[0] = byte(kind)
	binary.LittleEndian.PutUint32(buf[1:], agreementNr)
	binary.LittleEndian.PutUint32(buf[5:], proposalNr)
	offset := messageHeaderLen
	for _, v := range values {
		binary.LittleEndian.PutUint32(buf[offset:], v)
		offset += 4
	}
	return buf
}

func decodeMessage(payload []byte) (message, error) {
	if len(payload) < messageHeaderLen {
		return message{}, fmt.Errorf("lattice: payload of %d bytes shorter than the %d-byte message header", len(payload), messageHeaderLen)
	}
	if (len(payload)-messageHeaderLen)%4 != 0 {
		return message{}, fmt.Errorf("lattice: payload trailer of %d bytes is not a whole number of 4-byte values", len(payload)-messageHeaderLen)
	}

	m := message{
		kind:        messageKind(payload[0]),
		agreementNr: binary.LittleEndian.Uint32(payload[1:]),
		proposalNr:  binary.LittleEndian.Uint32(payload[5:]),
	}
	if m.kind != kindProposal && m.kind != kindAck && m.kind != kindNack {
		return message{}, fmt.Errorf("lattice: unknown message kind %d", payload[0])
	}

	n := (len(payload) - messageHeaderLen) / 4
	if n > 0 {
		m.values = make([]uint32, n)
		offset := messageHeaderLen
		for i := range m.values {
			m.values[i] = binary.LittleEndian.Uint32(payload[offset:])
			offset += 4
		}
	}
	return m, nil
}

// encodedMessageSize is the payload size encodeMessage would produce for
// numValues values, used by New to size-check the codec bound without
// building a throwaway message.
func encodedMessageSize(numValues int) int {
	return messageHeaderLen + 4*numValues
}
