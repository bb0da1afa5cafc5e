package urb

import "math/bits"

// ackVector is spec §3's URB.AckVector: a bitset of N bits (N <=
// ids.MaxProcesses = 128) keyed by BroadcastID, bit k set iff process
// (k+1) has been observed to have seen this broadcast.
type ackVector struct {
	words [2]uint64 // bit i lives in words[i/64], bit i%64
}

func (v *ackVector) Set(bit int) {
	v.words[bit/64] |= 1 << uint(bit%64)
}

func (v *ackVector) Get(bit int) bool {
	return v.words[bit/64]&(1<<uint(bit%64)) != 0
}

func (v *ackVector) PopCount() int {
	return bits.OnesCount64(v.words[0]) + bits.OnesCount64(v.words[1])
}
