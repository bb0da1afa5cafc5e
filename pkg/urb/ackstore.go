package urb

import (
	"strconv"
	"sync"

	"github.com/ReneKroon/ttlcache"

	"distlayer.dev/dalattice/pkg/ids"
)

// ackStore is URB's `acknowledged: map<BroadcastId -> AckVector>` (spec
// §4.4) plus the per-instance seq_nr counter, both protected by the same
// mutex: spec §5 names `acknowledged_mutex` as guarding "try_emplace +
// bit-set + popcount read" as a single atomic section, and the
// own-broadcast path inserts the empty AckVector and increments seq_nr
// under that same lock. Backed by ttlcache for the same reason as PL's
// DeliveredSet (spec §9's "unbounded maps" open question: a GC hook can be
// added later by configuring a TTL without touching call sites); no TTL is
// set, so the map entry's presence never lapses (spec §3: "never removed
// in this spec").
type ackStore struct {
	mu      sync.Mutex
	cache   *ttlcache.Cache
	nextSeq ids.SeqNr
}

func newAckStore() *ackStore {
	return &ackStore{cache: ttlcache.NewCache(), nextSeq: 1}
}

func keyOf(id ids.BroadcastID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// beginOwnBroadcast allocates the next seq_nr for self, builds the
// resulting BroadcastId, and inserts its empty AckVector, all under one
// lock acquisition (spec §4.4 step 3: "Under acknowledged lock: insert
// empty AckVector for BroadcastId; increment seq_nr").
func (s *ackStore) beginOwnBroadcast(self ids.ProcessID) ids.BroadcastID {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq
	s.nextSeq++
	id := ids.PackBroadcastID(self, seq)
	s.cache.Set(keyOf(id), &ackVector{})
	return id
}

// recordAck is the receive-path try_emplace + bit-set + popcount-read
// section (spec §4.4 step 1-4, §5's acknowledged_mutex). wasNew reports
// whether this was the first sighting of id at this node; hadAcked
// reports whether sender's bit was already set before this call;
// popcount is the bit count after setting sender's bit.
func (s *ackStore) recordAck(id ids.BroadcastID, sender ids.ProcessID) (wasNew, hadAcked bool, popcount int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(id)
	v, exists := s.cache.Get(k)
	var vec *ackVector
	if exists {
		vec = v.(*ackVector)
	} else {
		vec = &ackVector{}
		s.cache.Set(k, vec)
	}
	wasNew = !exists

	idx := int(sender) - 1
	hadAcked = vec.Get(idx)
	vec.Set(idx)
	popcount = vec.PopCount()
	return
}

func (s *ackStore) close() {
	s.cache.Close()
}
