package perfectlink

import (
	"strconv"
	"sync"

	"github.com/ReneKroon/ttlcache"

	"distlayer.dev/dalattice/pkg/ids"
)

// deliveredSet is PL.DeliveredSet (spec §3): the set of (sender, seq)
// pairs ever accepted as a fresh receipt at this node. It backs onto
// ttlcache so that a future low-water-mark eviction policy (spec §9,
// "Unbounded maps" open question) can be layered on by calling SetTTL
// without touching call sites; no TTL is configured today, so entries are
// never evicted, preserving the spec's "never removed in this spec"
// invariant.
//
// ttlcache's own locking guards its internal map, but the spec requires
// the insert-and-report-newness check to be atomic as a whole (§5,
// "delivered_mutex: guards the delivered set; held only across the atomic
// insert and report newness operation"), so deliveredSet adds its own
// mutex around the Get+Set pair.
type deliveredSet struct {
	mu    sync.Mutex
	cache *ttlcache.Cache
}

func newDeliveredSet() *deliveredSet {
	return &deliveredSet{cache: ttlcache.NewCache()}
}

// tryInsert reports whether key was newly inserted (true) or was already
// present (false), atomically with respect to other callers of tryInsert.
func (d *deliveredSet) tryInsert(key ids.DeliveryKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := strconv.FormatUint(uint64(key), 10)
	if _, exists := d.cache.Get(k); exists {
		return false
	}
	d.cache.Set(k, struct{}{})
	return true
}

func (d *deliveredSet) close() {
	d.cache.Close()
}
