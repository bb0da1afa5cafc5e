package lattice_test

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"distlayer.dev/dalattice/pkg/beb"
	"distlayer.dev/dalattice/pkg/ids"
	"distlayer.dev/dalattice/pkg/lattice"
	"distlayer.dev/dalattice/pkg/membership"
	"distlayer.dev/dalattice/pkg/perfectlink"
)

func buildAgreements(t *testing.T, n, uniqueProposals int) ([]*lattice.Agreement, membership.Table) {
	t.Helper()

	members := membership.Table{}
	links := make([]*perfectlink.Link, n)
	for i := 1; i <= n; i++ {
		id := ids.ProcessID(i)
		link := perfectlink.New(id,
			perfectlink.WithRetransmitTick(20*time.Millisecond),
			perfectlink.WithMaxMessageSize(2048),
		)
		if err := link.Bind("127.0.0.1", 0); err != nil {
			t.Fatalf("bind node %d: %v", i, err)
		}
		members[id] = link.LocalAddr()
		links[i-1] = link
	}

	agreements := make([]*lattice.Agreement, n)
	for i := 0; i < n; i++ {
		b := beb.New(links[i], members)
		a, err := lattice.New(b, members, uniqueProposals)
		if err != nil {
			t.Fatalf("lattice.New node %d: %v", i+1, err)
		}
		agreements[i] = a
	}
	return agreements, members
}

// TestSingleProposerDecides is spec §8 scenario S5 in its simplest form:
// one node proposes a singleton set under unique_proposals=1, which
// forces immediate local decision without a broadcast round.
func TestSingleProposerDecides(t *testing.T) {
	defer goleak.VerifyNone(t)

	const n = 3
	agreements, _ := buildAgreements(t, n, 1)

	var mu sync.Mutex
	decided := make(map[ids.ProcessID][]uint32)

	for i, a := range agreements {
		self := ids.ProcessID(i + 1)
		a.ListenAsync(func(agreementNr uint32, values []uint32) {
			mu.Lock()
			decided[self] = values
			mu.Unlock()
		})
	}
	defer func() {
		for _, a := range agreements {
			a.Close()
		}
		for _, a := range agreements {
			a.Wait()
		}
	}()

	if err := agreements[0].Propose([]uint32{42}); err != nil {
		t.Fatalf("propose: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := decided[1]
		mu.Unlock()
		if len(got) == 1 && got[0] == 42 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("node 1 never decided {42}, got %v", decided[1])
}

// TestContendingProposersDecideComparableSets is spec §8 scenario S6:
// N=3, each proposes a distinct singleton {1}, {2}, {3} under
// unique_proposals=3. Depending on timing a node may decide before it has
// seen every proposal, so decisions need not be equal; every node must
// decide a non-empty set and any two decided sets must be comparable.
func TestContendingProposersDecideComparableSets(t *testing.T) {
	defer goleak.VerifyNone(t)

	const n = 3
	agreements, _ := buildAgreements(t, n, 3)

	var mu sync.Mutex
	decided := make(map[ids.ProcessID][]uint32)

	for i, a := range agreements {
		self := ids.ProcessID(i + 1)
		a.ListenAsync(func(agreementNr uint32, values []uint32) {
			mu.Lock()
			if _, ok := decided[self]; !ok {
				decided[self] = values
			}
			mu.Unlock()
		})
	}
	defer func() {
		for _, a := range agreements {
			a.Close()
		}
		for _, a := range agreements {
			a.Wait()
		}
	}()

	for i, a := range agreements {
		if err := a.Propose([]uint32{uint32(i + 1)}); err != nil {
			t.Fatalf("propose from node %d: %v", i+1, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		complete := len(decided) == n
		mu.Unlock()
		if complete {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(decided) != n {
		t.Fatalf("not every node decided: %v", decided)
	}
	for r := 1; r <= n; r++ {
		got := decided[ids.ProcessID(r)]
		if len(got) == 0 {
			t.Fatalf("node %d decided an empty set", r)
		}
	}
	// Comparability: any two decided sets must be related by inclusion.
	for a := 1; a <= n; a++ {
		for b := 1; b <= n; b++ {
			if !isSubset(decided[ids.ProcessID(a)], decided[ids.ProcessID(b)]) &&
				!isSubset(decided[ids.ProcessID(b)], decided[ids.ProcessID(a)]) {
				t.Fatalf("decided sets for %d and %d are incomparable: %v vs %v", a, b, decided[ids.ProcessID(a)], decided[ids.ProcessID(b)])
			}
		}
	}
}

func isSubset(a, b []uint32) bool {
	set := make(map[uint32]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	for _, v := range a {
		if !set[v] {
			return false
		}
	}
	return true
}
