package urb_test

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"distlayer.dev/dalattice/pkg/beb"
	"distlayer.dev/dalattice/pkg/ids"
	"distlayer.dev/dalattice/pkg/membership"
	"distlayer.dev/dalattice/pkg/perfectlink"
	"distlayer.dev/dalattice/pkg/urb"
)

// node bundles one node's full PL/BEB/URB stack for the scenario tests.
type node struct {
	id  ids.ProcessID
	urb *urb.Broadcast
}

func buildNodes(t *testing.T, n int) ([]*node, membership.Table) {
	t.Helper()

	members := membership.Table{}
	links := make([]*perfectlink.Link, n)
	for i := 1; i <= n; i++ {
		id := ids.ProcessID(i)
		link := perfectlink.New(id, perfectlink.WithRetransmitTick(20*time.Millisecond))
		if err := link.Bind("127.0.0.1", 0); err != nil {
			t.Fatalf("bind node %d: %v", i, err)
		}
		members[id] = link.LocalAddr()
		links[i-1] = link
	}

	nodes := make([]*node, n)
	for i := 0; i < n; i++ {
		b := beb.New(links[i], members)
		nodes[i] = &node{id: ids.ProcessID(i + 1), urb: urb.New(b, members)}
	}
	return nodes, members
}

// TestMajorityNoFailure is spec §8 scenario S2: N=3, every node broadcasts
// v_i = i; every node must deliver all three values exactly once.
func TestMajorityNoFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	const n = 3
	nodes, _ := buildNodes(t, n)

	var mu sync.Mutex
	delivered := make(map[ids.ProcessID]map[ids.ProcessID]int) // receiver -> originator -> count
	for i := 1; i <= n; i++ {
		delivered[ids.ProcessID(i)] = make(map[ids.ProcessID]int)
	}

	for _, nd := range nodes {
		self := nd.id
		nd.urb.ListenAsync(func(originator ids.ProcessID, payload []byte) {
			mu.Lock()
			delivered[self][originator]++
			mu.Unlock()
		})
	}
	defer func() {
		for _, nd := range nodes {
			nd.urb.Close()
		}
		for _, nd := range nodes {
			nd.urb.Wait()
		}
	}()

	for _, nd := range nodes {
		if err := nd.urb.Broadcast([][]byte{{byte(nd.id)}}); err != nil {
			t.Fatalf("broadcast from %d: %v", nd.id, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		complete := true
		for r := 1; r <= n; r++ {
			if len(delivered[ids.ProcessID(r)]) != n {
				complete = false
			}
		}
		mu.Unlock()
		if complete {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for r := 1; r <= n; r++ {
		for s := 1; s <= n; s++ {
			count := delivered[ids.ProcessID(r)][ids.ProcessID(s)]
			if count != 1 {
				t.Fatalf("node %d delivered %d messages from %d, want exactly 1", r, count, s)
			}
		}
	}
}

// TestCrashedNodeNeverBroadcasts is spec §8 scenario S3: N=3, node 3 never
// broadcasts. Nodes 1 and 2 each broadcast one value; every correct node
// delivers both, and nothing from 3.
func TestCrashedNodeNeverBroadcasts(t *testing.T) {
	defer goleak.VerifyNone(t)

	const n = 3
	nodes, _ := buildNodes(t, n)

	var mu sync.Mutex
	delivered := make(map[ids.ProcessID]map[ids.ProcessID]int)
	for i := 1; i <= n; i++ {
		delivered[ids.ProcessID(i)] = make(map[ids.ProcessID]int)
	}

	for _, nd := range nodes {
		self := nd.id
		nd.urb.ListenAsync(func(originator ids.ProcessID, payload []byte) {
			mu.Lock()
			delivered[self][originator]++
			mu.Unlock()
		})
	}
	defer func() {
		for _, nd := range nodes {
			nd.urb.Close()
		}
		for _, nd := range nodes {
			nd.urb.Wait()
		}
	}()

	if err := nodes[0].urb.Broadcast([][]byte{{1}}); err != nil {
		t.Fatalf("broadcast from 1: %v", err)
	}
	if err := nodes[1].urb.Broadcast([][]byte{{2}}); err != nil {
		t.Fatalf("broadcast from 2: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		complete := len(delivered[1]) == 2 && len(delivered[2]) == 2
		mu.Unlock()
		if complete {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, r := range []ids.ProcessID{1, 2} {
		if delivered[r][1] != 1 || delivered[r][2] != 1 {
			t.Fatalf("node %d delivered %v, want exactly one each from 1 and 2", r, delivered[r])
		}
		if _, ok := delivered[r][3]; ok {
			t.Fatalf("node %d delivered something from crashed node 3", r)
		}
	}
}
