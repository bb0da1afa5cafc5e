package beb_test

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"distlayer.dev/dalattice/pkg/beb"
	"distlayer.dev/dalattice/pkg/ids"
	"distlayer.dev/dalattice/pkg/membership"
	"distlayer.dev/dalattice/pkg/perfectlink"
)

func TestBroadcastFansOutToEveryoneIncludingSelf(t *testing.T) {
	defer goleak.VerifyNone(t)

	const n = 3
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

	broadcasts := make([]*beb.Broadcast, n)
	var mu sync.Mutex
	received := make(map[ids.ProcessID]map[ids.ProcessID]bool) // receiver -> sender -> seen
	for i := 1; i <= n; i++ {
		received[ids.ProcessID(i)] = make(map[ids.ProcessID]bool)
	}

	for i := 0; i < n; i++ {
		b := beb.New(links[i], members)
		broadcasts[i] = b
		self := ids.ProcessID(i + 1)
		b.ListenAsync(func(from ids.ProcessID, metadata []byte, payloads [][]byte) {
			mu.Lock()
			received[self][from] = true
			mu.Unlock()
		})
	}
	defer func() {
		for _, b := range broadcasts {
			b.Close()
		}
		for _, b := range broadcasts {
			b.Wait()
		}
	}()

	for i := 0; i < n; i++ {
		if err := broadcasts[i].Broadcast(nil, [][]byte{{byte(i + 1)}}); err != nil {
			t.Fatalf("broadcast from node %d: %v", i+1, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		complete := true
		for r := 1; r <= n; r++ {
			if len(received[ids.ProcessID(r)]) != n {
				complete = false
			}
		}
		mu.Unlock()
		if complete {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("not every node received every broadcast: %+v", received)
}

func TestUnknownDestinationIsRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	id := ids.ProcessID(1)
	link := perfectlink.New(id)
	if err := link.Bind("127.0.0.1", 0); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer link.Close()

	b := beb.New(link, membership.Table{id: link.LocalAddr()})
	if err := b.Send(ids.ProcessID(99), nil, nil); err == nil {
		t.Fatal("expected error sending to an unknown process id")
	}
}
