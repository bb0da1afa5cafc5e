package fifo_test

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"distlayer.dev/dalattice/pkg/beb"
	"distlayer.dev/dalattice/pkg/fifo"
	"distlayer.dev/dalattice/pkg/ids"
	"distlayer.dev/dalattice/pkg/membership"
	"distlayer.dev/dalattice/pkg/perfectlink"
	"distlayer.dev/dalattice/pkg/urb"
)

// TestDeliversInSenderOrder broadcasts several values in quick succession
// from one node and checks every node, the sender included, observes them in the order
// they were sent, even though URB delivery order need not match send
// order (spec §5).
func TestDeliversInSenderOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	const n = 3
	const count = 30

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

	filters := make([]*fifo.Filter, n)
	for i := 0; i < n; i++ {
		b := beb.New(links[i], members)
		u := urb.New(b, members)
		filters[i] = fifo.New(u)
	}

	var mu sync.Mutex
	seqByReceiver := make(map[ids.ProcessID][]byte)
	for i := 1; i <= n; i++ {
		seqByReceiver[ids.ProcessID(i)] = nil
	}

	for i, f := range filters {
		self := ids.ProcessID(i + 1)
		f.ListenAsync(func(originator ids.ProcessID, payload []byte) {
			if originator != 1 {
				return
			}
			mu.Lock()
			seqByReceiver[self] = append(seqByReceiver[self], payload[0])
			mu.Unlock()
		})
	}
	defer func() {
		for _, f := range filters {
			f.Close()
		}
		for _, f := range filters {
			f.Wait()
		}
	}()

	for v := 0; v < count; v++ {
		if err := filters[0].Broadcast([][]byte{{byte(v)}}); err != nil {
			t.Fatalf("broadcast %d: %v", v, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		complete := true
		for r := 1; r <= n; r++ {
			if len(seqByReceiver[ids.ProcessID(r)]) != count {
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
		got := seqByReceiver[ids.ProcessID(r)]
		if len(got) != count {
			t.Fatalf("node %d received %d values, want %d", r, len(got), count)
		}
		for i, v := range got {
			if int(v) != i {
				t.Fatalf("node %d received out of order: %v", r, got)
			}
		}
	}
}
