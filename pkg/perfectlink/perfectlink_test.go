package perfectlink_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"distlayer.dev/dalattice/pkg/ids"
	"distlayer.dev/dalattice/pkg/perfectlink"
	"distlayer.dev/dalattice/pkg/perfectlink/pltest"
)

func newBoundLink(t *testing.T, id ids.ProcessID, dropFraction float64) (*perfectlink.Link, *net.UDPAddr) {
	t.Helper()

	raw, err := net.ListenUDP("udp4", pltest.Loopback4())
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	conn := pltest.NewLossyConn(raw, dropFraction, int64(id)+1)

	link := perfectlink.New(id,
		perfectlink.WithConn(conn),
		perfectlink.WithRetransmitTick(20*time.Millisecond),
	)
	return link, conn.LocalAddr().(*net.UDPAddr)
}

// TestExactlyOnceUnderLoss is spec §8 scenario S1: N=2, proc 1 sends
// values 1..1000 to proc 2 over a 10%-lossy link; every value must be
// delivered exactly once.
func TestExactlyOnceUnderLoss(t *testing.T) {
	defer goleak.VerifyNone(t)

	const count = 1000

	sender, _ := newBoundLink(t, 1, 0.1)
	receiver, receiverAddr := newBoundLink(t, 2, 0.1)
	defer sender.Close()
	defer receiver.Close()

	var mu sync.Mutex
	seen := make(map[uint32]int)
	done := make(chan struct{})

	go func() {
		_ = sender.Listen(nil)
	}()

	go func() {
		_ = receiver.Listen(func(from ids.ProcessID, metadata []byte, payloads [][]byte) {
			if from != 1 {
				t.Errorf("unexpected sender %d", from)
			}
			for _, p := range payloads {
				v := decodeUint32(p)
				mu.Lock()
				seen[v]++
				total := len(seen)
				mu.Unlock()
				if total == count {
					close(done)
				}
			}
		})
	}()

	for i := 1; i <= count; i++ {
		if err := sender.Send(receiverAddr, nil, [][]byte{encodeUint32(uint32(i))}); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		mu.Lock()
		t.Fatalf("timed out waiting for all deliveries, got %d/%d", len(seen), count)
		mu.Unlock()
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != count {
		t.Fatalf("got %d distinct values, want %d", len(seen), count)
	}
	for v, n := range seen {
		if n != 1 {
			t.Fatalf("value %d delivered %d times, want exactly once", v, n)
		}
	}
}

func TestNoDuplicateDeliveryOnDuplicateDatagram(t *testing.T) {
	defer goleak.VerifyNone(t)

	// The sender never drops its outbound data datagram, but the
	// receiver drops most of its outbound ACKs, forcing several
	// retransmits of the same datagram to actually land. The callback
	// must still fire exactly once.
	sender, _ := newBoundLink(t, 1, 0)
	receiver, receiverAddr := newBoundLink(t, 2, 0.7)
	defer sender.Close()
	defer receiver.Close()

	var calls int32
	var mu sync.Mutex
	delivered := make(chan struct{}, 1)

	go func() { _ = sender.Listen(nil) }()
	go func() {
		_ = receiver.Listen(func(from ids.ProcessID, metadata []byte, payloads [][]byte) {
			mu.Lock()
			calls++
			mu.Unlock()
			select {
			case delivered <- struct{}{}:
			default:
			}
		})
	}()

	if err := sender.Send(receiverAddr, nil, [][]byte{{1, 2, 3}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	// Give a few retransmit ticks time to land as duplicates.
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("callback invoked %d times, want exactly 1", calls)
	}
}

func encodeUint32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func decodeUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
