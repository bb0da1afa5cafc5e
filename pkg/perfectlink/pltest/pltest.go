// Package pltest provides a lossy-loopback test harness for exercising
// retransmission honestly over a real socket (spec §8, scenario S1:
// "Retransmit-under-loss is exercised by dropping 10% of UDP packets in
// test"), grounded in the teacher's test/util helper style of wiring a
// deterministic but still-real transport for multi-node scenarios.
package pltest

import (
	"math/rand"
	"net"
	"sync"
)

// LossyConn wraps a *net.UDPConn and drops a fraction of outbound
// datagrams before they reach WriteToUDP, while leaving the receive path
// untouched. It is used only in tests: production Links talk to a plain
// *net.UDPConn. Send (caller goroutine) and retransmit (listen goroutine)
// both call WriteToUDP concurrently, so the RNG is guarded by a mutex.
type LossyConn struct {
	*net.UDPConn
	dropFraction float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewLossyConn wraps conn so that a dropFraction (0..1) share of
// WriteToUDP calls silently succeed without putting anything on the wire.
func NewLossyConn(conn *net.UDPConn, dropFraction float64, seed int64) *LossyConn {
	return &LossyConn{UDPConn: conn, dropFraction: dropFraction, rng: rand.New(rand.NewSource(seed))}
}

// WriteToUDP drops the datagram (reporting a successful write, matching
// what a real lossy network would look like to the sender) with
// probability dropFraction.
func (c *LossyConn) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	c.mu.Lock()
	drop := c.rng.Float64() < c.dropFraction
	c.mu.Unlock()
	if drop {
		return len(b), nil
	}
	return c.UDPConn.WriteToUDP(b, addr)
}

// Loopback4 resolves the loopback address with an ephemeral port, for
// tests that want a real bound socket without hardcoding a port.
func Loopback4() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}
