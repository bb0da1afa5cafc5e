// Package beb implements spec §4.3: Best-Effort Broadcast, a thin fan-out
// of Perfect Link sends to every known process. All reliability comes
// from the Perfect Link layer below (or the Uniform Reliable Broadcast
// layer above); BEB itself holds no per-broadcast state.
package beb

import (
	"fmt"

	"distlayer.dev/dalattice/pkg/ids"
	"distlayer.dev/dalattice/pkg/membership"
	"distlayer.dev/dalattice/pkg/perfectlink"
)

// Broadcast is a Best-Effort Broadcast endpoint over a fixed membership.
type Broadcast struct {
	link    *perfectlink.Link
	members membership.Table
}

// New wraps an already-constructed (but not necessarily bound) Perfect
// Link with the group's membership table.
func New(link *perfectlink.Link, members membership.Table) *Broadcast {
	return &Broadcast{link: link, members: members}
}

// ID returns the underlying link's process id.
func (b *Broadcast) ID() ids.ProcessID { return b.link.ID() }

// MaxMessageSize reports the underlying link's codec bound.
func (b *Broadcast) MaxMessageSize() int { return b.link.MaxMessageSize() }

// Bind binds the underlying Perfect Link.
func (b *Broadcast) Bind(host string, port int) error {
	return b.link.Bind(host, port)
}

// Broadcast issues one PL.Send per known process, including self (spec
// §4.3: "broadcast(...) issues one PL.send per known process (including
// self)").
func (b *Broadcast) Broadcast(metadata []byte, payloads [][]byte) error {
	for _, addr := range b.members {
		if err := b.link.Send(addr, metadata, payloads); err != nil {
			return err
		}
	}
	return nil
}

// Send is a pass-through to PL.Send for unicast to a single address (spec
// §4.3: "send(host, port, ...) is a pass-through").
func (b *Broadcast) Send(dst ids.ProcessID, metadata []byte, payloads [][]byte) error {
	addr, ok := b.members[dst]
	if !ok {
		return fmt.Errorf("beb: process %d not in membership table", dst)
	}
	return b.link.Send(addr, metadata, payloads)
}

// Listen is a pass-through to PL.Listen.
func (b *Broadcast) Listen(cb perfectlink.ListenCallback) error {
	return b.link.Listen(cb)
}

// ListenAsync spawns the receive loop in the background.
func (b *Broadcast) ListenAsync(cb perfectlink.ListenCallback) {
	b.link.ListenAsync(cb)
}

// Wait joins any goroutine started via ListenAsync.
func (b *Broadcast) Wait() { b.link.Wait() }

// Close shuts down the underlying Perfect Link.
func (b *Broadcast) Close() error { return b.link.Close() }

// Members returns the membership table this broadcast fans out over.
func (b *Broadcast) Members() membership.Table { return b.members }
