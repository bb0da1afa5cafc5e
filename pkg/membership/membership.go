// Package membership defines the data type the core accepts for a
// statically-known group of processes. Resolving a hostfile into this
// type is an external concern (spec §1, §6); this package only models
// the resulting map and validates it.
package membership

import (
	"fmt"
	"net"

	"distlayer.dev/dalattice/pkg/ids"
)

// Table maps every ProcessID in the group to the UDP address it is
// reachable at. It is identical on every node (spec §3).
type Table map[ids.ProcessID]*net.UDPAddr

// Validate checks the invariants spec §7 calls "Configuration errors":
// dense IDs starting at 1, no gaps, size within MaxProcesses, and that
// selfID is present in the table.
func Validate(t Table, selfID ids.ProcessID) error {
	if len(t) == 0 {
		return fmt.Errorf("membership: empty table")
	}
	if len(t) > ids.MaxProcesses {
		return fmt.Errorf("membership: %d processes exceeds MaxProcesses=%d", len(t), ids.MaxProcesses)
	}
	for i := 1; i <= len(t); i++ {
		if _, ok := t[ids.ProcessID(i)]; !ok {
			return fmt.Errorf("membership: process id %d missing, ids must be dense starting at 1", i)
		}
	}
	if _, ok := t[selfID]; !ok {
		return fmt.Errorf("membership: own id %d absent from membership table", selfID)
	}
	return nil
}

// N reports the group size.
func (t Table) N() int {
	return len(t)
}

// Majority returns floor(N/2)+1, the ack count at which URB delivers.
func (t Table) Majority() int {
	return t.N()/2 + 1
}
