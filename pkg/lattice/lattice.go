// Package lattice implements spec §4.5: Lattice Agreement, a one-round-
// per-agreement propose/ack/nack state machine over Best-Effort
// Broadcast that decides a set comparable across processes.
package lattice

import (
	"fmt"
	"sync"

	"distlayer.dev/dalattice/pkg/beb"
	"distlayer.dev/dalattice/pkg/ids"
	"distlayer.dev/dalattice/pkg/logging"
	"distlayer.dev/dalattice/pkg/membership"
	"distlayer.dev/dalattice/pkg/metrics"
	"distlayer.dev/dalattice/pkg/semaphore"
	"distlayer.dev/dalattice/pkg/wire"
)

// DefaultMaxInFlight is the send_gate capacity for LA (spec §4.5 step 1:
// "cap MAX_IN_FLIGHT, small; 1 is acceptable").
const DefaultMaxInFlight = 1

// DecideCallback is invoked once per agreement_nr, when this node decides
// (spec §4.5, "Decide: invoke the user callback with proposed_value").
type DecideCallback func(agreementNr uint32, values []uint32)

// agreementState is spec §3's LA.Agreement.
type agreementState struct {
	ackCount      int
	nackCount     int
	proposedValue valueSet
	acceptedValue valueSet
	proposalNr    uint32
	hasDecided    bool
}

func newAgreementState() *agreementState {
	return &agreementState{proposedValue: valueSet{}, acceptedValue: valueSet{}}
}

// Agreement is one node's Lattice Agreement endpoint, handling any number
// of concurrent agreement numbers.
type Agreement struct {
	beb     *beb.Broadcast
	members membership.Table

	uniqueProposals int

	log     logging.Logger
	metrics *metrics.Set

	sendGate *semaphore.Semaphore

	// cb is the decide callback registered via Listen/ListenAsync. A
	// decision can land from an incoming Ack/Nack handled on the
	// receive-loop goroutine well after Propose has returned on the
	// caller's goroutine, so the callback must be a long-lived
	// registration rather than a per-Propose-call argument (mirroring
	// how pkg/beb and pkg/urb register their callback once via Listen).
	cbMu sync.RWMutex
	cb   DecideCallback

	mu              sync.Mutex
	agreements      map[uint32]*agreementState
	nextAgreementNr uint32
}

// Option configures an Agreement at construction time.
type Option func(*Agreement)

// WithMaxInFlight overrides DefaultMaxInFlight.
func WithMaxInFlight(n int) Option {
	return func(a *Agreement) { a.sendGate = semaphore.New(n) }
}

// WithLogger supplies a Logger; the default is a development logger named "la".
func WithLogger(log logging.Logger) Option {
	return func(a *Agreement) { a.log = log }
}

// WithMetrics attaches a metrics.Set; nil (the default) disables metrics.
func WithMetrics(m *metrics.Set) Option {
	return func(a *Agreement) { a.metrics = m }
}

// New wraps a BEB endpoint with LA's propose/ack/nack state machine.
// uniqueProposals is the early-decision bound named `ds` in spec §6
// (supplied at construction per `original_source/include/
// lattice_agreement.hpp`, not discovered at runtime). New fails loudly
// (spec §9, "Proposal encoding size") if the underlying link's codec
// bound cannot fit a Proposal message carrying uniqueProposals values,
// rather than letting that surface as a runtime abort.
func New(underlying *beb.Broadcast, members membership.Table, uniqueProposals int, opts ...Option) (*Agreement, error) {
	if uniqueProposals <= 0 {
		return nil, fmt.Errorf("lattice: uniqueProposals must be positive, got %d", uniqueProposals)
	}

	required := wire.EncodedSize(nil, [][]byte{make([]byte, encodedMessageSize(uniqueProposals))})
	if available := underlying.MaxMessageSize(); required > available {
		return nil, fmt.Errorf("lattice: a Proposal carrying %d values needs a %d-byte datagram but the link's MaxMessageSize is %d; raise perfectlink.WithMaxMessageSize", uniqueProposals, required, available)
	}

	a := &Agreement{
		beb:             underlying,
		members:         members,
		uniqueProposals: uniqueProposals,
		log:             logging.NewDevelopmentLogger("la"),
		sendGate:        semaphore.New(DefaultMaxInFlight),
		agreements:      make(map[uint32]*agreementState),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// ID returns this endpoint's process id.
func (a *Agreement) ID() ids.ProcessID { return a.beb.ID() }

// Bind binds the underlying stack.
func (a *Agreement) Bind(host string, port int) error { return a.beb.Bind(host, port) }

func (a *Agreement) getOrCreateLocked(agreementNr uint32) *agreementState {
	ag, ok := a.agreements[agreementNr]
	if !ok {
		ag = newAgreementState()
		a.agreements[agreementNr] = ag
	}
	return ag
}

// decideLocked is spec §4.5's Decide routine, minus the parts that must
// run outside the agreements lock (invoking the user callback, releasing
// send_gate). The caller still holds a.mu. firstTime is false if this
// agreement had already decided (decide must fire exactly once per
// agreement_nr).
func (a *Agreement) decideLocked(ag *agreementState) (values []uint32, firstTime bool) {
	if ag.hasDecided {
		return nil, false
	}
	ag.hasDecided = true
	if len(ag.proposedValue) == a.uniqueProposals {
		// "additionally fold proposed_value into accepted_value — this
		// lets us ack peer proposals immediately with the full set."
		ag.acceptedValue.insertAll(ag.proposedValue)
	}
	return ag.proposedValue.list(), true
}

// checkNacksLocked is spec §4.5's check_nacks, called with a.mu held.
func (a *Agreement) checkNacksLocked(ag *agreementState, agreementNr uint32) (payload []byte, advanced bool) {
	if 2*(ag.ackCount+ag.nackCount) < a.members.N() {
		return nil, false
	}
	ag.proposalNr++
	ag.ackCount = 0
	ag.nackCount = 0
	return encodeMessage(kindProposal, agreementNr, ag.proposalNr, ag.proposedValue.list()), true
}

// finish runs the side effects decideLocked/checkNacksLocked deferred
// until after a.mu was released: the user callback, send_gate release,
// and/or a new Proposal broadcast (spec §5: "callbacks fire with no layer
// lock held").
func (a *Agreement) finish(agreementNr uint32, decided bool, decideValues []uint32, broadcastPayload []byte, advanced bool) error {
	if decided {
		a.metrics.IncDecisions()
		a.cbMu.RLock()
		cb := a.cb
		a.cbMu.RUnlock()
		if cb != nil {
			cb(agreementNr, decideValues)
		}
		a.sendGate.Release()
		return nil
	}
	if advanced {
		a.metrics.IncRounds()
		return a.beb.Broadcast(nil, [][]byte{broadcastPayload})
	}
	return nil
}

// Propose is spec §4.5's propose(values): acquire send_gate, fold values
// into a fresh agreement's proposed_value, and either decide immediately
// (if the early-decision bound is already met) or broadcast a Proposal.
// The decision (whether reached here or later, asynchronously, via an
// incoming Ack/Nack) is reported through the callback registered with
// Listen/ListenAsync, not through Propose's return value (spec §7: "no
// result-or-error surface is needed on the critical path").
func (a *Agreement) Propose(values []uint32) error {
	a.sendGate.Acquire()

	a.mu.Lock()
	agreementNr := a.nextAgreementNr
	a.nextAgreementNr++
	ag := a.getOrCreateLocked(agreementNr)
	ag.proposedValue.insertAll(newValueSet(values...))

	var (
		decideValues     []uint32
		decided          bool
		broadcastPayload []byte
	)
	if len(ag.proposedValue) == a.uniqueProposals {
		decideValues, decided = a.decideLocked(ag)
	} else {
		broadcastPayload = encodeMessage(kindProposal, agreementNr, ag.proposalNr, ag.proposedValue.list())
	}
	a.mu.Unlock()

	return a.finish(agreementNr, decided, decideValues, broadcastPayload, !decided)
}

// Listen is the LA receive path, dispatching each decoded message to the
// acceptor or proposer handlers named in spec §4.5, and registers cb as
// the decide callback: it fires once per agreement_nr this node decides.
// Only agreements this node proposed are decided here (in Propose or on an
// incoming Ack/Nack); acting as an acceptor never triggers a decision.
func (a *Agreement) Listen(cb DecideCallback) error {
	a.cbMu.Lock()
	a.cb = cb
	a.cbMu.Unlock()
	return a.beb.Listen(func(sender ids.ProcessID, metadata []byte, payloads [][]byte) {
		a.handle(sender, payloads)
	})
}

// ListenAsync spawns the receive loop in the background.
func (a *Agreement) ListenAsync(cb DecideCallback) {
	a.cbMu.Lock()
	a.cb = cb
	a.cbMu.Unlock()
	a.beb.ListenAsync(func(sender ids.ProcessID, metadata []byte, payloads [][]byte) {
		a.handle(sender, payloads)
	})
}

// Wait joins any goroutine started via ListenAsync.
func (a *Agreement) Wait() { a.beb.Wait() }

// Close shuts down the underlying stack.
func (a *Agreement) Close() error { return a.beb.Close() }

func (a *Agreement) handle(sender ids.ProcessID, payloads [][]byte) {
	for _, payload := range payloads {
		m, err := decodeMessage(payload)
		if err != nil {
			a.log.Debugf("lattice: dropping bad message from %d: %v", sender, err)
			continue
		}
		switch m.kind {
		case kindProposal:
			a.handleProposal(sender, m)
		case kindAck:
			a.handleAck(sender, m)
		case kindNack:
			a.handleNack(sender, m)
		}
	}
}

// handleProposal is spec §4.5's acceptor algorithm.
func (a *Agreement) handleProposal(sender ids.ProcessID, m message) {
	incoming := newValueSet(m.values...)

	a.mu.Lock()
	ag := a.getOrCreateLocked(m.agreementNr)
	diff := ag.acceptedValue.difference(incoming)
	ag.acceptedValue.insertAll(incoming)
	var reply []byte
	if len(diff) == 0 {
		reply = encodeMessage(kindAck, m.agreementNr, m.proposalNr, nil)
	} else {
		reply = encodeMessage(kindNack, m.agreementNr, m.proposalNr, diff)
	}
	a.mu.Unlock()

	if err := a.beb.Send(sender, nil, [][]byte{reply}); err != nil {
		a.log.Warnf("lattice: reply to %d for agreement %d failed: %v", sender, m.agreementNr, err)
	}
}

// handleAck is spec §4.5's "Proposer on Ack".
func (a *Agreement) handleAck(sender ids.ProcessID, m message) {
	a.mu.Lock()
	ag, ok := a.agreements[m.agreementNr]
	if !ok || ag.hasDecided || m.proposalNr != ag.proposalNr {
		a.mu.Unlock()
		return
	}
	ag.ackCount++

	var (
		decideValues     []uint32
		decided          bool
		broadcastPayload []byte
		advanced         bool
	)
	if 2*ag.ackCount >= a.members.N() {
		decideValues, decided = a.decideLocked(ag)
	} else {
		broadcastPayload, advanced = a.checkNacksLocked(ag, m.agreementNr)
	}
	a.mu.Unlock()

	if err := a.finish(m.agreementNr, decided, decideValues, broadcastPayload, advanced); err != nil {
		a.log.Warnf("lattice: advancing round for agreement %d failed: %v", m.agreementNr, err)
	}
}

// handleNack is spec §4.5's "Proposer on Nack".
func (a *Agreement) handleNack(sender ids.ProcessID, m message) {
	a.mu.Lock()
	ag, ok := a.agreements[m.agreementNr]
	if !ok || ag.hasDecided || m.proposalNr != ag.proposalNr {
		a.mu.Unlock()
		return
	}
	ag.proposedValue.insertAll(newValueSet(m.values...))
	ag.nackCount++

	var (
		decideValues     []uint32
		decided          bool
		broadcastPayload []byte
		advanced         bool
	)
	if len(ag.proposedValue) == a.uniqueProposals {
		decideValues, decided = a.decideLocked(ag)
	} else {
		broadcastPayload, advanced = a.checkNacksLocked(ag, m.agreementNr)
	}
	a.mu.Unlock()

	if err := a.finish(m.agreementNr, decided, decideValues, broadcastPayload, advanced); err != nil {
		a.log.Warnf("lattice: advancing round for agreement %d failed: %v", m.agreementNr, err)
	}
}
