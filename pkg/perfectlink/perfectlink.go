// Package perfectlink implements spec §4.2: reliable, exactly-once,
// authenticated unicast over UDP with stop-and-retransmit and dedup.
//
// Validity: while correct, a destination eventually ACKs any datagram
// still in PendingMessages, because every non-ACK receipt is ACKed
// regardless of whether it is a duplicate. No duplication: the callback
// only fires on the first successful insertion into DeliveredSet. No
// creation: a callback fires only for bytes the sending process actually
// wrote to the wire and that the decoder accepted.
package perfectlink

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"distlayer.dev/dalattice/pkg/concurrent"
	"distlayer.dev/dalattice/pkg/ids"
	"distlayer.dev/dalattice/pkg/logging"
	"distlayer.dev/dalattice/pkg/metrics"
	"distlayer.dev/dalattice/pkg/wire"
)

// DefaultRetransmitTick is the retransmit-tick duration named in spec
// §4.2 ("the retransmit tick, e.g. 200ms").
const DefaultRetransmitTick = 200 * time.Millisecond

// ListenCallback is invoked once per newly delivered datagram. metadata and
// payloads are borrowed views valid only for the duration of the call
// (spec §9, "Ownership of decoded slices"); retain them only via an
// explicit copy.
type ListenCallback func(sender ids.ProcessID, metadata []byte, payloads [][]byte)

// pendingMessage is spec §3's PL.PendingMessage: an outbound, not-yet-acked
// datagram eligible for retransmission.
type pendingMessage struct {
	addr    *net.UDPAddr
	encoded []byte
	length  int
}

// Conn is the subset of *net.UDPConn a Link needs. Bind constructs a real
// *net.UDPConn; WithConn lets tests substitute a wrapper (e.g.
// pkg/perfectlink/pltest's lossy conn) that still round-trips through a
// real socket.
type Conn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// Link is one Perfect Link endpoint: one UDP socket, one send path, one
// receive loop.
type Link struct {
	id ids.ProcessID

	retransmitTick time.Duration
	maxMessageSize int

	log     logging.Logger
	metrics *metrics.Set

	conn Conn

	seqCounter uint32 // atomic; next SeqNr is seqCounter+1 relative to Send calls

	pendingMu sync.Mutex
	pending   map[ids.SeqNr]*pendingMessage

	delivered *deliveredSet

	done    concurrent.Flag
	invoker *concurrent.Invoker
}

// Option configures a Link at construction time.
type Option func(*Link)

// WithRetransmitTick overrides DefaultRetransmitTick.
func WithRetransmitTick(d time.Duration) Option {
	return func(l *Link) { l.retransmitTick = d }
}

// WithMaxMessageSize overrides wire.DefaultMaxMessageSize, needed by
// callers (e.g. pkg/lattice) whose payloads do not fit in 64 bytes.
func WithMaxMessageSize(n int) Option {
	return func(l *Link) { l.maxMessageSize = n }
}

// WithLogger supplies a Logger; the default is a development logger named
// "pl".
func WithLogger(log logging.Logger) Option {
	return func(l *Link) { l.log = log }
}

// WithMetrics attaches a metrics.Set; nil (the default) disables metrics.
func WithMetrics(m *metrics.Set) Option {
	return func(l *Link) { l.metrics = m }
}

// WithConn injects a pre-built Conn instead of letting Bind construct one,
// so tests can wrap a real socket (e.g. to drop a fraction of outbound
// datagrams, spec §8 scenario S1). A Link built with this option is
// already bound: any call to Bind on it returns an error.
func WithConn(c Conn) Option {
	return func(l *Link) { l.conn = c }
}

// New constructs a Link for the given process id. No network activity
// happens until Bind is called (spec §4.2: "new(id): construct, no
// network activity").
func New(id ids.ProcessID, opts ...Option) *Link {
	l := &Link{
		id:             id,
		retransmitTick: DefaultRetransmitTick,
		maxMessageSize: wire.DefaultMaxMessageSize,
		log:            logging.NewDevelopmentLogger("pl"),
		pending:        make(map[ids.SeqNr]*pendingMessage),
		delivered:      newDeliveredSet(),
		invoker:        concurrent.NewInvoker(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ID returns this link's process id.
func (l *Link) ID() ids.ProcessID { return l.id }

// MaxMessageSize reports the codec bound this Link was constructed with,
// so upstream layers (e.g. pkg/lattice) whose payloads scale with a
// configured parameter can size themselves against it at construction
// time instead of discovering an overflow on the wire (spec §9,
// "Proposal encoding size").
func (l *Link) MaxMessageSize() int { return l.maxMessageSize }

// Bind creates and binds the UDP socket this Link will send and receive
// on. It is idempotent-fails: calling Bind twice (or calling it on a Link
// built with WithConn) returns an error rather than rebinding (spec §4.2:
// "Idempotently fails if already bound").
func (l *Link) Bind(host string, port int) error {
	if l.conn != nil {
		return fmt.Errorf("perfectlink: already bound")
	}
	return l.bindReal(host, port)
}

// LocalAddr reports the bound socket's address. Useful for tests that bind
// on an ephemeral port.
func (l *Link) LocalAddr() *net.UDPAddr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// bindReal is split out from Bind so WithConn-injected links can skip it.
func (l *Link) bindReal(host string, port int) error {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("perfectlink: bind %s:%d: %w", host, port, err)
	}
	l.conn = conn
	return nil
}

// Send encodes and transmits one datagram to dst, recording a
// PendingMessage under the next local SeqNr before the first transmit so
// that the retransmit loop (running concurrently on another goroutine) can
// never race ahead of it. It returns immediately; it does not wait for an
// ACK (spec §4.2). Thread-safe: concurrent Send calls each observe a
// unique SeqNr via an atomic counter.
func (l *Link) Send(dst *net.UDPAddr, metadata []byte, payloads [][]byte) error {
	if l.conn == nil {
		return fmt.Errorf("perfectlink: send before bind")
	}
	if err := ids.Payloads(payloads).Validate(); err != nil {
		return err
	}

	seq := ids.SeqNr(atomic.AddUint32(&l.seqCounter, 1))

	buf := make([]byte, l.maxMessageSize)
	n, err := wire.Encode(buf, l.maxMessageSize, false, seq, l.id, metadata, payloads)
	if err != nil {
		return err
	}

	l.pendingMu.Lock()
	l.pending[seq] = &pendingMessage{addr: dst, encoded: buf, length: n}
	l.pendingMu.Unlock()
	l.metrics.IncPending(1)

	l.transmit(buf[:n], dst)
	return nil
}

// transmit performs the raw sendto and swallows transient errors, per
// spec §7: "A transient send failure with pipe-like errno MAY be
// swallowed; other errors are logged but do not kill the listener."
func (l *Link) transmit(buf []byte, dst *net.UDPAddr) {
	if _, err := l.conn.WriteToUDP(buf, dst); err != nil {
		if isTransientSendError(err) {
			l.log.Debugf("pl: transient send error to %s: %v", dst, err)
			return
		}
		l.log.Warnf("pl: send error to %s: %v", dst, err)
	}
}

func isTransientSendError(err error) bool {
	// EPIPE-class errors (spec §4.2: "A transient send failure with
	// pipe-like errno MAY be swallowed") happen on a connectionless UDP
	// socket when a previous ICMP port-unreachable landed on it; the
	// destination may still come back, so the PendingMessage stays in
	// place and a later retransmit tick tries again.
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNREFUSED)
}

// ListenAsync spawns the receive loop on a goroutine owned by this Link's
// Invoker instead of blocking the caller, for layers (BEB/URB/LA) that
// need their constructor to return with the loop already running. Wait
// joins it back during shutdown.
func (l *Link) ListenAsync(cb ListenCallback) {
	l.invoker.Spawn(func() {
		if err := l.Listen(cb); err != nil {
			l.log.Errorf("pl: listen: %v", err)
		}
	})
}

// Wait blocks until every goroutine spawned via ListenAsync has returned.
func (l *Link) Wait() {
	l.invoker.Wait()
}

// Listen takes ownership of the receive loop on the calling goroutine. It
// runs until Close is called. Every freshly delivered datagram invokes cb
// exactly once (spec §4.2, "Exactly-once guarantee").
func (l *Link) Listen(cb ListenCallback) error {
	if l.conn == nil {
		return fmt.Errorf("perfectlink: listen before bind")
	}

	buf := make([]byte, l.maxMessageSize)
	for {
		if l.done.IsInactive() {
			return nil
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(l.retransmitTick)); err != nil {
			l.log.Warnf("pl: set read deadline: %v", err)
		}

		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if l.done.IsInactive() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				l.retransmitAllPending()
				continue
			}
			// Anything else (malformed socket state, etc.) is logged
			// and the loop continues; it is not fatal (spec §7).
			l.log.Warnf("pl: recv error: %v", err)
			continue
		}

		l.handleDatagram(buf[:n], addr, cb)
	}
}

// retransmitAllPending fires on every retransmit tick (spec §4.2 step 2):
// each entry still in PendingMessages is retransmitted exactly once.
func (l *Link) retransmitAllPending() {
	l.pendingMu.Lock()
	// Copy references out before releasing the lock: the lock must never
	// be held across I/O (spec §5).
	type outbound struct {
		addr *net.UDPAddr
		buf  []byte
	}
	batch := make([]outbound, 0, len(l.pending))
	for _, pm := range l.pending {
		batch = append(batch, outbound{addr: pm.addr, buf: pm.encoded[:pm.length]})
	}
	l.pendingMu.Unlock()

	for _, o := range batch {
		l.transmit(o.buf, o.addr)
		l.metrics.IncRetransmits()
	}
}

func (l *Link) handleDatagram(buf []byte, addr *net.UDPAddr, cb ListenCallback) {
	dg, err := wire.Decode(buf)
	if err != nil {
		l.log.Debugf("pl: dropping undecodable datagram from %s: %v", addr, err)
		return
	}

	if dg.IsAck {
		l.handleAck(dg.SeqNr)
		return
	}

	key := ids.PackDeliveryKey(dg.ProcessID, dg.SeqNr)
	if l.delivered.tryInsert(key) {
		l.metrics.IncDelivered()
		if cb != nil {
			cb(dg.ProcessID, dg.Metadata, dg.Payloads)
		}
	} else {
		l.metrics.IncDuplicates()
	}

	// An ACK is sent on every non-ACK receipt, including duplicates, so
	// the sender eventually stops retransmitting regardless of whether
	// the callback fired (spec §4.2).
	l.sendAck(addr, dg.SeqNr)
}

func (l *Link) handleAck(seq ids.SeqNr) {
	l.pendingMu.Lock()
	_, had := l.pending[seq]
	delete(l.pending, seq)
	l.pendingMu.Unlock()
	if had {
		l.metrics.IncPending(-1)
	}
}

func (l *Link) sendAck(dst *net.UDPAddr, seq ids.SeqNr) {
	buf := make([]byte, wire.DefaultMaxMessageSize)
	n, err := wire.Encode(buf, wire.DefaultMaxMessageSize, true, seq, l.id, nil, nil)
	if err != nil {
		// An ack never carries metadata/payloads, so this cannot fail
		// against the 64-byte floor; guard anyway rather than panic.
		l.log.Errorf("pl: failed encoding ack: %v", err)
		return
	}
	l.transmit(buf[:n], dst)
}

// Close signals the receive loop to stop and closes the socket, unblocking
// any in-flight ReadFromUDP (spec §5, "Cancellation / shutdown"). Calls
// after the first are no-ops that return nil; callers wanting to guarantee Listen has returned
// should join on their own call site (Listen returns nil on shutdown).
func (l *Link) Close() error {
	if !l.done.Inactivate() {
		return nil
	}
	l.delivered.close()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

// PendingCount reports how many datagrams are currently awaiting an ACK.
// Exposed for tests and for upstream layers wanting to bound their own
// in-flight gates against PL backpressure.
func (l *Link) PendingCount() int {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	return len(l.pending)
}
