package handshake

import (
	"bytes"
	"testing"
	"time"

	"github.com/danmuck/handshake/internal/sessionstore"
)

var fakeNow = time.Unix(1_700_000_000, 0)

// scriptedLayer is a RecordLayer whose inbound side is a list of effects and
// whose outbound side can be told to stall on chosen messages.
type scriptedLayer struct {
	t *testing.T

	msgLen   int
	built    map[MessageKind]int
	sent     []MessageKind
	written  map[MessageKind]int
	incoming []func(c *Conn) error

	pending    MessageKind
	stallKind  MessageKind
	stallCount int
	failKind   MessageKind
	failErr    error
	onSend     func(c *Conn, kind MessageKind)
}

func newScriptedLayer(t *testing.T) *scriptedLayer {
	return &scriptedLayer{
		t:         t,
		msgLen:    8,
		built:     make(map[MessageKind]int),
		written:   make(map[MessageKind]int),
		stallKind: 0xff,
		failKind:  0xff,
	}
}

// stall makes the next n write attempts of kind accept a single byte.
func (l *scriptedLayer) stall(kind MessageKind, n int) {
	l.stallKind = kind
	l.stallCount = n
}

func (l *scriptedLayer) fail(kind MessageKind, err error) {
	l.failKind = kind
	l.failErr = err
}

func (l *scriptedLayer) feed(steps ...func(c *Conn) error) {
	l.incoming = append(l.incoming, steps...)
}

func (l *scriptedLayer) SendHandshakeMessage(c *Conn, kind MessageKind) error {
	l.built[kind]++
	if kind == l.failKind {
		return l.failErr
	}
	if l.onSend != nil {
		l.onSend(c, kind)
	}
	msg := bytes.Repeat([]byte{byte(kind)}, l.msgLen)
	_, _ = c.Transcript().Write(msg)
	c.Output().Queue(msg)
	l.pending = kind
	return l.flush(c)
}

func (l *scriptedLayer) SendBuffered(c *Conn) error {
	return l.flush(c)
}

func (l *scriptedLayer) flush(c *Conn) error {
	out := c.Output()
	if l.pending == l.stallKind && l.stallCount > 0 {
		l.stallCount--
		if len(out.Pending()) > 1 {
			out.Advance(1)
			l.written[l.pending]++
		}
		return ErrWantWrite
	}
	l.written[l.pending] += len(out.Pending())
	out.Advance(len(out.Pending()))
	l.sent = append(l.sent, l.pending)
	return nil
}

func (l *scriptedLayer) ProcessIncoming(c *Conn) error {
	if len(l.incoming) == 0 {
		return ErrWantRead
	}
	step := l.incoming[0]
	l.incoming = l.incoming[1:]
	return step(c)
}

func peerReached(m Milestone) func(c *Conn) error {
	return func(c *Conn) error {
		return c.AdvancePeer(m)
	}
}

// serverHello simulates a server hello that either honors the client's
// resumption or assigns id and a fresh master secret.
func serverHello(id sessionstore.SessionID, honor bool) func(c *Conn) error {
	return func(c *Conn) error {
		if !(honor && c.Resuming() && c.SessionID() == id) {
			c.SetResuming(false)
			c.SetSessionID(id)
			var ms [sessionstore.SecretLen]byte
			copy(ms[:], id[:])
			c.SetMasterSecret(ms)
		}
		c.SetCipherSuite(0xc0, 0x2f)
		c.SetVersion(0x0303)
		c.SetSecureRenegotiation(true)
		return c.AdvancePeer(MilestoneServerHello)
	}
}

func fullServerFlight(id sessionstore.SessionID) []func(c *Conn) error {
	return []func(c *Conn) error{
		serverHello(id, false),
		peerReached(MilestoneServerCertificate),
		peerReached(MilestoneServerKeyExchange),
		peerReached(MilestoneServerHelloDone),
	}
}

func serverFinish() []func(c *Conn) error {
	return []func(c *Conn) error{
		peerReached(MilestoneServerChangeCipher),
		peerReached(MilestoneServerFinished),
	}
}

func clientHello(offered sessionstore.SessionID) func(c *Conn) error {
	return func(c *Conn) error {
		c.SetOfferedSessionID(offered)
		c.SetSecureRenegotiation(true)
		return c.AdvancePeer(MilestoneClientHello)
	}
}

func clientFinish() []func(c *Conn) error {
	return []func(c *Conn) error{
		peerReached(MilestoneClientKeyExchange),
		peerReached(MilestoneClientChangeCipher),
		peerReached(MilestoneClientFinished),
	}
}

func sid(b byte) sessionstore.SessionID {
	var id sessionstore.SessionID
	for i := range id {
		id[i] = b + byte(i)
	}
	return id
}

type transitionLog struct {
	to []string
}

func (l *transitionLog) record(_ *Conn, _, to string) {
	l.to = append(l.to, to)
}

func (l *transitionLog) contains(state string) bool {
	for _, s := range l.to {
		if s == state {
			return true
		}
	}
	return false
}

func newTestDriver(t *testing.T, store *sessionstore.Store, mutate func(*Config)) *Driver {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Store = store
	cfg.Clock = func() time.Time { return fakeNow }
	cfg.Rand = bytes.NewReader(bytes.Repeat([]byte{0x5a}, 4096))
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := NewDriver(cfg)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	return d
}

func newTestStore(t *testing.T, now func() time.Time) *sessionstore.Store {
	t.Helper()
	s, err := sessionstore.New(sessionstore.DefaultConfig(), sessionstore.WithClock(now))
	if err != nil {
		t.Fatalf("sessionstore.New: %v", err)
	}
	return s
}
