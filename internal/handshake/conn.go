package handshake

import (
	"crypto/sha256"
	"hash"
	"time"

	"github.com/danmuck/handshake/internal/sessionstore"
)

// RandomLen is the size of the client and server hello randoms.
const RandomLen = 32

// Outbox is the message currently being written and how much of it the
// transport has accepted. Its buffer is reused across messages.
type Outbox struct {
	buf []byte
	off int
}

// Queue replaces the pending message with msg. It must only be called when
// the outbox is empty.
func (o *Outbox) Queue(msg []byte) {
	o.buf = append(o.buf[:0], msg...)
	o.off = 0
}

// Pending returns the bytes not yet accepted by the transport.
func (o *Outbox) Pending() []byte {
	return o.buf[o.off:]
}

// Advance records that n more bytes were accepted.
func (o *Outbox) Advance(n int) {
	o.off += n
	if o.off >= len(o.buf) {
		o.buf = o.buf[:0]
		o.off = 0
	}
}

// Empty reports whether nothing is buffered for the next flush.
func (o *Outbox) Empty() bool {
	return o.off >= len(o.buf)
}

// Sent is how many bytes of the pending message have been written.
func (o *Outbox) Sent() int {
	return o.off
}

func (o *Outbox) reset() {
	clear(o.buf)
	o.buf = o.buf[:0]
	o.off = 0
}

// scratch is state that only matters while a handshake is running.
type scratch struct {
	transcript hash.Hash
	cookie     []byte
	cookieSent bool
	offered    sessionstore.SessionID
}

func newScratch() *scratch {
	return &scratch{transcript: sha256.New()}
}

// Conn is one side of a handshake. The exported setters are for RecordLayer
// implementations; applications use the Driver.
type Conn struct {
	role      Role
	transport Transport
	rl        RecordLayer

	clientState ClientState
	serverState ServerState
	peer        Milestone
	done        bool
	fatal       *FatalError
	startedAt   time.Time
	handshakes  int

	resuming            bool
	resumed             bool
	secureRenegotiation bool
	certRequested       bool

	sessionID    sessionstore.SessionID
	masterSecret [sessionstore.SecretLen]byte
	clientRandom [RandomLen]byte
	serverRandom [RandomLen]byte
	version      uint16
	suite0       uint8
	suite        uint8
	ems          bool
	peerChain    [][]byte
	ticket       []byte
	ticketLife   uint32
	peerKey      []byte

	// session is the private copy of the session being resumed.
	session     sessionstore.Record
	haveSession bool

	out Outbox
	in  []byte
	hs  *scratch
}

// Role reports whether the connection drives the client or server side.
func (c *Conn) Role() Role {
	return c.role
}

func (c *Conn) Transport() Transport {
	return c.transport
}

// ClientState is the current state of a client connection.
func (c *Conn) ClientState() ClientState {
	return c.clientState
}

// ServerState is the current state of a server connection.
func (c *Conn) ServerState() ServerState {
	return c.serverState
}

// State names the current progress marker for either role.
func (c *Conn) State() string {
	if c.role == RoleClient {
		return c.clientState.String()
	}
	return c.serverState.String()
}

// Done reports whether the last handshake on c completed.
func (c *Conn) Done() bool {
	return c.done
}

// Err returns the fatal error that ended the handshake, if any.
func (c *Conn) Err() error {
	if c.fatal == nil {
		return nil
	}
	return c.fatal
}

// Resumed reports whether the completed handshake was abbreviated.
func (c *Conn) Resumed() bool {
	return c.resumed
}

// PeerProgress is the last peer milestone the message layer reported.
func (c *Conn) PeerProgress() Milestone {
	return c.peer
}

// AdvancePeer records processed peer progress. Progress never moves
// backwards.
func (c *Conn) AdvancePeer(m Milestone) error {
	if !m.observedBy(c.role) {
		return ErrUnexpectedMilestone
	}
	if m > c.peer {
		c.peer = m
	}
	return nil
}

// Resuming reports whether an abbreviated handshake is in progress.
func (c *Conn) Resuming() bool {
	return c.resuming
}

// SetResuming lets the record layer report that the peer did not honor a
// resumption attempt. The driver widens its wait target in response.
func (c *Conn) SetResuming(v bool) {
	c.resuming = v
}

func (c *Conn) SecureRenegotiation() bool {
	return c.secureRenegotiation
}

func (c *Conn) SetSecureRenegotiation(v bool) {
	c.secureRenegotiation = v
}

// CertificateRequested reports whether the server asked the client for a
// certificate during this handshake.
func (c *Conn) CertificateRequested() bool {
	return c.certRequested
}

func (c *Conn) SetCertificateRequested(v bool) {
	c.certRequested = v
}

// SessionID is the identifier the current session will be stored under.
func (c *Conn) SessionID() sessionstore.SessionID {
	return c.sessionID
}

func (c *Conn) SetSessionID(id sessionstore.SessionID) {
	c.sessionID = id
}

// OfferedSessionID is the id a client presented in its hello, as recorded by
// the server's record layer.
func (c *Conn) OfferedSessionID() sessionstore.SessionID {
	if c.hs == nil {
		return sessionstore.SessionID{}
	}
	return c.hs.offered
}

func (c *Conn) SetOfferedSessionID(id sessionstore.SessionID) {
	c.scratch().offered = id
}

// MasterSecret returns a copy of the negotiated master secret.
func (c *Conn) MasterSecret() [sessionstore.SecretLen]byte {
	return c.masterSecret
}

func (c *Conn) SetMasterSecret(ms [sessionstore.SecretLen]byte) {
	c.masterSecret = ms
}

func (c *Conn) ClientRandom() [RandomLen]byte {
	return c.clientRandom
}

func (c *Conn) SetClientRandom(r [RandomLen]byte) {
	c.clientRandom = r
}

func (c *Conn) ServerRandom() [RandomLen]byte {
	return c.serverRandom
}

func (c *Conn) SetServerRandom(r [RandomLen]byte) {
	c.serverRandom = r
}

func (c *Conn) Version() uint16 {
	return c.version
}

func (c *Conn) SetVersion(v uint16) {
	c.version = v
}

func (c *Conn) CipherSuite() (uint8, uint8) {
	return c.suite0, c.suite
}

func (c *Conn) SetCipherSuite(cs0, cs uint8) {
	c.suite0, c.suite = cs0, cs
}

func (c *Conn) ExtendedMasterSecret() bool {
	return c.ems
}

func (c *Conn) SetExtendedMasterSecret(v bool) {
	c.ems = v
}

// PeerChain returns the peer certificate chain (DER, leaf first).
func (c *Conn) PeerChain() [][]byte {
	return c.peerChain
}

func (c *Conn) SetPeerChain(chain [][]byte) {
	c.peerChain = chain
}

// Ticket is the session ticket received (client) or issued (server).
func (c *Conn) Ticket() []byte {
	return c.ticket
}

func (c *Conn) SetTicket(t []byte) {
	c.ticket = append(c.ticket[:0], t...)
}

// TicketLifetime is the lifetime hint, in seconds, for an issued ticket.
func (c *Conn) TicketLifetime() uint32 {
	return c.ticketLife
}

// PeerKey is the client-side cache key for the server this conn talks to.
func (c *Conn) PeerKey() []byte {
	return c.peerKey
}

// SessionTicket is the ticket of the session being resumed, for the client
// hello. The view is valid until the next handshake on c.
func (c *Conn) SessionTicket() []byte {
	if !c.haveSession {
		return nil
	}
	return c.session.Ticket().Bytes()
}

// HasSession reports whether c holds a session to resume.
func (c *Conn) HasSession() bool {
	return c.haveSession
}

// Session returns a detached copy of the session c is resuming from.
func (c *Conn) Session() (sessionstore.Record, bool) {
	if !c.haveSession {
		return sessionstore.Record{}, false
	}
	var out sessionstore.Record
	if err := sessionstore.CopyRecord(&out, &c.session, nil); err != nil {
		return sessionstore.Record{}, false
	}
	return out, true
}

// Cookie is the datagram hello cookie, if one was exchanged.
func (c *Conn) Cookie() []byte {
	if c.hs == nil {
		return nil
	}
	return c.hs.cookie
}

func (c *Conn) SetCookie(b []byte) {
	s := c.scratch()
	s.cookie = append(s.cookie[:0], b...)
}

// Transcript accumulates handshake messages for the finished computation.
func (c *Conn) Transcript() hash.Hash {
	return c.scratch().transcript
}

// Output is the pending outgoing message.
func (c *Conn) Output() *Outbox {
	return &c.out
}

// Input is the unprocessed inbound byte buffer owned by the record layer.
func (c *Conn) Input() *[]byte {
	return &c.in
}

// HoldsResources reports whether handshake scratch is still allocated.
func (c *Conn) HoldsResources() bool {
	return c.hs != nil
}

// Handshakes counts completed handshakes, including renegotiations.
func (c *Conn) Handshakes() int {
	return c.handshakes
}

func (c *Conn) scratch() *scratch {
	if c.hs == nil {
		c.hs = newScratch()
	}
	return c.hs
}

// adoptSession loads the fields needed for an abbreviated handshake from the
// private session copy.
func (c *Conn) adoptSession() {
	c.haveSession = true
	c.resuming = true
	c.sessionID = c.session.ID
	c.masterSecret = c.session.MasterSecret
	c.version = c.session.Version
	c.suite0 = c.session.CipherSuite0
	c.suite = c.session.CipherSuite
	c.ems = c.session.ExtendedMasterSecret
	if c.peerChain == nil {
		c.peerChain = c.session.PeerChain()
	}
}

func (c *Conn) dropSession() {
	c.session.Wipe()
	c.haveSession = false
}

// resetProgress clears per-handshake progress and digests, keeping buffers.
func (c *Conn) resetProgress() {
	c.clientState = ClientBegin
	c.serverState = AcceptBegin
	c.peer = MilestoneNone
	c.done = false
	c.resuming = false
	c.resumed = false
	c.certRequested = false
	c.startedAt = time.Time{}
	c.out.reset()
	c.in = c.in[:0]
	if c.hs != nil {
		c.hs.transcript.Reset()
		c.hs.cookie = c.hs.cookie[:0]
		c.hs.cookieSent = false
		c.hs.offered = sessionstore.SessionID{}
	}
}

func (c *Conn) releaseResources() {
	c.hs = nil
	c.in = nil
}
