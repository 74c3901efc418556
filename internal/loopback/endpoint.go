package loopback

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/handshake/internal/handshake"
	logs "github.com/danmuck/handshake/internal/logging"
	"github.com/danmuck/handshake/internal/protocol/frame"
	"github.com/danmuck/handshake/internal/protocol/tlv"
)

var (
	ErrUnexpectedMessage = errors.New("loopback: unexpected message")
	ErrFinishedMismatch  = errors.New("loopback: finished verify data mismatch")
	ErrCookieMismatch    = errors.New("loopback: hello cookie mismatch")
)

// Config is shared by both endpoints of a pair.
type Config struct {
	Version              uint16
	CipherSuite0         uint8
	CipherSuite          uint8
	ExtendedMasterSecret bool
	// SecureRenegotiation is offered by the client and accepted by the
	// server; both sides must set it for renegotiation to be allowed.
	SecureRenegotiation bool
	// TicketLen is the size of tickets the server issues.
	TicketLen   int
	ServerChain [][]byte
	ClientChain [][]byte
	Limits      frame.Limits
	Rand        io.Reader
}

func DefaultConfig() Config {
	return Config{
		Version:              0x0303,
		CipherSuite0:         0xc0,
		CipherSuite:          0x2f,
		ExtendedMasterSecret: true,
		SecureRenegotiation:  true,
		TicketLen:            160,
		Limits:               frame.DefaultLimits(),
	}
}

func (c Config) withDefaults() Config {
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = frame.DefaultLimits()
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	return c
}

// Pair is a client and a server endpoint joined by two in-memory queues.
type Pair struct {
	Client *Endpoint
	Server *Endpoint
}

func NewPair(cfg Config) *Pair {
	cfg = cfg.withDefaults()
	c2s, s2c := &queue{}, &queue{}
	return &Pair{
		Client: &Endpoint{role: handshake.RoleClient, cfg: cfg, out: c2s, in: s2c, budget: -1},
		Server: &Endpoint{role: handshake.RoleServer, cfg: cfg, out: s2c, in: c2s, budget: -1},
	}
}

// Endpoint is a handshake.RecordLayer for one side of a Pair. An endpoint
// serves one Conn at a time and is not safe for concurrent use; the two
// endpoints of a pair may run on different goroutines.
type Endpoint struct {
	role    handshake.Role
	cfg     Config
	out, in *queue

	seq          uint32
	budget       int
	readsBlocked bool
	pending      handshake.MessageKind

	sent           []handshake.MessageKind
	received       []handshake.MessageKind
	helloRequested bool
}

// SetWriteBudget limits how many more bytes the transport accepts. A negative
// budget is unlimited.
func (e *Endpoint) SetWriteBudget(n int) {
	e.budget = n
}

// BlockReads makes ProcessIncoming report ErrWantRead regardless of queued
// data.
func (e *Endpoint) BlockReads(v bool) {
	e.readsBlocked = v
}

// Sent lists messages fully written, in order.
func (e *Endpoint) Sent() []handshake.MessageKind {
	return append([]handshake.MessageKind(nil), e.sent...)
}

// Received lists messages processed, in order.
func (e *Endpoint) Received() []handshake.MessageKind {
	return append([]handshake.MessageKind(nil), e.received...)
}

// HelloRequested reports whether the server asked this client to
// renegotiate.
func (e *Endpoint) HelloRequested() bool {
	return e.helloRequested
}

// Reset clears the message logs.
func (e *Endpoint) Reset() {
	e.sent = e.sent[:0]
	e.received = e.received[:0]
	e.helloRequested = false
}

// Buffered is the number of bytes waiting for the peer.
func (e *Endpoint) Buffered() int {
	return e.out.len()
}

func (e *Endpoint) SendHandshakeMessage(c *handshake.Conn, kind handshake.MessageKind) error {
	fields, err := e.build(c, kind)
	if err != nil {
		return err
	}
	payload := tlv.EncodeFields(fields)
	transcriptWrite(c, kind, payload)

	f := frame.New(uint8(kind), e.seq, payload)
	if c.Resuming() {
		f.Header.Flags |= frame.FlagResumption
	}
	if kind == handshake.MessageFinished {
		f.Header.Flags |= frame.FlagFinal
	}
	buf, err := frame.Append(nil, f, e.cfg.Limits)
	if err != nil {
		return err
	}
	e.seq++
	c.Output().Queue(buf)
	e.pending = kind
	return e.flush(c)
}

func (e *Endpoint) SendBuffered(c *handshake.Conn) error {
	return e.flush(c)
}

func (e *Endpoint) flush(c *handshake.Conn) error {
	out := c.Output()
	pending := out.Pending()
	n := len(pending)
	if e.budget >= 0 && e.budget < n {
		n = e.budget
	}
	if n > 0 {
		e.out.write(pending[:n])
		if e.budget >= 0 {
			e.budget -= n
		}
	}
	out.Advance(n)
	if !out.Empty() {
		logs.Tracef("loopback.Endpoint.flush role=%s kind=%s partial sent=%d", e.role, e.pending, out.Sent())
		return handshake.ErrWantWrite
	}
	e.sent = append(e.sent, e.pending)
	return nil
}

func (e *Endpoint) ProcessIncoming(c *handshake.Conn) error {
	if e.readsBlocked {
		return handshake.ErrWantRead
	}
	in := c.Input()
	*in = e.in.drainTo(*in)
	f, n, err := frame.Decode(*in, e.cfg.Limits)
	if errors.Is(err, frame.ErrIncomplete) {
		return handshake.ErrWantRead
	}
	if err != nil {
		return err
	}
	*in = append((*in)[:0], (*in)[n:]...)

	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return err
	}
	kind := handshake.MessageKind(f.Header.Kind)
	e.received = append(e.received, kind)
	if e.role == handshake.RoleClient {
		return e.clientReceive(c, kind, f.Payload, fields)
	}
	return e.serverReceive(c, kind, f.Payload, fields)
}

func (e *Endpoint) build(c *handshake.Conn, kind handshake.MessageKind) ([]tlv.Field, error) {
	switch kind {
	case handshake.MessageHelloRequest, handshake.MessageServerKeyExchange,
		handshake.MessageCertificateRequest, handshake.MessageServerHelloDone,
		handshake.MessageCertificateVerify, handshake.MessageChangeCipherSpec:
		return nil, nil

	case handshake.MessageClientHello:
		return e.buildClientHello(c)

	case handshake.MessageHelloVerifyRequest:
		return []tlv.Field{tlv.Bytes(fieldCookie, c.Cookie())}, nil

	case handshake.MessageServerHello:
		return e.buildServerHello(c)

	case handshake.MessageCertificate:
		if e.role == handshake.RoleServer {
			return chainFields(e.cfg.ServerChain), nil
		}
		return chainFields(e.cfg.ClientChain), nil

	case handshake.MessageClientKeyExchange:
		preMaster := make([]byte, preMasterLen)
		if err := e.random(preMaster); err != nil {
			return nil, err
		}
		ms, err := deriveMaster(preMaster, c.ClientRandom(), c.ServerRandom())
		if err != nil {
			return nil, err
		}
		c.SetMasterSecret(ms)
		return []tlv.Field{tlv.Bytes(fieldPreMaster, preMaster)}, nil

	case handshake.MessageNewSessionTicket:
		ticket := make([]byte, e.cfg.TicketLen)
		if err := e.random(ticket); err != nil {
			return nil, err
		}
		c.SetTicket(ticket)
		return []tlv.Field{
			tlv.U32(fieldLifetime, c.TicketLifetime()),
			tlv.Bytes(fieldTicket, ticket),
		}, nil

	case handshake.MessageFinished:
		return []tlv.Field{tlv.Bytes(fieldVerifyData, transcriptSum(c))}, nil
	}
	return nil, fmt.Errorf("%w: cannot build %s", ErrUnexpectedMessage, kind)
}

func (e *Endpoint) buildClientHello(c *handshake.Conn) ([]tlv.Field, error) {
	// A hello repeated for a cookie keeps its random.
	if len(c.Cookie()) == 0 {
		var r [handshake.RandomLen]byte
		if err := e.random(r[:]); err != nil {
			return nil, err
		}
		c.SetClientRandom(r)
	}
	cr := c.ClientRandom()
	var offered []byte
	if c.Resuming() {
		id := c.SessionID()
		offered = id[:]
	}
	return []tlv.Field{
		tlv.Bytes(fieldRandom, cr[:]),
		tlv.Bytes(fieldSessionID, offered),
		tlv.Bytes(fieldTicket, c.SessionTicket()),
		tlv.Bytes(fieldCookie, c.Cookie()),
		tlv.Bool(fieldSecureReneg, e.cfg.SecureRenegotiation),
	}, nil
}

func (e *Endpoint) buildServerHello(c *handshake.Conn) ([]tlv.Field, error) {
	var r [handshake.RandomLen]byte
	if err := e.random(r[:]); err != nil {
		return nil, err
	}
	c.SetServerRandom(r)
	if !c.Resuming() {
		c.SetVersion(e.cfg.Version)
		c.SetCipherSuite(e.cfg.CipherSuite0, e.cfg.CipherSuite)
		c.SetExtendedMasterSecret(e.cfg.ExtendedMasterSecret)
	}
	id := c.SessionID()
	cs0, cs := c.CipherSuite()
	return []tlv.Field{
		tlv.Bytes(fieldRandom, r[:]),
		tlv.Bytes(fieldSessionID, id[:]),
		tlv.U16(fieldVersion, c.Version()),
		tlv.U8(fieldSuite0, cs0),
		tlv.U8(fieldSuite, cs),
		tlv.Bool(fieldEMS, c.ExtendedMasterSecret()),
		tlv.Bool(fieldSecureReneg, c.SecureRenegotiation()),
	}, nil
}

func (e *Endpoint) clientReceive(c *handshake.Conn, kind handshake.MessageKind, payload []byte, fields []tlv.Field) error {
	if kind == handshake.MessageHelloRequest {
		e.helloRequested = true
		return nil
	}
	if kind == handshake.MessageFinished {
		if err := verifyFinished(c, fields); err != nil {
			return err
		}
	}
	transcriptWrite(c, kind, payload)

	switch kind {
	case handshake.MessageHelloVerifyRequest:
		cookie, err := tlv.GetBytes(fields, fieldCookie)
		if err != nil {
			return err
		}
		c.SetCookie(cookie)
		return c.AdvancePeer(handshake.MilestoneServerHelloVerify)

	case handshake.MessageServerHello:
		return e.clientServerHello(c, fields)

	case handshake.MessageCertificate:
		c.SetPeerChain(chainOf(fields))
		return c.AdvancePeer(handshake.MilestoneServerCertificate)

	case handshake.MessageServerKeyExchange:
		return c.AdvancePeer(handshake.MilestoneServerKeyExchange)

	case handshake.MessageCertificateRequest:
		c.SetCertificateRequested(true)
		return c.AdvancePeer(handshake.MilestoneServerCertificateRequest)

	case handshake.MessageServerHelloDone:
		return c.AdvancePeer(handshake.MilestoneServerHelloDone)

	case handshake.MessageNewSessionTicket:
		ticket, err := tlv.GetBytes(fields, fieldTicket)
		if err != nil {
			return err
		}
		c.SetTicket(ticket)
		return nil

	case handshake.MessageChangeCipherSpec:
		return c.AdvancePeer(handshake.MilestoneServerChangeCipher)

	case handshake.MessageFinished:
		return c.AdvancePeer(handshake.MilestoneServerFinished)
	}
	return fmt.Errorf("%w: client got %s", ErrUnexpectedMessage, kind)
}

// clientServerHello applies the server's choice. A session id other than the
// one offered means resumption was declined.
func (e *Endpoint) clientServerHello(c *handshake.Conn, fields []tlv.Field) error {
	id, err := sessionIDOf(fields)
	if err != nil {
		return err
	}
	random, err := tlv.GetBytes(fields, fieldRandom)
	if err != nil {
		return err
	}
	version, err := tlv.GetU16(fields, fieldVersion)
	if err != nil {
		return err
	}
	cs0, err := tlv.GetU8(fields, fieldSuite0)
	if err != nil {
		return err
	}
	cs, err := tlv.GetU8(fields, fieldSuite)
	if err != nil {
		return err
	}
	ems, err := tlv.GetBool(fields, fieldEMS)
	if err != nil {
		return err
	}
	reneg, err := tlv.GetBool(fields, fieldSecureReneg)
	if err != nil {
		return err
	}

	if c.Resuming() && id != c.SessionID() {
		logs.Debugf("loopback.Endpoint.clientServerHello resumption declined offered=%s got=%s", c.SessionID(), id)
		c.SetResuming(false)
	}
	if !c.Resuming() {
		c.SetSessionID(id)
	}
	var sr [handshake.RandomLen]byte
	copy(sr[:], random)
	c.SetServerRandom(sr)
	c.SetVersion(version)
	c.SetCipherSuite(cs0, cs)
	c.SetExtendedMasterSecret(ems)
	c.SetSecureRenegotiation(reneg && e.cfg.SecureRenegotiation)
	return c.AdvancePeer(handshake.MilestoneServerHello)
}

func (e *Endpoint) serverReceive(c *handshake.Conn, kind handshake.MessageKind, payload []byte, fields []tlv.Field) error {
	if kind == handshake.MessageFinished {
		if err := verifyFinished(c, fields); err != nil {
			return err
		}
	}
	transcriptWrite(c, kind, payload)

	switch kind {
	case handshake.MessageClientHello:
		return e.serverClientHello(c, fields)

	case handshake.MessageCertificate:
		c.SetPeerChain(chainOf(fields))
		return c.AdvancePeer(handshake.MilestoneClientCertificate)

	case handshake.MessageClientKeyExchange:
		preMaster, err := tlv.GetBytes(fields, fieldPreMaster)
		if err != nil {
			return err
		}
		ms, err := deriveMaster(preMaster, c.ClientRandom(), c.ServerRandom())
		if err != nil {
			return err
		}
		c.SetMasterSecret(ms)
		return c.AdvancePeer(handshake.MilestoneClientKeyExchange)

	case handshake.MessageCertificateVerify:
		return c.AdvancePeer(handshake.MilestoneClientCertificateVerify)

	case handshake.MessageChangeCipherSpec:
		return c.AdvancePeer(handshake.MilestoneClientChangeCipher)

	case handshake.MessageFinished:
		return c.AdvancePeer(handshake.MilestoneClientFinished)
	}
	return fmt.Errorf("%w: server got %s", ErrUnexpectedMessage, kind)
}

func (e *Endpoint) serverClientHello(c *handshake.Conn, fields []tlv.Field) error {
	cookie, err := tlv.GetBytes(fields, fieldCookie)
	if err != nil {
		return err
	}
	if want := c.Cookie(); len(want) > 0 && subtle.ConstantTimeCompare(want, cookie) != 1 {
		return ErrCookieMismatch
	}
	random, err := tlv.GetBytes(fields, fieldRandom)
	if err != nil {
		return err
	}
	offered, err := sessionIDOf(fields)
	if err != nil {
		return err
	}
	reneg, err := tlv.GetBool(fields, fieldSecureReneg)
	if err != nil {
		return err
	}
	var cr [handshake.RandomLen]byte
	copy(cr[:], random)
	c.SetClientRandom(cr)
	c.SetOfferedSessionID(offered)
	c.SetSecureRenegotiation(reneg && e.cfg.SecureRenegotiation)
	return c.AdvancePeer(handshake.MilestoneClientHello)
}

func verifyFinished(c *handshake.Conn, fields []tlv.Field) error {
	got, err := tlv.GetBytes(fields, fieldVerifyData)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(got, transcriptSum(c)) != 1 {
		return ErrFinishedMismatch
	}
	return nil
}

func (e *Endpoint) random(b []byte) error {
	if _, err := io.ReadFull(e.cfg.Rand, b); err != nil {
		return fmt.Errorf("loopback: random: %w", err)
	}
	return nil
}
