package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"

	logs "github.com/danmuck/handshake/internal/logging"
	"github.com/danmuck/handshake/internal/observability"
	"github.com/danmuck/handshake/internal/sessionstore"
)

// Driver advances connections through their handshakes. It is safe for
// concurrent use across distinct Conns.
type Driver struct {
	cfg Config
}

// NewDriver validates cfg and returns a driver that steps connections with it.
func NewDriver(cfg Config) (*Driver, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Driver{cfg: cfg}, nil
}

// Config returns a copy of the driver settings.
func (d *Driver) Config() Config {
	return d.cfg
}

// NewConn returns a connection in its initial state, bound to rl.
func (d *Driver) NewConn(role Role, rl RecordLayer) *Conn {
	c := &Conn{
		role:      role,
		transport: d.cfg.Transport,
		rl:        rl,
	}
	c.resetProgress()
	return c
}

// Step runs the handshake until it completes or the record layer would block.
// Transient suspensions return StatusWantRead or StatusWantWrite with a nil
// error. A fatal error is returned as *FatalError and repeated on every later
// call.
func (d *Driver) Step(ctx context.Context, c *Conn) (Status, error) {
	if c.rl == nil {
		return StatusFatal, ErrNoRecordLayer
	}
	if c.fatal != nil {
		return StatusFatal, c.fatal
	}
	if c.done {
		return StatusSuccess, nil
	}
	if c.startedAt.IsZero() {
		c.startedAt = d.cfg.Clock()
	}

	// Finish a suspended write before any new work.
	if !c.out.Empty() {
		if err := c.rl.SendBuffered(c); err != nil {
			return d.suspendOrFail(c, err)
		}
		d.advanceAfterSend(c)
	}

	for !c.done {
		var err error
		if c.role == RoleClient {
			err = d.connect(ctx, c)
		} else {
			err = d.accept(ctx, c)
		}
		if err != nil {
			return d.suspendOrFail(c, err)
		}
	}
	observability.RecordStep(c.role.String(), StatusSuccess.String())
	return StatusSuccess, nil
}

// Handshake calls Step until it stops returning WantRead or WantWrite, invoking
// wait between calls. wait returning an error abandons the handshake.
func (d *Driver) Handshake(ctx context.Context, c *Conn, wait func(Status) error) error {
	for {
		st, err := d.Step(ctx, c)
		switch st {
		case StatusSuccess:
			return nil
		case StatusFatal:
			return err
		}
		if err := wait(st); err != nil {
			return err
		}
	}
}

func (d *Driver) suspendOrFail(c *Conn, err error) (Status, error) {
	switch {
	case errors.Is(err, ErrWantRead):
		observability.RecordStep(c.role.String(), StatusWantRead.String())
		return StatusWantRead, nil
	case errors.Is(err, ErrWantWrite):
		observability.RecordStep(c.role.String(), StatusWantWrite.String())
		return StatusWantWrite, nil
	}
	c.fatal = &FatalError{Role: c.role, State: c.State(), Err: err}
	logs.Warnf("handshake.Driver.Step fatal role=%s state=%s err=%v", c.role, c.State(), err)
	observability.RecordStep(c.role.String(), StatusFatal.String())
	observability.RecordHandshake(c.role.String(), "fatal", c.resuming, d.cfg.Clock().Sub(c.startedAt))
	return StatusFatal, c.fatal
}

// advanceAfterSend moves past a sending state once its message has been fully
// written by a resumed flush.
func (d *Driver) advanceAfterSend(c *Conn) {
	if c.role == RoleClient {
		if c.clientState.sends() {
			d.setClientState(c, c.clientState+1)
		}
		return
	}
	switch {
	case c.serverState == AcceptClientHelloDone:
		d.afterHelloVerify(c)
	case c.serverState.sends():
		d.setServerState(c, c.serverState+1)
	}
}

// send writes one message; the caller advances state only on a nil return.
func (d *Driver) send(c *Conn, kind MessageKind) error {
	err := c.rl.SendHandshakeMessage(c, kind)
	if err != nil && !transient(err) {
		logs.Debugf("handshake.Driver.send role=%s kind=%s err=%v", c.role, kind, err)
	}
	return err
}

// waitFor processes incoming messages until peer progress reaches target.
// widen, when set, runs after each message and may widen an abbreviated
// target to the full-handshake milestone once the peer declines resumption.
// Milestones are ordered by arrival, so the full-handshake milestone
// (MilestoneServerHelloDone) sorts before the abbreviated one
// (MilestoneServerFinished): widening lowers the value but never restarts.
func (d *Driver) waitFor(c *Conn, target Milestone, widen func(Milestone) Milestone) error {
	for c.peer < target {
		if err := c.rl.ProcessIncoming(c); err != nil {
			return err
		}
		if widen != nil {
			target = widen(target)
		}
	}
	return nil
}

func (d *Driver) setClientState(c *Conn, next ClientState) {
	from := c.clientState
	c.clientState = next
	d.transition(c, from.String(), next.String())
}

func (d *Driver) setServerState(c *Conn, next ServerState) {
	from := c.serverState
	c.serverState = next
	d.transition(c, from.String(), next.String())
}

func (d *Driver) transition(c *Conn, from, to string) {
	logs.Debugf("handshake.Driver.transition role=%s from=%s to=%s", c.role, from, to)
	if cb := d.cfg.Callbacks.Transition; cb != nil {
		cb(c, from, to)
	}
}

// complete finishes a handshake: full sessions are cached, scratch is
// released, and the conn reports success from then on.
func (d *Driver) complete(ctx context.Context, c *Conn) {
	c.done = true
	c.resumed = c.resuming
	c.handshakes++

	if !c.resumed && !c.sessionID.IsZero() {
		d.storeSession(ctx, c)
	}
	if !d.cfg.KeepResources && c.transport != TransportDatagram {
		c.releaseResources()
	}
	logs.Debugf("handshake.Driver.complete role=%s resumed=%t id=%s", c.role, c.resumed, c.sessionID)
	observability.RecordHandshake(c.role.String(), "ok", c.resumed, d.cfg.Clock().Sub(c.startedAt))
}

func (d *Driver) buildRecord(c *Conn) (*sessionstore.Record, error) {
	rec := &sessionstore.Record{
		ID:                   c.sessionID,
		MasterSecret:         c.masterSecret,
		CreatedAt:            d.cfg.Clock().Unix(),
		Validity:             uint32(d.cfg.SessionValidity.Seconds()),
		Version:              c.version,
		CipherSuite0:         c.suite0,
		CipherSuite:          c.suite,
		ExtendedMasterSecret: c.ems,
	}
	rec.SetPeerChain(c.peerChain)
	if len(c.peerKey) > 0 {
		rec.SetPeerKey(c.peerKey)
	}
	if err := rec.SetTicket(c.ticket, nil); err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *Driver) storeSession(ctx context.Context, c *Conn) {
	rec, err := d.buildRecord(c)
	if err != nil {
		logs.Warnf("handshake.Driver.storeSession build role=%s err=%v", c.role, err)
		return
	}
	// Keep the new session in the private slot for a later SecureResume.
	if err := sessionstore.CopyRecord(&c.session, rec, nil); err == nil {
		c.haveSession = true
	}
	if d.cfg.Store != nil {
		if err := d.cfg.Store.Put(ctx, c.sessionID, rec, c.peerKey); err != nil {
			logs.Warnf("handshake.Driver.storeSession put role=%s err=%v", c.role, err)
		}
	}
	if cb := d.cfg.Callbacks.NewSession; cb != nil {
		cb(c, *rec)
	}
}

// SetPeerKey registers the client's stickiness key and, when the store holds
// a fresh session for it, prepares c to resume that session.
func (d *Driver) SetPeerKey(ctx context.Context, c *Conn, key []byte) (bool, error) {
	if c.role != RoleClient {
		return false, ErrWrongRole
	}
	c.peerKey = append(c.peerKey[:0], key...)
	if d.cfg.Store == nil || len(key) == 0 {
		return false, nil
	}
	ok, err := d.cfg.Store.ResumeIntoByPeerKey(ctx, &c.session, key)
	if err != nil || !ok {
		return false, err
	}
	c.adoptSession()
	logs.Debugf("handshake.Driver.SetPeerKey resuming id=%s", c.sessionID)
	return true, nil
}

// SetSession prepares c to resume rec. rec is deep-copied.
func (d *Driver) SetSession(c *Conn, rec *sessionstore.Record) error {
	if c.role != RoleClient {
		return ErrWrongRole
	}
	if rec == nil || rec.ID.IsZero() {
		return ErrNoSession
	}
	if !rec.Fresh(d.cfg.Clock()) {
		return fmt.Errorf("%w: session %s expired", ErrNoSession, rec.ID)
	}
	if err := sessionstore.CopyRecord(&c.session, rec, nil); err != nil {
		return err
	}
	c.adoptSession()
	return nil
}

// ReleaseHandshakeResources drops scratch kept by KeepResources or by a
// datagram transport.
func (d *Driver) ReleaseHandshakeResources(c *Conn) error {
	if !c.done {
		return ErrNotEstablished
	}
	c.releaseResources()
	return nil
}

func (d *Driver) random(b []byte) error {
	if _, err := io.ReadFull(d.cfg.Rand, b); err != nil {
		return fmt.Errorf("handshake: random: %w", err)
	}
	return nil
}
