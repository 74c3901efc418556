package handshake

import (
	"context"
	"fmt"

	logs "github.com/danmuck/handshake/internal/logging"
	"github.com/danmuck/handshake/internal/sessionstore"
)

func (d *Driver) checkRenegotiation(c *Conn) error {
	if c.fatal != nil {
		return c.fatal
	}
	if !c.done {
		return ErrNotEstablished
	}
	if !d.cfg.AllowRenegotiation || !c.secureRenegotiation {
		return ErrRenegotiationNotAllowed
	}
	return nil
}

// Renegotiate starts a full handshake on an established connection. Only
// progress fields and the transcript are reset; buffers are reused. A server
// first asks the client to start over with a hello request.
func (d *Driver) Renegotiate(ctx context.Context, c *Conn) (Status, error) {
	if err := d.checkRenegotiation(c); err != nil {
		return StatusFatal, err
	}
	logs.Debugf("handshake.Driver.Renegotiate role=%s handshakes=%d", c.role, c.handshakes)
	c.dropSession()
	c.resetProgress()
	c.sessionID = sessionstore.SessionID{}
	if c.role == RoleServer {
		c.startedAt = d.cfg.Clock()
		if err := d.send(c, MessageHelloRequest); err != nil {
			return d.suspendOrFail(c, err)
		}
	}
	return d.Step(ctx, c)
}

// SecureResume renegotiates using the session the client already holds,
// asking the server for an abbreviated handshake.
func (d *Driver) SecureResume(ctx context.Context, c *Conn) (Status, error) {
	if c.role != RoleClient {
		return StatusFatal, ErrWrongRole
	}
	if err := d.checkRenegotiation(c); err != nil {
		return StatusFatal, err
	}
	if !c.haveSession {
		return StatusFatal, ErrNoSession
	}
	if !c.session.Fresh(d.cfg.Clock()) {
		return StatusFatal, fmt.Errorf("%w: session %s expired", ErrNoSession, c.session.ID)
	}
	logs.Debugf("handshake.Driver.SecureResume id=%s", c.session.ID)
	c.resetProgress()
	c.adoptSession()
	return d.Step(ctx, c)
}
