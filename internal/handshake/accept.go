package handshake

import (
	"context"
	"errors"
	"time"

	logs "github.com/danmuck/handshake/internal/logging"
	"github.com/danmuck/handshake/internal/observability"
	"github.com/danmuck/handshake/internal/sessionstore"
)

const cookieLen = 16

func (d *Driver) accept(ctx context.Context, c *Conn) error {
	switch c.serverState {
	case AcceptBegin:
		if err := d.waitFor(c, MilestoneClientHello, nil); err != nil {
			return err
		}
		d.setServerState(c, AcceptClientHelloDone)

	case AcceptClientHelloDone:
		if d.needsCookie(c) {
			if len(c.Cookie()) == 0 {
				cookie := make([]byte, cookieLen)
				if err := d.random(cookie); err != nil {
					return err
				}
				c.SetCookie(cookie)
			}
			if err := d.send(c, MessageHelloVerifyRequest); err != nil {
				return err
			}
			d.afterHelloVerify(c)
			return nil
		}
		d.lookupOffered(ctx, c)
		if !c.resuming {
			var id sessionstore.SessionID
			if err := d.random(id[:]); err != nil {
				return err
			}
			c.sessionID = id
		}
		d.setServerState(c, AcceptFirstReplyDone)

	case AcceptFirstReplyDone:
		if err := d.send(c, MessageServerHello); err != nil {
			return err
		}
		d.setServerState(c, ServerHelloSent)

	case ServerHelloSent:
		if !c.resuming {
			if err := d.send(c, MessageCertificate); err != nil {
				return err
			}
		}
		d.setServerState(c, ServerCertificateSent)

	case ServerCertificateSent:
		if !c.resuming {
			if err := d.send(c, MessageServerKeyExchange); err != nil {
				return err
			}
		}
		d.setServerState(c, ServerKeyExchangeSent)

	case ServerKeyExchangeSent:
		if !c.resuming && d.cfg.VerifyPeer {
			c.certRequested = true
			if err := d.send(c, MessageCertificateRequest); err != nil {
				return err
			}
		}
		d.setServerState(c, ServerCertificateRequestSent)

	case ServerCertificateRequestSent:
		if !c.resuming {
			if err := d.send(c, MessageServerHelloDone); err != nil {
				return err
			}
		}
		d.setServerState(c, ServerHelloDoneSent)

	case ServerHelloDoneSent:
		if !c.resuming {
			if err := d.waitFor(c, MilestoneClientFinished, nil); err != nil {
				return err
			}
		}
		d.setServerState(c, AcceptSecondReplyDone)

	case AcceptSecondReplyDone:
		if !c.resuming && d.cfg.SendTicket {
			c.ticketLife = d.ticketLifetime(c)
			if err := d.send(c, MessageNewSessionTicket); err != nil {
				return err
			}
		}
		d.setServerState(c, ServerTicketSent)

	case ServerTicketSent:
		if err := d.send(c, MessageChangeCipherSpec); err != nil {
			return err
		}
		d.setServerState(c, ServerChangeCipherSent)

	case ServerChangeCipherSent:
		if err := d.send(c, MessageFinished); err != nil {
			return err
		}
		d.setServerState(c, AcceptFinishedDone)

	case AcceptFinishedDone:
		// On a resumed handshake the client's finished follows ours.
		if c.resuming {
			if err := d.waitFor(c, MilestoneClientFinished, nil); err != nil {
				return err
			}
		}
		d.setServerState(c, AcceptThirdReplyDone)

	case AcceptThirdReplyDone:
		d.complete(ctx, c)
	}
	return nil
}

func (d *Driver) needsCookie(c *Conn) bool {
	return c.transport == TransportDatagram && d.cfg.HelloVerify && !c.scratch().cookieSent
}

// afterHelloVerify returns to waiting for the client's second hello.
func (d *Driver) afterHelloVerify(c *Conn) {
	c.scratch().cookieSent = true
	c.peer = MilestoneNone
	d.setServerState(c, AcceptBegin)
}

// lookupOffered resumes the session the client offered if the store still
// holds a fresh copy. A store failure (lock, torn copy, allocation) falls
// back to a full handshake; it is logged at warn and counted as a resume
// fallback so it never passes as an ordinary miss.
func (d *Driver) lookupOffered(ctx context.Context, c *Conn) {
	id := c.OfferedSessionID()
	if id.IsZero() || d.cfg.Store == nil {
		return
	}
	ok, err := d.cfg.Store.ResumeInto(ctx, &c.session, id)
	if err != nil {
		logs.Warnf("handshake.Driver.lookupOffered fallback id=%s err=%v", id, err)
		observability.RecordResumeFallback(c.role.String(), fallbackReason(err))
		return
	}
	if !ok {
		logs.Debugf("handshake.Driver.lookupOffered miss id=%s", id)
		return
	}
	c.adoptSession()
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, sessionstore.ErrLockTimeout):
		return "lock"
	case errors.Is(err, sessionstore.ErrRecordChanged):
		return "record_changed"
	case errors.Is(err, sessionstore.ErrTicketAlloc):
		return "ticket_alloc"
	default:
		return "store_error"
	}
}

func (d *Driver) ticketLifetime(c *Conn) uint32 {
	if cb := d.cfg.Callbacks.TicketLifetime; cb != nil {
		if v := cb(c); v > 0 {
			return v
		}
	}
	return uint32(d.cfg.SessionValidity / time.Second)
}
