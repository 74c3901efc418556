package handshake

import (
	"context"

	logs "github.com/danmuck/handshake/internal/logging"
)

// connect runs the handler for the client's current state. Each handler
// advances the state only after its unit of work is complete.
func (d *Driver) connect(ctx context.Context, c *Conn) error {
	switch c.clientState {
	case ClientBegin:
		if err := d.send(c, MessageClientHello); err != nil {
			return err
		}
		d.setClientState(c, ClientHelloSent)

	case ClientHelloSent:
		if c.transport == TransportDatagram {
			// The server may first ask for a cookie.
			if err := d.waitFor(c, MilestoneServerHelloVerify, nil); err != nil {
				return err
			}
		} else if err := d.waitFirstReply(c); err != nil {
			return err
		}
		d.setClientState(c, ClientHelloAgain)

	case ClientHelloAgain:
		if c.transport == TransportDatagram && c.peer == MilestoneServerHelloVerify {
			if err := d.send(c, MessageClientHello); err != nil {
				return err
			}
		}
		d.setClientState(c, ClientHelloAgainReply)

	case ClientHelloAgainReply:
		if c.transport == TransportDatagram {
			if err := d.waitFirstReply(c); err != nil {
				return err
			}
		}
		d.setClientState(c, ClientFirstReplyDone)

	case ClientFirstReplyDone:
		if c.certRequested && !c.resuming {
			if err := d.send(c, MessageCertificate); err != nil {
				return err
			}
		}
		d.setClientState(c, ClientCertificateSent)

	case ClientCertificateSent:
		if !c.resuming {
			if err := d.send(c, MessageClientKeyExchange); err != nil {
				return err
			}
		}
		d.setClientState(c, ClientKeyExchangeSent)

	case ClientKeyExchangeSent:
		if c.certRequested && !c.resuming {
			if err := d.send(c, MessageCertificateVerify); err != nil {
				return err
			}
		}
		d.setClientState(c, ClientCertificateVerifySent)

	case ClientCertificateVerifySent:
		if err := d.send(c, MessageChangeCipherSpec); err != nil {
			return err
		}
		d.setClientState(c, ClientChangeCipherSent)

	case ClientChangeCipherSent:
		if err := d.send(c, MessageFinished); err != nil {
			return err
		}
		d.setClientState(c, ClientFinishedSent)

	case ClientFinishedSent:
		// Already satisfied on a resumed handshake.
		if err := d.waitFor(c, MilestoneServerFinished, nil); err != nil {
			return err
		}
		d.setClientState(c, ClientSecondReplyDone)

	case ClientSecondReplyDone:
		d.complete(ctx, c)
	}
	return nil
}

// waitFirstReply waits for the server's first flight. A resuming client
// expects the abbreviated flight through server finished; if the record layer
// reports the resumption was declined, the target widens to server hello done
// and the wait continues from the messages already processed.
func (d *Driver) waitFirstReply(c *Conn) error {
	target := MilestoneServerHelloDone
	if c.resuming {
		target = MilestoneServerFinished
	}
	return d.waitFor(c, target, func(t Milestone) Milestone {
		if t == MilestoneServerFinished && !c.resuming {
			logs.Debugf("handshake.Driver.waitFirstReply resumption declined id=%s", c.sessionID)
			return MilestoneServerHelloDone
		}
		return t
	})
}
