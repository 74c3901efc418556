package handshake

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/handshake/internal/sessionstore"
)

// Callbacks are optional application hooks. They run on the goroutine calling
// Step and must not call back into the Driver for the same Conn.
type Callbacks struct {
	// NewSession receives a detached copy of every session stored after a
	// full handshake.
	NewSession func(c *Conn, rec sessionstore.Record)
	// TicketLifetime returns the lifetime hint, in seconds, for an issued
	// ticket. Zero falls back to the session validity.
	TicketLifetime func(c *Conn) uint32
	// Transition observes every state change.
	Transition func(c *Conn, from, to string)
}

// Config holds the driver settings shared by every connection it creates.
type Config struct {
	Transport       Transport
	SessionValidity time.Duration
	// KeepResources retains handshake scratch after completion.
	KeepResources bool
	// VerifyPeer makes the server request a client certificate.
	VerifyPeer bool
	// SendTicket makes the server issue a ticket on full handshakes.
	SendTicket bool
	// AllowRenegotiation permits Renegotiate and SecureResume on connections
	// that negotiated secure renegotiation.
	AllowRenegotiation bool
	// HelloVerify makes a datagram server answer the first hello with a
	// cookie request.
	HelloVerify bool

	Store     *sessionstore.Store
	Rand      io.Reader
	Clock     func() time.Time
	Callbacks Callbacks
}

// DefaultConfig returns a stream config that issues tickets and allows
// renegotiation. Sessions stay valid for two hours and no store is attached.
func DefaultConfig() Config {
	return Config{
		Transport:          TransportStream,
		SessionValidity:    7200 * time.Second,
		SendTicket:         true,
		AllowRenegotiation: true,
	}
}

func (c Config) withDefaults() Config {
	if c.SessionValidity == 0 {
		c.SessionValidity = DefaultConfig().SessionValidity
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Validate reports the first setting that would make the driver unusable.
func (c Config) Validate() error {
	if c.Transport > TransportDatagram {
		return fmt.Errorf("handshake: invalid transport %d", c.Transport)
	}
	if c.SessionValidity < time.Second || c.SessionValidity > time.Duration(1<<32-1)*time.Second {
		return fmt.Errorf("handshake: session validity %v out of range", c.SessionValidity)
	}
	return nil
}
