package handshake

// RecordLayer builds, sends, and parses handshake messages for a Conn.
//
// Implementations return ErrWantWrite when the transport accepted only part of
// a message (the remainder stays in c.Output()) and ErrWantRead when no
// complete message is available. Any other error is fatal.
type RecordLayer interface {
	// SendHandshakeMessage builds a message of the given kind into
	// c.Output() and writes as much of it as the transport accepts.
	SendHandshakeMessage(c *Conn, kind MessageKind) error
	// SendBuffered resumes writing c.Output() without rebuilding it.
	SendBuffered(c *Conn) error
	// ProcessIncoming consumes peer messages, folding their effect into c
	// and raising c.PeerProgress().
	ProcessIncoming(c *Conn) error
}
