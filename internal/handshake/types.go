package handshake

import "fmt"

// Role selects which side of the handshake a connection drives.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Transport selects stream or datagram handshake rules.
type Transport uint8

const (
	TransportStream Transport = iota
	TransportDatagram
)

func (t Transport) String() string {
	switch t {
	case TransportStream:
		return "stream"
	case TransportDatagram:
		return "datagram"
	default:
		return fmt.Sprintf("Transport(%d)", uint8(t))
	}
}

// ParseTransport accepts "stream" or "datagram".
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "", "stream":
		return TransportStream, nil
	case "datagram":
		return TransportDatagram, nil
	default:
		return 0, fmt.Errorf("handshake: unknown transport %q", s)
	}
}

// Status is the outcome of one Step call.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusWantRead
	StatusWantWrite
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusWantRead:
		return "want_read"
	case StatusWantWrite:
		return "want_write"
	case StatusFatal:
		return "fatal"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// MessageKind names a handshake message the driver asks the record layer to
// send. Values follow the handshake type registry; ChangeCipherSpec travels as
// its own content type and uses a private value.
type MessageKind uint8

const (
	MessageHelloRequest       MessageKind = 0
	MessageClientHello        MessageKind = 1
	MessageServerHello        MessageKind = 2
	MessageHelloVerifyRequest MessageKind = 3
	MessageNewSessionTicket   MessageKind = 4
	MessageCertificate        MessageKind = 11
	MessageServerKeyExchange  MessageKind = 12
	MessageCertificateRequest MessageKind = 13
	MessageServerHelloDone    MessageKind = 14
	MessageCertificateVerify  MessageKind = 15
	MessageClientKeyExchange  MessageKind = 16
	MessageFinished           MessageKind = 20
	MessageChangeCipherSpec   MessageKind = 254
)

func (k MessageKind) String() string {
	switch k {
	case MessageHelloRequest:
		return "hello_request"
	case MessageClientHello:
		return "client_hello"
	case MessageServerHello:
		return "server_hello"
	case MessageHelloVerifyRequest:
		return "hello_verify_request"
	case MessageNewSessionTicket:
		return "new_session_ticket"
	case MessageCertificate:
		return "certificate"
	case MessageServerKeyExchange:
		return "server_key_exchange"
	case MessageCertificateRequest:
		return "certificate_request"
	case MessageServerHelloDone:
		return "server_hello_done"
	case MessageCertificateVerify:
		return "certificate_verify"
	case MessageClientKeyExchange:
		return "client_key_exchange"
	case MessageFinished:
		return "finished"
	case MessageChangeCipherSpec:
		return "change_cipher_spec"
	default:
		return fmt.Sprintf("MessageKind(%d)", uint8(k))
	}
}
