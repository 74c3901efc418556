package handshake

import "fmt"

// ClientState marks the last unit of client work that completed. The handler
// for a state performs the unit that follows it.
type ClientState uint8

const (
	ClientBegin ClientState = iota
	ClientHelloSent
	ClientHelloAgain
	ClientHelloAgainReply
	ClientFirstReplyDone
	ClientCertificateSent
	ClientKeyExchangeSent
	ClientCertificateVerifySent
	ClientChangeCipherSent
	ClientFinishedSent
	ClientSecondReplyDone
)

var clientStateNames = [...]string{
	ClientBegin:                 "client_begin",
	ClientHelloSent:             "client_hello_sent",
	ClientHelloAgain:            "client_hello_again",
	ClientHelloAgainReply:       "client_hello_again_reply",
	ClientFirstReplyDone:        "client_first_reply_done",
	ClientCertificateSent:       "client_certificate_sent",
	ClientKeyExchangeSent:       "client_key_exchange_sent",
	ClientCertificateVerifySent: "client_certificate_verify_sent",
	ClientChangeCipherSent:      "client_change_cipher_sent",
	ClientFinishedSent:          "client_finished_sent",
	ClientSecondReplyDone:       "client_second_reply_done",
}

func (s ClientState) String() string {
	if int(s) < len(clientStateNames) {
		return clientStateNames[s]
	}
	return fmt.Sprintf("ClientState(%d)", uint8(s))
}

// sends reports whether the handler for s transmits a message. Only these
// states advance when a suspended write is later flushed.
func (s ClientState) sends() bool {
	switch s {
	case ClientBegin, ClientHelloAgain, ClientFirstReplyDone, ClientCertificateSent,
		ClientKeyExchangeSent, ClientCertificateVerifySent, ClientChangeCipherSent:
		return true
	default:
		return false
	}
}

// ServerState enumerates the server side of the state machine.
type ServerState uint8

const (
	AcceptBegin ServerState = iota
	AcceptClientHelloDone
	AcceptFirstReplyDone
	ServerHelloSent
	ServerCertificateSent
	ServerKeyExchangeSent
	ServerCertificateRequestSent
	ServerHelloDoneSent
	AcceptSecondReplyDone
	ServerTicketSent
	ServerChangeCipherSent
	AcceptFinishedDone
	AcceptThirdReplyDone
)

var serverStateNames = [...]string{
	AcceptBegin:                  "accept_begin",
	AcceptClientHelloDone:        "accept_client_hello_done",
	AcceptFirstReplyDone:         "accept_first_reply_done",
	ServerHelloSent:              "server_hello_sent",
	ServerCertificateSent:        "server_certificate_sent",
	ServerKeyExchangeSent:        "server_key_exchange_sent",
	ServerCertificateRequestSent: "server_certificate_request_sent",
	ServerHelloDoneSent:          "server_hello_done_sent",
	AcceptSecondReplyDone:        "accept_second_reply_done",
	ServerTicketSent:             "server_ticket_sent",
	ServerChangeCipherSent:       "server_change_cipher_sent",
	AcceptFinishedDone:           "accept_finished_done",
	AcceptThirdReplyDone:         "accept_third_reply_done",
}

func (s ServerState) String() string {
	if int(s) < len(serverStateNames) {
		return serverStateNames[s]
	}
	return fmt.Sprintf("ServerState(%d)", uint8(s))
}

func (s ServerState) sends() bool {
	switch s {
	case AcceptClientHelloDone, AcceptFirstReplyDone, ServerHelloSent, ServerCertificateSent,
		ServerKeyExchangeSent, ServerCertificateRequestSent, AcceptSecondReplyDone,
		ServerTicketSent, ServerChangeCipherSent:
		return true
	default:
		return false
	}
}

// Milestone is the furthest point of peer progress the record layer has
// processed. Client connections track server milestones and server
// connections track client milestones; each range is ordered.
type Milestone uint8

const (
	MilestoneNone Milestone = iota

	MilestoneServerHelloVerify
	MilestoneServerHello
	MilestoneServerCertificate
	MilestoneServerKeyExchange
	MilestoneServerCertificateRequest
	MilestoneServerHelloDone
	MilestoneServerChangeCipher
	MilestoneServerFinished

	MilestoneClientHello
	MilestoneClientCertificate
	MilestoneClientKeyExchange
	MilestoneClientCertificateVerify
	MilestoneClientChangeCipher
	MilestoneClientFinished
)

var milestoneNames = [...]string{
	MilestoneNone:                     "none",
	MilestoneServerHelloVerify:        "server_hello_verify",
	MilestoneServerHello:              "server_hello",
	MilestoneServerCertificate:        "server_certificate",
	MilestoneServerKeyExchange:        "server_key_exchange",
	MilestoneServerCertificateRequest: "server_certificate_request",
	MilestoneServerHelloDone:          "server_hello_done",
	MilestoneServerChangeCipher:       "server_change_cipher",
	MilestoneServerFinished:           "server_finished",
	MilestoneClientHello:              "client_hello",
	MilestoneClientCertificate:        "client_certificate",
	MilestoneClientKeyExchange:        "client_key_exchange",
	MilestoneClientCertificateVerify:  "client_certificate_verify",
	MilestoneClientChangeCipher:       "client_change_cipher",
	MilestoneClientFinished:           "client_finished",
}

func (m Milestone) String() string {
	if int(m) < len(milestoneNames) {
		return milestoneNames[m]
	}
	return fmt.Sprintf("Milestone(%d)", uint8(m))
}

// observedBy reports whether a connection in role r tracks m.
func (m Milestone) observedBy(r Role) bool {
	switch r {
	case RoleClient:
		return m >= MilestoneServerHelloVerify && m <= MilestoneServerFinished
	case RoleServer:
		return m >= MilestoneClientHello && m <= MilestoneClientFinished
	default:
		return false
	}
}
