package loopback

import (
	"crypto/sha256"
	"io"

	"github.com/danmuck/handshake/internal/handshake"
	"github.com/danmuck/handshake/internal/protocol/tlv"
	"github.com/danmuck/handshake/internal/sessionstore"
	"golang.org/x/crypto/hkdf"
)

// Field ids used in message bodies.
const (
	fieldRandom      uint16 = 1
	fieldSessionID   uint16 = 2
	fieldTicket      uint16 = 3
	fieldCookie      uint16 = 4
	fieldSecureReneg uint16 = 5
	fieldVersion     uint16 = 6
	fieldSuite0      uint16 = 7
	fieldSuite       uint16 = 8
	fieldEMS         uint16 = 9
	fieldLifetime    uint16 = 10
	fieldPreMaster   uint16 = 11
	fieldVerifyData  uint16 = 12
	fieldCert        uint16 = 13
)

const preMasterLen = 48

func chainFields(chain [][]byte) []tlv.Field {
	fields := make([]tlv.Field, 0, len(chain))
	for _, der := range chain {
		fields = append(fields, tlv.Bytes(fieldCert, der))
	}
	return fields
}

func chainOf(fields []tlv.Field) [][]byte {
	var chain [][]byte
	for _, f := range fields {
		if f.ID == fieldCert && f.Type == tlv.TypeBytes {
			chain = append(chain, f.Value)
		}
	}
	return chain
}

func sessionIDOf(fields []tlv.Field) (sessionstore.SessionID, error) {
	var id sessionstore.SessionID
	b, err := tlv.GetBytes(fields, fieldSessionID)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// deriveMaster expands the pre-master secret with both randoms into a master
// secret.
func deriveMaster(preMaster []byte, client, server [handshake.RandomLen]byte) ([sessionstore.SecretLen]byte, error) {
	var ms [sessionstore.SecretLen]byte
	salt := make([]byte, 0, 2*handshake.RandomLen)
	salt = append(salt, client[:]...)
	salt = append(salt, server[:]...)
	r := hkdf.New(sha256.New, preMaster, salt, []byte("master secret"))
	if _, err := io.ReadFull(r, ms[:]); err != nil {
		return ms, err
	}
	return ms, nil
}

// transcriptWrite folds one message into the running transcript. Change
// cipher spec and hello request are left out.
func transcriptWrite(c *handshake.Conn, kind handshake.MessageKind, payload []byte) {
	switch kind {
	case handshake.MessageChangeCipherSpec, handshake.MessageHelloRequest:
		return
	}
	h := c.Transcript()
	_, _ = h.Write([]byte{byte(kind)})
	_, _ = h.Write(payload)
}

func transcriptSum(c *handshake.Conn) []byte {
	return c.Transcript().Sum(nil)
}
