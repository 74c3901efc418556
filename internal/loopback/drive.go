package loopback

import (
	"context"
	"errors"

	"github.com/danmuck/handshake/internal/handshake"
)

const maxRounds = 64

var ErrStalled = errors.New("loopback: handshake made no progress")

// Drive alternates Step on the client and the server until both complete.
// Either side failing ends the drive with that side's error.
func Drive(ctx context.Context, cd *handshake.Driver, client *handshake.Conn, sd *handshake.Driver, server *handshake.Conn) error {
	for i := 0; i < maxRounds; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		cs, err := cd.Step(ctx, client)
		if cs == handshake.StatusFatal {
			return err
		}
		ss, err := sd.Step(ctx, server)
		if ss == handshake.StatusFatal {
			return err
		}
		if cs == handshake.StatusSuccess && ss == handshake.StatusSuccess {
			return nil
		}
	}
	return ErrStalled
}
