package relay

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
)

// Internal is one of the relay's backend-facing UDP sockets. The relay
// binds one per admitted client slot; each runs its own receive loop
// forwarding backend replies back to the client through the external
// socket, mirroring router.rs's internal_handler.
type Internal struct {
	sock    *Socket
	bufSize int
	log     zerolog.Logger
}

// NewInternal binds a backend-facing relay socket with the given id.
func NewInternal(id SocketID, addr *net.UDPAddr, bufSize int, log zerolog.Logger) (*Internal, error) {
	sock, err := bindSocket(id, addr, bufSize)
	if err != nil {
		return nil, fmt.Errorf("bind internal socket %d: %w", id, err)
	}
	return &Internal{sock: sock, bufSize: bufSize, log: log}, nil
}

// Socket exposes the bound socket so it can be handed to Router as part of
// its available pool.
func (i *Internal) Socket() *Socket { return i.sock }

// Serve runs the receive loop for this socket until ctx is cancelled or the
// socket errors. A receive error here is fatal to the whole relay, matching
// router.rs's internal_handler treating any recv error as unrecoverable.
func (i *Internal) Serve(ctx context.Context, router *Router, external *Socket) error {
	go func() {
		<-ctx.Done()
		i.sock.Close()
	}()

	buf := make([]byte, i.bufSize)
	for {
		n, _, err := i.sock.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("internal receive (socket %d): %w", i.sock.ID, err)
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		router.RelayInternal(payload, i.sock, external)
	}
}
