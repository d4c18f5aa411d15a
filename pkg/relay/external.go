package relay

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// External is the external-facing UDP endpoint game clients connect to. It
// owns the socket bound on the configured external address, dispatches
// incoming datagrams to the Router, and additionally answers UDP liveness
// challenges from the master/auth server, mirroring router.rs's
// external_handler.
type External struct {
	sock    *Socket
	router  *Router
	codec   *Codec
	authIPs map[netip.Addr]struct{}
	bufSize int
	log     zerolog.Logger
	monitor *monitor
}

// NewExternal binds the external socket and resolves authServer (a URL or
// host:port) to the set of IPs the challenge-response logic should treat as
// the master/auth server.
func NewExternal(addr *net.UDPAddr, authServer string, router *Router, codec *Codec, bufSize int, log zerolog.Logger) (*External, error) {
	sock, err := bindSocket(0, addr, bufSize)
	if err != nil {
		return nil, fmt.Errorf("bind external socket: %w", err)
	}

	authIPs, err := resolveAuthIPs(authServer)
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("resolve auth server: %w", err)
	}
	log.Info().Str("auth_server", authServer).Interface("auth_ips", authIPs).Msg("resolved auth server address")

	return &External{
		sock:    sock,
		router:  router,
		codec:   codec,
		authIPs: authIPs,
		bufSize: bufSize,
		log:     log,
		monitor: newMonitor(64),
	}, nil
}

// resolveAuthIPs extracts the host component of a URL-or-host[:port]
// string and resolves it to a set of IPs, the way router.rs's
// external_handler strips the scheme before parsing/resolving.
func resolveAuthIPs(authServer string) (map[netip.Addr]struct{}, error) {
	host := authServer
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.ReplaceAll(host, "localhost", "127.0.0.1")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}

	ips := map[netip.Addr]struct{}{}
	if a, err := netip.ParseAddr(host); err == nil {
		ips[a] = struct{}{}
		return ips, nil
	}
	addrs, err := net.DefaultResolver.LookupIP(context.Background(), "ip", host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if na, ok := netip.AddrFromSlice(a); ok {
			ips[na.Unmap()] = struct{}{}
		}
	}
	return ips, nil
}

// LocalAddr returns the bound external socket's local address.
func (e *External) LocalAddr() net.Addr { return e.sock.LocalAddr() }

// Socket exposes the bound external socket so internal receive loops can
// forward backend replies back out through it.
func (e *External) Socket() *Socket { return e.sock }

// Serve runs the external receive loop until ctx is cancelled or the socket
// errors.
func (e *External) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		e.sock.Close()
	}()

	buf := make([]byte, e.bufSize)
	for {
		n, raddr, err := e.sock.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("external receive: %w", err)
		}

		udpAddr, ok := raddr.(*net.UDPAddr)
		if !ok {
			continue
		}
		aa, ok := netip.AddrFromSlice(udpAddr.IP)
		if !ok {
			continue
		}
		addr := netip.AddrPortFrom(aa.Unmap(), uint16(udpAddr.Port))

		payload := make([]byte, n)
		copy(payload, buf[:n])

		e.router.RelayExternal(payload, addr)
		e.monitor.publish(payload, addr)

		if _, isAuth := e.authIPs[addr.Addr()]; isAuth {
			e.respondToAuthChallenge(payload, addr)
		}
	}
}

// respondToAuthChallenge answers the master server's liveness probe: it
// decrypts the datagram it just relayed, extracts the admission-branch user
// ID field, and sends back an encrypted CHALLENGE_AUTH_SERVER_MESSAGE
// carrying that ID.
func (e *External) respondToAuthChallenge(payload []byte, addr netip.AddrPort) {
	plain, ok := e.codec.Decrypt(cloneBytes(payload))
	if !ok || len(plain) < admitUserIDOffset+8 {
		return
	}

	challenge := make([]byte, 0, len(challengeAuthServerMagic)+8)
	challenge = append(challenge, challengeAuthServerMagic...)
	challenge = append(challenge, plain[admitUserIDOffset:admitUserIDOffset+8]...)

	packet, err := e.codec.Encrypt(challenge)
	if err != nil {
		e.log.Warn().Err(err).Msg("could not encrypt auth server challenge response")
		return
	}
	if _, err := e.sock.SendTo(packet, udpAddr(addr)); err != nil {
		e.log.Warn().Err(err).Msg("could not respond to auth server UDP query")
		return
	}
	e.log.Debug().Uint64("user_id", binary.LittleEndian.Uint64(plain[admitUserIDOffset:admitUserIDOffset+8])).Msg("responded to auth server UDP query")
}

// RunCleanupLoop periodically reclaims dead connections until ctx is done.
func RunCleanupLoop(ctx context.Context, r *Router, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.CleanupDeadConnections()
		}
	}
}
