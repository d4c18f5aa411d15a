// Package relay implements the Titanfront UDP relay: per-client socket
// isolation and join-time admission gating between external game clients
// and a pool of internal backend game servers.
package relay

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// playerConnectMagic is the 13-byte magic NS_PLAYER_CONNECT prefix a client
// sends (still encrypted) when it has no existing binding.
var playerConnectMagic = []byte{0xFF, 0xFF, 0xFF, 0xFF, 'H', 'c', 'o', 'n', 'n', 'e', 'c', 't', 0x00}

// challengeAuthServerMagic is the 9-byte magic the relay prefixes to the
// UDP challenge-response it sends back to the master/auth server.
var challengeAuthServerMagic = []byte{0xFF, 0xFF, 0xFF, 0xFF, 'I', 'T', 't', 'F', 'r'}

const (
	// admitUserIDOffset is where the admission (no-binding) branch reads
	// the 8-byte little-endian user ID from the decrypted connect packet.
	admitUserIDOffset = 13
	// connectUserIDOffset is where the Connecting-branch reads the 8-byte
	// little-endian user ID from the decrypted packet. This is a distinct
	// offset from admitUserIDOffset by design — see DESIGN.md Open
	// Question #1 — not a copy-paste bug.
	connectUserIDOffset = 21
	// usernameStart is where the (still-encrypted) username begins,
	// terminated by the first zero byte.
	usernameStart = connectUserIDOffset + 8
	// tokenLen is the fixed length of the hex auth token that follows the
	// username's null terminator.
	tokenLen = 31
	// deadConnectionTimeout is how long a binding may go without a forwarded
	// datagram before CleanupDeadConnections reclaims its socket.
	deadConnectionTimeout = 5 * time.Second
)

type connStatus int

const (
	statusConnecting connStatus = iota
	statusAuthenticated
	statusBlocked
)

// binding is the per-client-address entry tracked in Router.ips. It carries
// its own mutex so bindings can be mutated independently of one another,
// the Go analogue of the per-key locking a concurrent map like DashMap
// would give for free.
type binding struct {
	mu     sync.Mutex
	status connStatus
	sock   *Socket
	target netip.AddrPort
}

// Router is the relay's core state machine: it tracks which client
// addresses are bound to which relay sockets, which auth tokens are
// expected for which user IDs, and which relay sockets are free to hand
// out to new clients.
type Router struct {
	codec         *Codec
	admins        map[uint64]struct{}
	targetServers []netip.AddrPort
	authEnabled   bool

	log     zerolog.Logger
	metrics *routerMetrics
	history Sink

	joinTarget atomic.Uint64

	tokens sync.Map // string -> uint64

	ips sync.Map // netip.AddrPort -> *binding

	sockets sync.Map // SocketID -> netip.AddrPort

	counters sync.Map // netip.AddrPort -> time.Time

	availableMu sync.Mutex
	available   []*Socket

	players sync.Map // uint64 -> struct{}
}

// RouterConfig bundles the pieces of operator configuration Router needs without
// coupling it to the titanfront.Config type.
type RouterConfig struct {
	Codec         *Codec
	Sockets       []*Socket
	Admins        []uint64
	TargetServers []netip.AddrPort
	JoinTarget    int
	AuthEnabled   bool
	Log           zerolog.Logger
	History       Sink
}

// NewRouter builds a Router with the provided relay sockets all initially
// available.
func NewRouter(c RouterConfig) *Router {
	admins := make(map[uint64]struct{}, len(c.Admins))
	for _, a := range c.Admins {
		admins[a] = struct{}{}
	}
	available := make([]*Socket, len(c.Sockets))
	copy(available, c.Sockets)

	r := &Router{
		codec:         c.Codec,
		admins:        admins,
		targetServers: c.TargetServers,
		authEnabled:   c.AuthEnabled,
		log:           c.Log,
		metrics:       newRouterMetrics(),
		history:       c.History,
		available:     available,
	}
	r.joinTarget.Store(uint64(c.JoinTarget))
	r.metrics.registerGauges(r)
	return r
}

// Metrics exposes the router's metric set for /metrics handlers.
func (r *Router) Metrics() *routerMetrics { return r.metrics }

// AddToken registers token as the expected credential for userID, provided
// there's at least one non-admin relay socket still available. It mirrors
// add_token's capacity check: admins always have a slot reserved for them,
// so a non-admin join is only accepted while available sockets outnumber
// the admin reservation.
func (r *Router) AddToken(token string, userID uint64) bool {
	r.availableMu.Lock()
	ok := len(r.available)-len(r.admins) > 0
	r.availableMu.Unlock()
	if !ok {
		return false
	}
	r.tokens.Store(token, userID)
	r.players.Store(userID, struct{}{})
	return true
}

// PlayerCount returns the number of addresses currently bound to a relay
// socket, in any state (Connecting, Authenticated or Blocked-pending-
// eviction). This slightly overstates live players during the brief window
// a Blocked binding is pending removal, matching the original's behavior.
func (r *Router) PlayerCount() int {
	n := 0
	r.ips.Range(func(_, _ any) bool { n++; return true })
	return n
}

// AvailableSockets returns the number of relay sockets not currently handed
// out to a client.
func (r *Router) AvailableSockets() int {
	r.availableMu.Lock()
	defer r.availableMu.Unlock()
	return len(r.available)
}

// RelayExternal handles one datagram received from a game client on the
// external socket.
func (r *Router) RelayExternal(payload []byte, addr netip.AddrPort) {
	if v, ok := r.ips.Load(addr); ok {
		r.relayExternalBound(payload, addr, v.(*binding))
		return
	}
	r.relayExternalUnbound(payload, addr)
}

func (r *Router) relayExternalBound(payload []byte, addr netip.AddrPort, b *binding) {
	b.mu.Lock()
	switch b.status {
	case statusAuthenticated:
		sock, target := b.sock, b.target
		b.mu.Unlock()
		sock.SendTo(payload, udpAddr(target))
		r.counters.Store(addr, time.Now())
		r.metrics.relay_tx_bytes_total.Add(uint64(len(payload)))
		return
	case statusBlocked:
		b.mu.Unlock()
		r.log.Warn().Stringer("addr", addr).Msg("connection on blocked socket")
		return
	}

	// statusConnecting
	plain, ok := r.codec.Decrypt(cloneBytes(payload))
	if !ok {
		b.mu.Unlock()
		r.metrics.admissions_total.decrypt_err.Inc()
		r.log.Warn().Stringer("addr", addr).Msg("bad decrypt from connecting client")
		return
	}
	if len(plain) < usernameStart {
		b.mu.Unlock()
		return
	}
	userID := binary.LittleEndian.Uint64(plain[connectUserIDOffset : connectUserIDOffset+8])

	unameEnd := len(payload)
	for i := usernameStart; i < len(payload); i++ {
		if payload[i] == 0 {
			unameEnd = i
			break
		}
	}
	userName := string(payload[usernameStart:min(unameEnd, len(payload))])

	if !r.authEnabled {
		b.status = statusAuthenticated
		sock, target := b.sock, b.target
		b.mu.Unlock()
		r.log.Info().Uint64("user_id", userID).Str("user_name", userName).Msg("unauthenticated connection")
		sock.SendTo(payload, udpAddr(target))
		r.metrics.connections_total.unauthenticated.Inc()
		r.counters.Store(addr, time.Now())
		r.history.Record(Event{Addr: addr, UserID: userID, Kind: EventAuthenticated})
		return
	}

	tokenEnd := unameEnd + tokenLen
	if tokenEnd > len(payload) {
		tokenEnd = len(payload)
	}
	// Token is scanned from the ciphertext (payload), not the decrypted
	// plaintext — see DESIGN.md Open Question #2; this matches the
	// original's behavior exactly for interoperability.
	token := string(payload[min(unameEnd, len(payload)):tokenEnd])

	if v, ok := r.tokens.Load(token); ok {
		if v.(uint64) == userID {
			b.status = statusAuthenticated
			sock, target := b.sock, b.target
			b.mu.Unlock()
			r.log.Info().Uint64("user_id", userID).Str("user_name", userName).Msg("connection authenticated with token")
			sock.SendTo(payload, udpAddr(target))
			r.metrics.connections_total.authenticated.Inc()
			r.counters.Store(addr, time.Now())
			r.history.Record(Event{Addr: addr, UserID: userID, Kind: EventAuthenticated})
			return
		}
		b.mu.Unlock()
		r.log.Warn().Uint64("claimed_user_id", userID).Uint64("token_user_id", v.(uint64)).Msg("connection denied due to user spoofing")
		r.metrics.connections_total.spoof_denied.Inc()
		return
	}

	// Token absent: block and evict the socket back to the pool.
	b.status = statusBlocked
	sock := b.sock
	b.mu.Unlock()
	r.log.Warn().Uint64("user_id", userID).Str("user_name", userName).Msg("failed auth: no matching token")
	r.metrics.connections_total.auth_failed.Inc()
	r.sockets.Delete(sock.ID)
	r.returnSocket(sock)
	r.history.Record(Event{Addr: addr, UserID: userID, Kind: EventBlocked})

	r.ips.Delete(addr)
}

func (r *Router) relayExternalUnbound(payload []byte, addr netip.AddrPort) {
	r.availableMu.Lock()
	empty := len(r.available) == 0
	r.availableMu.Unlock()
	if empty {
		return
	}

	plain, ok := r.codec.Decrypt(cloneBytes(payload))
	if !ok {
		r.metrics.admissions_total.decrypt_err.Inc()
		r.log.Warn().Stringer("addr", addr).Msg("bad decrypt from unbound client")
		return
	}
	if len(plain) < len(playerConnectMagic) || !bytes.Equal(plain[:len(playerConnectMagic)], playerConnectMagic) {
		r.metrics.admissions_total.bad_packet.Inc()
		r.log.Warn().Stringer("addr", addr).Msg("connection blocked: bad packet")
		return
	}
	if len(plain) < admitUserIDOffset+8 {
		r.metrics.admissions_total.bad_packet.Inc()
		return
	}
	userID := binary.LittleEndian.Uint64(plain[admitUserIDOffset : admitUserIDOffset+8])

	r.availableMu.Lock()
	_, isAdmin := r.admins[userID]
	_, isPlayer := r.players.Load(userID)
	admit := (len(r.available) > len(r.admins) && isPlayer) || (len(r.available) > 0 && isAdmin)
	if !admit {
		r.availableMu.Unlock()
		r.metrics.admissions_total.no_sockets.Inc()
		r.log.Warn().Uint64("user_id", userID).Msg("connection blocked: not enough sockets")
		return
	}
	sock := r.available[len(r.available)-1]
	r.available = r.available[:len(r.available)-1]
	r.availableMu.Unlock()

	target := r.targetServers[r.joinTarget.Load()%uint64(len(r.targetServers))]
	sock.SendTo(payload, udpAddr(target))

	r.ips.Store(addr, &binding{status: statusConnecting, sock: sock, target: target})
	r.sockets.Store(sock.ID, addr)
	r.counters.Store(addr, time.Now())
	r.metrics.admissions_total.admitted.Inc()
	r.history.Record(Event{Addr: addr, UserID: userID, Kind: EventAdmitted})
}

// RelayInternal handles one datagram received from a backend game server on
// one of the relay sockets, forwarding it to that socket's bound client
// through the external socket.
func (r *Router) RelayInternal(payload []byte, sender *Socket, external *Socket) {
	v, ok := r.sockets.Load(sender.ID)
	if !ok {
		return
	}
	addr := v.(netip.AddrPort)
	external.SendTo(payload, udpAddr(addr))
	r.metrics.relay_tx_bytes_total.Add(uint64(len(payload)))
}

// CleanupDeadConnections evicts bindings whose client hasn't had a datagram
// forwarded in over deadConnectionTimeout, returning their sockets to the
// available pool.
func (r *Router) CleanupDeadConnections() {
	var dead []netip.AddrPort
	r.counters.Range(func(k, v any) bool {
		addr, last := k.(netip.AddrPort), v.(time.Time)
		if time.Since(last) > deadConnectionTimeout {
			dead = append(dead, addr)
		}
		return true
	})

	for _, addr := range dead {
		v, ok := r.ips.Load(addr)
		if !ok {
			continue
		}
		b := v.(*binding)
		b.mu.Lock()
		b.status = statusBlocked
		sock := b.sock
		b.mu.Unlock()

		r.sockets.Delete(sock.ID)
		r.returnSocket(sock)
		r.counters.Delete(addr)
		r.ips.Delete(addr)
		r.metrics.cleanup_total.reclaimed.Inc()
		r.history.Record(Event{Addr: addr, Kind: EventReclaimed})
	}
}

func (r *Router) returnSocket(sock *Socket) {
	r.availableMu.Lock()
	r.available = append(r.available, sock)
	r.availableMu.Unlock()
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
