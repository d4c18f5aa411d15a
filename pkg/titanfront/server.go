package titanfront

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"

	"github.com/r2northstar/titanfront/pkg/authsrv"
	"github.com/r2northstar/titanfront/pkg/history"
	"github.com/r2northstar/titanfront/pkg/relay"
)

// cleanupInterval is how often the router sweeps for dead connections.
const cleanupInterval = time.Second

// Server bootstraps and runs every subsystem of the relay: the external
// receive loop, one internal receive loop per relay socket, the auth HTTP
// surface, and the master-server publisher.
type Server struct {
	cfg *Config
	log zerolog.Logger

	router    *relay.Router
	external  *relay.External
	internals []*relay.Internal
	authHTTP  *http.Server
	debugHTTP *http.Server
	publisher *authsrv.Publisher
}

// NewServer validates cfg, binds the external and internal sockets, and
// wires the router, auth surface and publisher together. Its only network
// I/O is binding local sockets and resolving the target and auth server
// host names; Run starts the actual loops.
func NewServer(cfg *Config) (*Server, error) {
	log := configureLogging(cfg)

	key, err := base64.StdEncoding.DecodeString(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	aad, err := base64.StdEncoding.DecodeString(cfg.AAD)
	if err != nil {
		return nil, fmt.Errorf("decode aad: %w", err)
	}
	codec, err := relay.NewCodec(key, aad)
	if err != nil {
		return nil, fmt.Errorf("init codec: %w", err)
	}

	targets, err := resolveTargetServers(cfg.TargetServers)
	if err != nil {
		return nil, fmt.Errorf("resolve target servers: %w", err)
	}
	if cfg.JoinTarget < 0 || cfg.JoinTarget >= len(targets) {
		return nil, fmt.Errorf("join target %d out of range (have %d target servers)", cfg.JoinTarget, len(targets))
	}

	hist, err := history.Open(cfg.HistoryStorage, log)
	if err != nil {
		return nil, fmt.Errorf("open history storage: %w", err)
	}

	validateModInfoVersions(log, []byte(cfg.ModInfo))

	slots := cfg.PlayerCount + len(cfg.Admins)
	if slots <= 0 {
		return nil, fmt.Errorf("player_count + admins must be positive")
	}

	internals := make([]*relay.Internal, slots)
	sockets := make([]*relay.Socket, slots)
	for i := 0; i < slots; i++ {
		addr := &net.UDPAddr{IP: net.ParseIP(cfg.RelayHost), Port: 0}
		in, err := relay.NewInternal(relay.SocketID(i+1), addr, cfg.ReceiveBufSize, log.With().Int("relay_socket", i+1).Logger())
		if err != nil {
			return nil, fmt.Errorf("bind relay socket %d: %w", i+1, err)
		}
		internals[i] = in
		sockets[i] = in.Socket()
	}

	router := relay.NewRouter(relay.RouterConfig{
		Codec:         codec,
		Sockets:       sockets,
		Admins:        cfg.Admins,
		TargetServers: targets,
		JoinTarget:    cfg.JoinTarget,
		AuthEnabled:   cfg.AuthEnabled,
		Log:           log.With().Str("component", "router").Logger(),
		History:       hist,
	})

	external, err := relay.NewExternal(net.UDPAddrFromAddrPort(cfg.UDPAddr), cfg.AuthServer, router, codec, cfg.ReceiveBufSize, log.With().Str("component", "external").Logger())
	if err != nil {
		return nil, fmt.Errorf("start external socket: %w", err)
	}

	serverAuth := &authsrv.ServerAuth{}
	handler := &authsrv.Handler{Router: router, ServerAuth: serverAuth}
	authHTTP := &http.Server{
		Addr:    net.JoinHostPort(cfg.AuthAddr.Addr().String(), fmt.Sprint(cfg.AuthAddr.Port())),
		Handler: authsrv.AccessLogger(handler, log.With().Str("component", "authsrv").Logger()),
	}

	publisher := authsrv.NewPublisher(authsrv.PublisherConfig{
		MasterURL:   cfg.AuthServer,
		Port:        cfg.UDPAddr.Port(),
		AuthPort:    cfg.AuthAddr.Port(),
		Name:        cfg.Name,
		Description: cfg.Description,
		Password:    cfg.Password,
		MaxPlayers:  cfg.PlayerCount,
		ModInfo:     []byte(cfg.ModInfo),
		Version:     cfg.Version,
		VerifyURL:   selfVerifyURL(cfg.AuthAddr),
		Players:     router,
		ServerAuth:  serverAuth,
		Log:         log.With().Str("component", "publisher").Logger(),
	})

	var debugHTTP *http.Server
	if cfg.DebugAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/relay", external.DebugHandler())
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			if cfg.MetricsSecret != "" && r.URL.Query().Get("secret") != cfg.MetricsSecret {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			router.Metrics().WritePrometheus(w)
		})
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		debugHTTP = &http.Server{Addr: cfg.DebugAddr, Handler: mux}
	}

	return &Server{
		cfg:       cfg,
		log:       log,
		router:    router,
		external:  external,
		internals: internals,
		authHTTP:  authHTTP,
		debugHTTP: debugHTTP,
		publisher: publisher,
	}, nil
}

// configureLogging builds a zerolog.Logger from cfg, the way
// pkg/atlas/server.go's configureLogging assembles stdout/level settings
// into a single logger.
func configureLogging(cfg *Config) zerolog.Logger {
	var w zerolog.ConsoleWriter
	if cfg.LogPretty {
		w = zerolog.NewConsoleWriter(func(cw *zerolog.ConsoleWriter) { cw.Out = os.Stderr })
	} else {
		w = zerolog.NewConsoleWriter(func(cw *zerolog.ConsoleWriter) {
			cw.Out = os.Stderr
			cw.NoColor = true
			cw.PartsOrder = nil
		})
	}
	return zerolog.New(w).Level(cfg.LogLevel).With().Timestamp().Logger()
}

// selfVerifyURL builds the URL the publisher GETs against itself before
// registering. An unspecified bind address (0.0.0.0) isn't dialable, so it's
// rewritten to loopback the way a client on the same host would reach it.
func selfVerifyURL(authAddr netip.AddrPort) string {
	host := authAddr.Addr()
	if host.IsUnspecified() {
		host = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	return fmt.Sprintf("http://%s/verify", netip.AddrPortFrom(host, authAddr.Port()))
}

// resolveTargetServers parses each entry as host:port, resolving via DNS if
// it isn't already a literal address, mirroring appconfig.rs's
// target_servers handling.
func resolveTargetServers(entries []string) ([]netip.AddrPort, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("no target servers to proxy")
	}
	out := make([]netip.AddrPort, 0, len(entries))
	for _, e := range entries {
		if ap, err := netip.ParseAddrPort(e); err == nil {
			out = append(out, ap)
			continue
		}
		host, port, err := net.SplitHostPort(e)
		if err != nil {
			return nil, fmt.Errorf("parse target server %q: %w", e, err)
		}
		ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip", host)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("resolve target server %q: %w", e, err)
		}
		a, ok := netip.AddrFromSlice(ips[0])
		if !ok {
			return nil, fmt.Errorf("bad resolved address for %q", e)
		}
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("parse target server port %q: %w", e, err)
		}
		out = append(out, netip.AddrPortFrom(a.Unmap(), uint16(p)))
	}
	return out, nil
}

// validateModInfoVersions logs a warning for any mod in raw whose Version
// isn't valid semver. Like checkLauncherVersion's handling of an invalid
// minimum version, an unparsable mod version is only ever logged, never
// fatal — the relay still forwards the modinfo to the master server as-is.
func validateModInfoVersions(log zerolog.Logger, raw []byte) {
	var info struct {
		Mods []struct {
			Name    string `json:"Name"`
			Version string `json:"Version"`
		} `json:"Mods"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		log.Warn().Err(err).Msg("could not parse modinfo to validate mod versions")
		return
	}
	for _, m := range info.Mods {
		v := m.Version
		if v != "" && v[0] != 'v' {
			v = "v" + v
		}
		if !semver.IsValid(v) {
			log.Warn().Str("mod", m.Name).Str("version", m.Version).Msg("modinfo entry has a non-semver version")
		}
	}
}

// Run starts every subsystem and blocks until ctx is cancelled or any one
// of them fails, at which point the rest are cancelled too — the Go
// analogue of the original's process-wide panic-to-exit policy, implemented
// with golang.org/x/sync/errgroup instead of a custom panic hook.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return recoverableServe(func() error { return s.external.Serve(gctx) })
	})

	for _, in := range s.internals {
		in := in
		g.Go(func() error {
			return recoverableServe(func() error { return in.Serve(gctx, s.router, s.external.Socket()) })
		})
	}

	g.Go(func() error {
		errch := make(chan error, 1)
		go func() { errch <- s.authHTTP.ListenAndServe() }()
		select {
		case <-gctx.Done():
			return s.authHTTP.Close()
		case err := <-errch:
			return err
		}
	})

	if s.debugHTTP != nil {
		g.Go(func() error {
			errch := make(chan error, 1)
			go func() { errch <- s.debugHTTP.ListenAndServe() }()
			select {
			case <-gctx.Done():
				return s.debugHTTP.Close()
			case err := <-errch:
				return err
			}
		})
	}

	g.Go(func() error {
		return s.publisher.Run(gctx)
	})

	g.Go(func() error {
		relay.RunCleanupLoop(gctx, s.router, cleanupInterval)
		return gctx.Err()
	})

	return g.Wait()
}

// recoverableServe runs f, converting a panic into a logged fatal error
// instead of silently killing just one goroutine, matching the "process
// wide panic hook" design note: since one task's error cancels the whole
// errgroup, the converted panic still brings the relay down as a unit.
func recoverableServe(f func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return f()
}
