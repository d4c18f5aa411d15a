// Package history records relay connection-lifecycle events for audit
// purposes. It observes pkg/relay's Router passively — the router never
// reads history back, so an unavailable or slow sink can never affect the
// relay's datagram path.
package history

import (
	"fmt"
	"strings"

	"github.com/r2northstar/titanfront/pkg/relay"
	"github.com/rs/zerolog"
)

// Open builds a relay.Sink from a storage DSN: "memory" (the default) for
// an in-memory ring buffer, or "sqlite3:<path>" for a persistent sqlite3
// log, mirroring pkg/atlas/server.go's "type:arg" storage-selection
// convention for account/pdata storage.
func Open(dsn string, log zerolog.Logger) (relay.Sink, error) {
	if dsn == "" || dsn == "memory" {
		return NewMemorySink(1024), nil
	}
	typ, arg, ok := strings.Cut(dsn, ":")
	if !ok {
		return nil, fmt.Errorf("history: invalid storage dsn %q", dsn)
	}
	switch typ {
	case "memory":
		return NewMemorySink(1024), nil
	case "sqlite3":
		return NewSQLiteSink(arg, log)
	default:
		return nil, fmt.Errorf("history: unknown storage type %q", typ)
	}
}
