package history

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/r2northstar/titanfront/pkg/relay"
)

// SQLiteSink persists connection history events to a sqlite3 database,
// grounded on db/atlasdb.DB's connection setup (WAL, larger cache, busy
// timeout) and db/pdatadb's migration framework.
type SQLiteSink struct {
	x    *sqlx.DB
	log  zerolog.Logger
	ch   chan relay.Event
	done chan struct{}
}

// NewSQLiteSink opens (creating and migrating if necessary) a sqlite3
// database at path and starts its background writer goroutine.
func NewSQLiteSink(path string, log zerolog.Logger) (*SQLiteSink, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: path,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-16000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, fmt.Errorf("open sqlite3 history db: %w", err)
	}

	s := &SQLiteSink{x: x, log: log, ch: make(chan relay.Event, 256), done: make(chan struct{})}

	_, required, err := s.version()
	if err != nil {
		x.Close()
		return nil, err
	}
	if err := s.migrateUp(context.Background(), required); err != nil {
		x.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}

	go s.run()
	return s, nil
}

// Record enqueues e for the background writer. If the queue is full the
// event is dropped and logged: losing an audit row is acceptable, but
// blocking the relay's datagram path on a stalled database is not.
func (s *SQLiteSink) Record(e relay.Event) {
	select {
	case s.ch <- e:
	default:
		s.log.Warn().Msg("history: dropping event, writer queue full")
	}
}

func (s *SQLiteSink) run() {
	defer close(s.done)
	for e := range s.ch {
		if _, err := s.x.Exec(
			`INSERT INTO events (addr, user_id, kind, at) VALUES (?, ?, ?, ?)`,
			e.Addr.String(), e.UserID, string(e.Kind), time.Now().Unix(),
		); err != nil {
			s.log.Warn().Err(err).Msg("history: failed to write event")
		}
	}
}

// Close stops the writer goroutine and closes the database.
func (s *SQLiteSink) Close() error {
	close(s.ch)
	<-s.done
	return s.x.Close()
}
