package relay

import "net/netip"

// EventKind identifies why a connection history record was written.
type EventKind string

const (
	EventAdmitted      EventKind = "admitted"
	EventAuthenticated EventKind = "authenticated"
	EventBlocked       EventKind = "blocked"
	EventReclaimed     EventKind = "reclaimed"
)

// Event is a single connection history record. UserID is zero for events
// (like reclamation) that aren't tied to a specific user ID.
type Event struct {
	Addr   netip.AddrPort
	UserID uint64
	Kind   EventKind
}

// Sink records connection history events. Implementations must not block
// the caller. pkg/history's SQLiteSink uses a buffered channel with a
// drop-on-full policy so a slow or unavailable database never stalls the
// relay's hot datagram path; its MemorySink writes directly into a ring
// buffer under a short mutex.
type Sink interface {
	Record(Event)
}

// NopSink discards every event. It's the default when no history storage
// is configured.
type NopSink struct{}

func (NopSink) Record(Event) {}
