package history

import (
	"net/netip"
	"testing"

	"github.com/r2northstar/titanfront/pkg/relay"
)

func TestMemorySinkRecentOrderBeforeWrap(t *testing.T) {
	s := NewMemorySink(4)
	addr := netip.MustParseAddrPort("127.0.0.1:1000")
	s.Record(relay.Event{Addr: addr, UserID: 1, Kind: relay.EventAdmitted})
	s.Record(relay.Event{Addr: addr, UserID: 2, Kind: relay.EventAuthenticated})

	got := s.Recent()
	if len(got) != 2 {
		t.Fatalf("len(Recent()) = %d, want 2", len(got))
	}
	if got[0].UserID != 1 || got[1].UserID != 2 {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestMemorySinkWrapsAtCapacity(t *testing.T) {
	s := NewMemorySink(3)
	addr := netip.MustParseAddrPort("127.0.0.1:1000")
	for i := uint64(1); i <= 5; i++ {
		s.Record(relay.Event{Addr: addr, UserID: i, Kind: relay.EventAdmitted})
	}

	got := s.Recent()
	if len(got) != 3 {
		t.Fatalf("len(Recent()) = %d, want 3", len(got))
	}
	want := []uint64{3, 4, 5}
	for i, w := range want {
		if got[i].UserID != w {
			t.Errorf("Recent()[%d].UserID = %d, want %d", i, got[i].UserID, w)
		}
	}
}

func TestOpenMemory(t *testing.T) {
	for _, dsn := range []string{"", "memory"} {
		sink, err := Open(dsn, testNopLogger())
		if err != nil {
			t.Fatalf("Open(%q): %v", dsn, err)
		}
		if _, ok := sink.(*MemorySink); !ok {
			t.Errorf("Open(%q) = %T, want *MemorySink", dsn, sink)
		}
	}
}

func TestOpenUnknownType(t *testing.T) {
	if _, err := Open("bogus:arg", testNopLogger()); err == nil {
		t.Error("expected error for unknown storage type")
	}
}
