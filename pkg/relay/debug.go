package relay

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// monitorPacket is one entry in the debug packet tap, mirroring
// pkg/nspkt/listener.go's MonitorPacket.
type monitorPacket struct {
	Time time.Time      `json:"time"`
	Addr netip.AddrPort `json:"addr"`
	Len  int            `json:"len"`
}

// monitor is a small ring buffer of recent external datagrams, exposed over
// HTTP for debugging the way pkg/nspkt's DebugMonitorHandler does.
type monitor struct {
	mu  sync.Mutex
	buf []monitorPacket
	cap int
}

func newMonitor(capacity int) *monitor {
	return &monitor{cap: capacity}
}

func (m *monitor) publish(payload []byte, addr netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = append(m.buf, monitorPacket{Time: time.Now(), Addr: addr, Len: len(payload)})
	if len(m.buf) > m.cap {
		m.buf = m.buf[len(m.buf)-m.cap:]
	}
}

func (m *monitor) snapshot() []monitorPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]monitorPacket, len(m.buf))
	copy(out, m.buf)
	return out
}

// DebugHandler serves a gzip-compressed JSON dump of recently observed
// external datagrams, the relay's analogue of Atlas's /debug/nspkt
// endpoint.
func (e *External) DebugHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		defer gw.Close()
		_ = json.NewEncoder(gw).Encode(e.monitor.snapshot())
	})
}
