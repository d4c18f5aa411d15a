package authsrv

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/r2northstar/titanfront/pkg/relay"
)

func testRouter(t *testing.T) *relay.Router {
	t.Helper()
	codec, err := relay.NewCodec([]byte("0123456789abcdef"), []byte("fedcba9876543210"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	in, err := relay.NewInternal(1, &net.UDPAddr{IP: net.ParseIP("127.0.0.1")}, 2048, zerolog.Nop())
	if err != nil {
		t.Fatalf("bind relay socket: %v", err)
	}
	t.Cleanup(func() { in.Socket().Close() })
	return relay.NewRouter(relay.RouterConfig{
		Codec:         codec,
		Sockets:       []*relay.Socket{in.Socket()},
		TargetServers: []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:1")},
		Log:           zerolog.Nop(),
		History:       relay.NopSink{},
	})
}

func TestHandleVerify(t *testing.T) {
	h := &Handler{Router: testRouter(t), ServerAuth: &ServerAuth{}}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/verify", nil)
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "I am a northstar server!" {
		t.Errorf("body = %q, want exact literal match", got)
	}
}

func TestHandleAuthenticateIncomingPlayerRejectsBadServerAuth(t *testing.T) {
	sa := &ServerAuth{}
	sa.Set("real-token")
	h := &Handler{Router: testRouter(t), ServerAuth: sa}

	form := url.Values{"id": {"1"}, "authToken": {"abc"}, "serverAuthToken": {"wrong"}}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/authenticate_incoming_player", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	h.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestHandleAuthenticateIncomingPlayerAccepts(t *testing.T) {
	sa := &ServerAuth{}
	sa.Set("real-token")
	h := &Handler{Router: testRouter(t), ServerAuth: sa}

	form := url.Values{"id": {"1"}, "authToken": {"abc"}, "serverAuthToken": {"real-token"}}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/authenticate_incoming_player", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
}

func TestServerAuthCheck(t *testing.T) {
	var sa ServerAuth
	if sa.Check("anything") {
		t.Error("Check true before Set")
	}
	sa.Set("tok")
	if !sa.Check("tok") {
		t.Error("Check false for matching token")
	}
	if sa.Check("other") {
		t.Error("Check true for mismatched token")
	}
	if sa.Check("") {
		t.Error("Check true for empty token")
	}
}
