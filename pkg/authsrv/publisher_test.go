package authsrv

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type fakePlayerCounter int

func (c fakePlayerCounter) PlayerCount() int { return int(c) }

func testPublisher(t *testing.T, masterURL string, overrides func(*PublisherConfig)) *Publisher {
	t.Helper()
	cfg := PublisherConfig{
		MasterURL:  masterURL,
		Port:       37015,
		AuthPort:   8081,
		Name:       "test server",
		MaxPlayers: 16,
		Version:    "1.2.3",
		Players:    fakePlayerCounter(3),
		ServerAuth: &ServerAuth{},
		Log:        zerolog.Nop(),
	}
	if overrides != nil {
		overrides(&cfg)
	}
	return NewPublisher(cfg)
}

func TestPublisherSelfVerifySucceedsOnExactBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(selfVerifyBody))
	}))
	defer srv.Close()

	p := testPublisher(t, srv.URL, func(c *PublisherConfig) { c.VerifyURL = srv.URL + "/verify" })
	if err := p.selfVerify(context.Background()); err != nil {
		t.Fatalf("selfVerify: %v", err)
	}
}

func TestPublisherSelfVerifyFailsOnPortContention(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("some other process entirely"))
	}))
	defer srv.Close()

	p := testPublisher(t, srv.URL, func(c *PublisherConfig) { c.VerifyURL = srv.URL + "/verify" })
	if err := p.selfVerify(context.Background()); err == nil {
		t.Fatal("selfVerify succeeded against a mismatched body, want error")
	}
}

func TestPublisherQueryDefaultsMapAndPlaylist(t *testing.T) {
	p := testPublisher(t, "http://master.example", nil)
	q := p.query()
	if got := q.Get("map"); got != "????" {
		t.Errorf("map = %q, want \"????\"", got)
	}
	if got := q.Get("playlist"); got != "????" {
		t.Errorf("playlist = %q, want \"????\"", got)
	}
}

func TestPublisherQueryHonorsExplicitMapAndPlaylist(t *testing.T) {
	p := testPublisher(t, "http://master.example", func(c *PublisherConfig) {
		c.Map, c.Playlist = "mp_glitch", "tdm"
	})
	q := p.query()
	if got := q.Get("map"); got != "mp_glitch" {
		t.Errorf("map = %q, want mp_glitch", got)
	}
	if got := q.Get("playlist"); got != "tdm" {
		t.Errorf("playlist = %q, want tdm", got)
	}
}

func TestPublisherRegisterSetsWireHeadersAndModinfoBody(t *testing.T) {
	var gotContentType, gotUserAgent string
	var gotModinfo []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotUserAgent = r.Header.Get("User-Agent")

		// The wire Content-Type is "text/plain", but the body is still a real
		// multipart/form-data payload; recover the boundary from the body
		// itself, the way the master server is expected to.
		mr := multipartReaderFromBody(t, r)
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			if part.FormName() == "modinfo" {
				gotModinfo, _ = io.ReadAll(part)
			}
		}

		json.NewEncoder(w).Encode(addServerResponse{Success: true, ID: "srv1", ServerAuthToken: "tok1"})
	}))
	defer srv.Close()

	p := testPublisher(t, srv.URL, func(c *PublisherConfig) { c.ModInfo = []byte(`{"Mods":[]}`) })
	if err := p.register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if gotContentType != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", gotContentType)
	}
	if gotUserAgent != "R2Northstar/1.2.3" {
		t.Errorf("User-Agent = %q, want R2Northstar/1.2.3", gotUserAgent)
	}
	if string(gotModinfo) != `{"Mods":[]}` {
		t.Errorf("modinfo part = %q, want the configured ModInfo", gotModinfo)
	}
	if p.id != "srv1" {
		t.Errorf("id = %q, want srv1", p.id)
	}
	if !p.cfg.ServerAuth.Check("tok1") {
		t.Error("ServerAuth not set from register response")
	}
}

func TestPublisherHeartbeatIncludesPlayerCountAndBody(t *testing.T) {
	var gotPlayerCount string
	var sawModinfoPart bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPlayerCount = r.URL.Query().Get("playerCount")

		mr := multipartReaderFromBody(t, r)
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			if part.FormName() == "modinfo" {
				sawModinfoPart = true
			}
		}

		json.NewEncoder(w).Encode(struct {
			Success bool `json:"success"`
		}{Success: true})
	}))
	defer srv.Close()

	p := testPublisher(t, srv.URL, nil)
	p.id = "srv1"
	if err := p.heartbeat(context.Background()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if gotPlayerCount != "3" {
		t.Errorf("playerCount = %q, want 3", gotPlayerCount)
	}
	if !sawModinfoPart {
		t.Error("heartbeat body carried no modinfo part")
	}
}

// multipartReaderFromBody reads r's whole body and returns a
// multipart.Reader over it, recovering the boundary from the body's own
// leading "--boundary" line since the wire Content-Type header is forced to
// "text/plain" and no longer carries it.
func multipartReaderFromBody(t *testing.T, r *http.Request) *multipart.Reader {
	t.Helper()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("read request body: %v", err)
	}
	line, _, _ := strings.Cut(string(raw), "\r\n")
	boundary := strings.TrimPrefix(line, "--")
	return multipart.NewReader(bytes.NewReader(raw), boundary)
}
