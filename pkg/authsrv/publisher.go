package authsrv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// PlayerCounter reports the number of currently connected players, so the
// publisher can include a live count on every heartbeat without coupling
// PublisherConfig to the concrete *relay.Router type.
type PlayerCounter interface {
	PlayerCount() int
}

// PublisherConfig describes the relay's own registration details, the
// client-side mirror of the query parameters pkg/api/api0/server.go's
// handleServerAddServer expects on /server/add_server.
type PublisherConfig struct {
	MasterURL   string
	Port        uint16
	AuthPort    uint16
	Name        string
	Description string
	Password    string
	Map         string
	Playlist    string
	MaxPlayers  int
	ModInfo     json.RawMessage
	Version     string

	// VerifyURL is the relay's own /verify endpoint, GET against self before
	// registering to catch port contention (spec.md §4.4/§7).
	VerifyURL string
	Players   PlayerCounter

	ServerAuth *ServerAuth
	Log        zerolog.Logger
}

// Publisher periodically registers and re-announces this relay to the
// configured master server, grounded on the server-side shape of
// pkg/api/api0/server.go read in reverse.
type Publisher struct {
	cfg    PublisherConfig
	client *retryablehttp.Client
	id     string
}

// NewPublisher builds a Publisher using a retryablehttp client so transient
// master-server hiccups don't abort registration outright.
func NewPublisher(cfg PublisherConfig) *Publisher {
	client := retryablehttp.NewClient()
	client.RetryMax = 5
	client.Logger = nil // avoid retryablehttp's default stdlib logger; we log via zerolog below
	return &Publisher{cfg: cfg, client: client}
}

// selfVerifyBody is the literal body handleVerify returns; the self-GET
// below must see this exact string back or the relay is fatally misbound
// (another process answering on the auth address, i.e. port contention).
const selfVerifyBody = "I am a northstar server!"

// Run performs the 1-second-delayed initial registration, then heartbeats
// every 5 seconds until ctx is cancelled or an HTTP call fails, matching
// the original publisher's "fatal on any HTTP error" policy.
func (p *Publisher) Run(ctx context.Context) error {
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.selfVerify(ctx); err != nil {
		return fmt.Errorf("self-verify: %w", err)
	}

	if err := p.register(ctx); err != nil {
		return fmt.Errorf("register with master server: %w", err)
	}
	p.cfg.Log.Info().Str("id", p.id).Msg("registered with master server")

	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := p.heartbeat(ctx); err != nil {
				return fmt.Errorf("heartbeat master server: %w", err)
			}
		}
	}
}

// selfVerify GETs the relay's own /verify endpoint and fatals if the body
// doesn't match exactly, catching the case where some other process is
// actually bound to the auth address (spec.md §7's "port contention" error
// kind).
func (p *Publisher) selfVerify(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.cfg.VerifyURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if string(buf) != selfVerifyBody {
		return fmt.Errorf("unexpected self-verify body %q, want %q (port contention?)", buf, selfVerifyBody)
	}
	return nil
}

func (p *Publisher) query() url.Values {
	q := url.Values{}
	q.Set("port", strconv.Itoa(int(p.cfg.Port)))
	q.Set("authPort", strconv.Itoa(int(p.cfg.AuthPort)))
	q.Set("name", p.cfg.Name)
	if p.cfg.Description != "" {
		q.Set("description", p.cfg.Description)
	}
	mp := p.cfg.Map
	if mp == "" {
		mp = "????"
	}
	q.Set("map", mp)
	playlist := p.cfg.Playlist
	if playlist == "" {
		playlist = "????"
	}
	q.Set("playlist", playlist)
	if p.cfg.MaxPlayers > 0 {
		q.Set("maxPlayers", strconv.Itoa(p.cfg.MaxPlayers))
	}
	if p.cfg.Password != "" {
		q.Set("password", p.cfg.Password)
	}
	return q
}

// buildModInfoBody builds the multipart body carrying the modinfo.json file
// part the master server expects.
func (p *Publisher) buildModInfoBody() (body *bytes.Buffer, contentType string, err error) {
	body = &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("modinfo", "modinfo.json")
	if err != nil {
		return nil, "", err
	}
	modinfo := p.cfg.ModInfo
	if len(modinfo) == 0 {
		modinfo = []byte(`{"Mods":[]}`)
	}
	if _, err := part.Write(modinfo); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}

type addServerResponse struct {
	Success         bool   `json:"success"`
	ID              string `json:"id"`
	ServerAuthToken string `json:"serverAuthToken"`
}

// setWireHeaders sets the master-server interface's bit-exact
// request-content-type and user-agent headers (spec.md §6). The body is
// still multipart/form-data on the wire; the master server recovers the
// boundary from the body itself rather than the Content-Type header.
func (p *Publisher) setWireHeaders(req *retryablehttp.Request) {
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("User-Agent", "R2Northstar/"+p.cfg.Version)
}

func (p *Publisher) register(ctx context.Context) error {
	body, _, err := p.buildModInfoBody()
	if err != nil {
		return fmt.Errorf("build modinfo body: %w", err)
	}

	u := fmt.Sprintf("%s/server/add_server?%s", p.cfg.MasterURL, p.query().Encode())
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", u, body)
	if err != nil {
		return err
	}
	p.setWireHeaders(req)

	var resp addServerResponse
	if err := p.do(req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("master server rejected registration")
	}
	p.id = resp.ID
	p.cfg.ServerAuth.Set(resp.ServerAuthToken)
	return nil
}

func (p *Publisher) heartbeat(ctx context.Context) error {
	q := p.query()
	q.Set("id", p.id)
	if p.cfg.Players != nil {
		q.Set("playerCount", strconv.Itoa(p.cfg.Players.PlayerCount()))
	}

	body, _, err := p.buildModInfoBody()
	if err != nil {
		return fmt.Errorf("build modinfo body: %w", err)
	}

	u := fmt.Sprintf("%s/server/heartbeat?%s", p.cfg.MasterURL, q.Encode())
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", u, body)
	if err != nil {
		return err
	}
	p.setWireHeaders(req)

	var resp struct {
		Success bool `json:"success"`
	}
	if err := p.do(req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("master server rejected heartbeat")
	}
	return nil
}

func (p *Publisher) do(req *retryablehttp.Request, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
