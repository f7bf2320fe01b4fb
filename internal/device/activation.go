package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	ErrActivationFailed  = errors.New("device activation failed")
	ErrActivationTimeout = errors.New("device activation timed out")
	ErrNoCredential      = errors.New("provisioning document carries no credential")
)

// Credential is the bearer credential and socket endpoint issued by the
// provisioning service.
type Credential struct {
	URL   string
	Token string
	// Placeholder marks a development credential: usable, but the
	// device has not genuinely completed activation.
	Placeholder bool
}

// Challenge is the activation challenge branch of a provisioning
// document: a nonce the device must sign plus a human-facing code.
type Challenge struct {
	Code      string `json:"code"`
	Nonce     string `json:"challenge"`
	Message   string `json:"message"`
	TimeoutMS int64  `json:"timeout_ms"`
}

type provisioningDoc struct {
	WebSocket *struct {
		URL   string `json:"url"`
		Token string `json:"token"`
	} `json:"websocket"`
	Activation *Challenge `json:"activation"`
}

// Config tunes the activation endpoints and polling budget.
type Config struct {
	OTABaseURL   string
	PollInterval time.Duration
	MaxAttempts  int
	HTTPClient   *http.Client
}

// Provisioner runs the two-phase credential provisioning flow and caches
// the credential after the first success.
type Provisioner struct {
	cfg      Config
	identity Identity
	client   *http.Client

	mu     sync.Mutex
	cached *Credential
}

func NewProvisioner(cfg Config, id Identity) *Provisioner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 60
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Provisioner{cfg: cfg, identity: id, client: client}
}

// Identity returns the device identity the provisioner presents upstream.
func (p *Provisioner) Identity() Identity { return p.identity }

// Provision returns the upstream credential, running the activation
// challenge flow when the provisioning service demands it. The result is
// cached; later calls return the cached credential without network I/O.
func (p *Provisioner) Provision(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return *p.cached, nil
	}

	doc, err := p.requestConfig(ctx)
	if err != nil {
		return Credential{}, err
	}

	if doc.Activation != nil {
		log.Printf("activation required: code=%s", doc.Activation.Code)
		if err := p.pollActivation(ctx, doc.Activation.Nonce); err != nil {
			return Credential{}, err
		}
		// Activation complete; the real credential comes from a fresh
		// provisioning request.
		doc, err = p.requestConfig(ctx)
		if err != nil {
			return Credential{}, err
		}
	}

	cred, err := credentialFrom(doc)
	if err != nil {
		return Credential{}, err
	}
	if cred.Placeholder {
		log.Printf("provisioning returned a placeholder credential: device is not genuinely activated")
	}
	p.cached = &cred
	return cred, nil
}

// Invalidate drops the cached credential so the next Provision call
// re-runs the flow.
func (p *Provisioner) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

func (p *Provisioner) requestConfig(ctx context.Context) (provisioningDoc, error) {
	body := map[string]any{
		"application": map[string]any{
			"version":    "1.0.0",
			"elf_sha256": p.identity.HMACKeyHex,
		},
		"board": map[string]any{
			"type": "zoe-gateway",
			"name": "zoe-gateway",
			"ip":   "0.0.0.0",
			"mac":  p.identity.MACAddress,
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return provisioningDoc{}, fmt.Errorf("encode provisioning request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("ota/"), bytes.NewReader(raw))
	if err != nil {
		return provisioningDoc{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Device-Id", p.identity.MACAddress)
	req.Header.Set("Client-Id", p.identity.ClientID)
	req.Header.Set("Activation-Version", "2")

	res, err := p.client.Do(req)
	if err != nil {
		return provisioningDoc{}, fmt.Errorf("provisioning request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return provisioningDoc{}, fmt.Errorf("provisioning request: unexpected status %d", res.StatusCode)
	}
	var doc provisioningDoc
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return provisioningDoc{}, fmt.Errorf("decode provisioning document: %w", err)
	}
	return doc, nil
}

// pollActivation submits the signed challenge until the server reports
// completion. A 202 means the human has not entered the verification code
// yet; any other non-200 status is also treated as pending because the
// server's pending/rejected distinction is not reliably observable.
func (p *Provisioner) pollActivation(ctx context.Context, nonce string) error {
	if strings.TrimSpace(nonce) == "" {
		return fmt.Errorf("%w: empty challenge nonce", ErrActivationFailed)
	}
	signature, err := p.identity.SignChallenge(nonce)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrActivationFailed, err)
	}

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		status, err := p.submitActivation(ctx, nonce, signature)
		if err != nil {
			return err
		}
		if status == http.StatusOK {
			log.Printf("device activated after %d attempt(s)", attempt)
			return nil
		}
		log.Printf("activation pending (status %d, attempt %d/%d)", status, attempt, p.cfg.MaxAttempts)

		if attempt == p.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}
	return ErrActivationTimeout
}

func (p *Provisioner) submitActivation(ctx context.Context, nonce, signature string) (int, error) {
	body := map[string]any{
		"Payload": map[string]any{
			"algorithm":     "hmac-sha256",
			"serial_number": p.identity.SerialNumber,
			"challenge":     nonce,
			"hmac":          signature,
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode activation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("ota/activate"), bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Device-Id", p.identity.MACAddress)
	req.Header.Set("Client-Id", p.identity.ClientID)
	req.Header.Set("Activation-Version", "2")

	res, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("activation request: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	return res.StatusCode, nil
}

func (p *Provisioner) endpoint(suffix string) string {
	return strings.TrimRight(p.cfg.OTABaseURL, "/") + "/" + suffix
}

func credentialFrom(doc provisioningDoc) (Credential, error) {
	if doc.WebSocket == nil || doc.WebSocket.URL == "" {
		return Credential{}, ErrNoCredential
	}
	token := strings.TrimSpace(doc.WebSocket.Token)
	return Credential{
		URL:         doc.WebSocket.URL,
		Token:       token,
		Placeholder: isPlaceholderToken(token),
	}, nil
}

func isPlaceholderToken(token string) bool {
	switch strings.ToLower(token) {
	case "", "placeholder", "test-token", "test_token":
		return true
	default:
		return false
	}
}
