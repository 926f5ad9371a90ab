// Package calendar links a provider's Google Calendar and exposes its busy
// blocks to the availability calculator and the reservation arbiter.
package calendar

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"

	"clinic-scheduler/internal/apperr"
	"clinic-scheduler/internal/store"
)

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// NewOAuthConfig returns nil when any field is missing; calendar linking is
// then disabled.
func NewOAuthConfig(c OAuthConfig) *oauth2.Config {
	if c.ClientID == "" || c.ClientSecret == "" || c.RedirectURL == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       []string{gcal.CalendarReadonlyScope},
		Endpoint:     google.Endpoint,
	}
}

const stateTTL = 10 * time.Minute

type pendingLink struct {
	providerID string
	expires    time.Time
}

// Linker runs the OAuth consent flow and stores the resulting token per provider.
type Linker struct {
	oauth  *oauth2.Config
	tokens store.TokenStore
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]pendingLink
}

func NewLinker(oauth *oauth2.Config, tokens store.TokenStore) *Linker {
	return &Linker{oauth: oauth, tokens: tokens, now: time.Now, pending: make(map[string]pendingLink)}
}

func (l *Linker) Enabled() bool { return l != nil && l.oauth != nil }

// AuthURL starts a link for providerID. The returned state must come back on
// the callback within ten minutes.
func (l *Linker) AuthURL(providerID string) (string, string, error) {
	if !l.Enabled() {
		return "", "", apperr.Validationf("google calendar is not configured")
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate state: %w", err)
	}
	state := hex.EncodeToString(buf)

	l.mu.Lock()
	now := l.now()
	for k, p := range l.pending {
		if now.After(p.expires) {
			delete(l.pending, k)
		}
	}
	l.pending[state] = pendingLink{providerID: providerID, expires: now.Add(stateTTL)}
	l.mu.Unlock()

	return l.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline), state, nil
}

// Complete exchanges code for a token and stores it for the provider that
// started the flow.
func (l *Linker) Complete(ctx context.Context, state, code string) (string, error) {
	if !l.Enabled() {
		return "", apperr.Validationf("google calendar is not configured")
	}
	if code == "" {
		return "", apperr.Validationf("authorization code required")
	}
	l.mu.Lock()
	p, ok := l.pending[state]
	delete(l.pending, state)
	l.mu.Unlock()
	if !ok || l.now().After(p.expires) {
		return "", apperr.Validationf("unknown or expired state")
	}

	tok, err := l.oauth.Exchange(ctx, code)
	if err != nil {
		return "", apperr.Validationf("failed to exchange code for token: %v", err)
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	if err := l.tokens.SaveCalendarToken(ctx, p.providerID, raw); err != nil {
		return "", fmt.Errorf("save token: %w", err)
	}
	return p.providerID, nil
}

func loadToken(ctx context.Context, tokens store.TokenStore, providerID string) (*oauth2.Token, error) {
	raw, err := tokens.CalendarToken(ctx, providerID)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &tok, nil
}

var errNotLinked = errors.New("calendar not linked")
