package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/store"
)

// GoogleBusySource reads free/busy blocks from a provider's primary calendar.
// Providers without a linked calendar contribute nothing. Calls go through a
// circuit breaker so an outage at Google does not slow every availability query.
type GoogleBusySource struct {
	oauth    *oauth2.Config
	tokens   store.TokenStore
	breaker  *gobreaker.CircuitBreaker[[]model.Interval]
	endpoint string
	timeout  time.Duration
	log      *zap.Logger
}

type BusyOption func(*GoogleBusySource)

// WithEndpoint points the client at a different API base URL.
func WithEndpoint(url string) BusyOption {
	return func(g *GoogleBusySource) { g.endpoint = url }
}

func WithTimeout(d time.Duration) BusyOption {
	return func(g *GoogleBusySource) { g.timeout = d }
}

func NewGoogleBusySource(oauth *oauth2.Config, tokens store.TokenStore, log *zap.Logger, opts ...BusyOption) *GoogleBusySource {
	g := &GoogleBusySource{oauth: oauth, tokens: tokens, timeout: 3 * time.Second, log: log}
	for _, o := range opts {
		o(g)
	}
	g.breaker = gobreaker.NewCircuitBreaker[[]model.Interval](gobreaker.Settings{
		Name:        "google-calendar",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errNotLinked)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return g
}

func (g *GoogleBusySource) Busy(ctx context.Context, providerID string, from, to time.Time) ([]model.Interval, error) {
	if g.oauth == nil {
		return nil, nil
	}
	blocks, err := g.breaker.Execute(func() ([]model.Interval, error) {
		return g.query(ctx, providerID, from, to)
	})
	if errors.Is(err, errNotLinked) {
		return nil, nil
	}
	return blocks, err
}

func (g *GoogleBusySource) query(ctx context.Context, providerID string, from, to time.Time) ([]model.Interval, error) {
	tok, err := loadToken(ctx, g.tokens, providerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errNotLinked
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	opts := []option.ClientOption{option.WithHTTPClient(g.oauth.Client(ctx, tok))}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	srv, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}

	resp, err := srv.Freebusy.Query(&gcal.FreeBusyRequest{
		TimeMin: from.UTC().Format(time.RFC3339),
		TimeMax: to.UTC().Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: "primary"}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("freebusy query: %w", err)
	}

	cal, ok := resp.Calendars["primary"]
	if !ok {
		return nil, nil
	}
	out := make([]model.Interval, 0, len(cal.Busy))
	for _, p := range cal.Busy {
		start, err1 := time.Parse(time.RFC3339, p.Start)
		end, err2 := time.Parse(time.RFC3339, p.End)
		if err1 != nil || err2 != nil || !start.Before(end) {
			g.log.Debug("skipping malformed busy period", zap.String("start", p.Start), zap.String("end", p.End))
			continue
		}
		out = append(out, model.Interval{Start: start, End: end})
	}
	return out, nil
}
