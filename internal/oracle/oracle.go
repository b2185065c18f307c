// Package oracle classifies the remote server's view of a client session.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/joinkeeper/internal/metrics"
	"github.com/loykin/joinkeeper/internal/poll"
)

// DefaultPath is where the server publishes its session table.
const DefaultPath = "/op-framework/connections.json"

// JoinState is the remote classification of one identity.
type JoinState int

const (
	Absent JoinState = iota
	Connecting
	Joined
)

func (s JoinState) String() string {
	switch s {
	case Absent:
		return "absent"
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	default:
		return fmt.Sprintf("JoinState(%d)", int(s))
	}
}

// Session is one entry of the remote session table.
type Session struct {
	LicenseIdentifier string `json:"licenseIdentifier"`
	Joined            bool   `json:"joined"`
}

type envelope struct {
	StatusCode int       `json:"statusCode"`
	Data       []Session `json:"data"`
}

var (
	// ErrBadStatus is a non-200 HTTP status.
	ErrBadStatus = errors.New("unexpected http status")
	// ErrBadPayload is a non-200 embedded statusCode or an undecodable body.
	ErrBadPayload = errors.New("unexpected payload")
)

// Config holds oracle settings. Zero durations use the defaults of 5s request
// timeout and 1s retry backoff.
type Config struct {
	Endpoint   string
	Path       string
	Timeout    time.Duration
	Backoff    time.Duration
	Clock      poll.Clock
	Logger     *slog.Logger
	HTTPClient *http.Client
}

type Oracle struct {
	url     string
	client  *http.Client
	clock   poll.Clock
	backoff time.Duration
	log     *slog.Logger
}

func New(cfg Config) *Oracle {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = poll.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Oracle{
		url:     strings.TrimRight(cfg.Endpoint, "/") + "/" + strings.TrimLeft(cfg.Path, "/"),
		client:  hc,
		clock:   cfg.Clock,
		backoff: cfg.Backoff,
		log:     cfg.Logger,
	}
}

// URL is the full session table address.
func (o *Oracle) URL() string { return o.url }

// Sessions performs one request and returns the session table.
func (o *Oracle) Sessions(ctx context.Context) ([]Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if env.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: statusCode %d", ErrBadPayload, env.StatusCode)
	}
	return env.Data, nil
}

// JoinState blocks until the session table can be read and classifies
// identity against it. It only fails when ctx is done.
func (o *Oracle) JoinState(ctx context.Context, identity string) (JoinState, error) {
	sessions, err := poll.Forever(ctx, o.clock, o.backoff, o.Sessions, func(err error) {
		metrics.IncTransientFailure("session_oracle")
		o.log.Debug("session query failed, retrying", "url", o.url, "error", err)
	})
	if err != nil {
		return Absent, err
	}
	return Classify(sessions, identity), nil
}

// Classify maps identity to its join state within sessions.
func Classify(sessions []Session, identity string) JoinState {
	for _, s := range sessions {
		if s.LicenseIdentifier != identity {
			continue
		}
		if s.Joined {
			return Joined
		}
		return Connecting
	}
	return Absent
}
