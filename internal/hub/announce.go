package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fdm-monster/fdm-connector/internal/lifecycle"

	"go.uber.org/zap"
)

// MinAccessTokenLength is the length of the opaque tokens the hub issues.
// Shorter tokens are rejected before announcing.
const MinAccessTokenLength = 43

const maxSummaryBody = 4 << 10

// AnnounceRequest carries everything reported to the hub in one announcement
type AnnounceRequest struct {
	BaseURL       string
	AccessToken   string
	DeviceID      string
	PersistenceID string
	Host          string
	Port          int
	Containerized bool
}

// AnnouncePayload is the JSON body of the announcement
type AnnouncePayload struct {
	DeviceUUID      string `json:"deviceUuid"`
	PersistenceUUID string `json:"persistenceUuid"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Docker          bool   `json:"docker"`
}

// AnnounceSummary describes the hub's answer; it is logged, not interpreted
type AnnounceSummary struct {
	StatusCode int
	Body       string
}

// Announcer reports this host's identity to the hub
type Announcer struct {
	http   *http.Client
	logger *zap.Logger
}

// NewAnnouncer creates an announcer using httpClient for the POST
func NewAnnouncer(httpClient *http.Client, logger *zap.Logger) *Announcer {
	return &Announcer{
		http:   httpClient,
		logger: logger.Named("announce"),
	}
}

// Announce posts the identity with the bearer token. Any HTTP answer yields
// Sleep; validation and transport failures yield Crashed.
func (a *Announcer) Announce(ctx context.Context, current lifecycle.State, req AnnounceRequest) (lifecycle.State, AnnounceSummary, error) {
	const op = "announce"

	if !current.CanAnnounce() {
		a.logger.Warn("State error: tried to announce when state was not 'success'",
			zap.Stringer("state", current))
	}

	if req.BaseURL == "" {
		return lifecycle.Crashed, AnnounceSummary{}, configurationError(op, "base_url not provided")
	}
	if len(req.AccessToken) < MinAccessTokenLength {
		return lifecycle.Crashed, AnnounceSummary{}, protocolError(op,
			fmt.Sprintf("access_token too short (%d < %d)", len(req.AccessToken), MinAccessTokenLength), nil)
	}

	body, err := json.Marshal(AnnouncePayload{
		DeviceUUID:      req.DeviceID,
		PersistenceUUID: req.PersistenceID,
		Host:            req.Host,
		Port:            req.Port,
		Docker:          req.Containerized,
	})
	if err != nil {
		return lifecycle.Crashed, AnnounceSummary{}, protocolError(op, "marshal payload", err)
	}

	url := JoinURL(req.BaseURL, AnnounceRoute)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return lifecycle.Crashed, AnnounceSummary{}, configurationError(op, fmt.Sprintf("invalid announce url %q: %v", url, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)

	resp, err := a.http.Do(httpReq)
	if err != nil {
		a.logger.Error("ConnectionError: error sending announcement to hub", zap.Error(err))
		return lifecycle.Crashed, AnnounceSummary{}, &Error{Kind: KindConnection, Op: op, Message: "hub unreachable", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxSummaryBody))
	summary := AnnounceSummary{StatusCode: resp.StatusCode, Body: string(raw)}

	a.logger.Info("Done announcing to hub",
		zap.Int("status", summary.StatusCode),
		zap.String("body", summary.Body))
	return lifecycle.Sleep, summary, nil
}
