package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fdm-monster/fdm-connector/internal/identity"
	"github.com/fdm-monster/fdm-connector/internal/lifecycle"

	"go.uber.org/zap"
)

// Probe checks a candidate hub URL or credential pair without touching the
// persisted identity or the coordinator's state.
type Probe struct {
	http   *http.Client
	broker *TokenBroker
	logger *zap.Logger
}

// NewProbe creates a probe. The broker performs the credential exchange.
func NewProbe(httpClient *http.Client, broker *TokenBroker, logger *zap.Logger) *Probe {
	return &Probe{
		http:   httpClient,
		broker: broker,
		logger: logger.Named("probe"),
	}
}

type versionResponse struct {
	Version string `json:"version"`
}

// Version fetches {url}/api/version and returns its version field
func (p *Probe) Version(ctx context.Context, url string) (string, error) {
	const op = "version probe"

	target := JoinURL(url, VersionRoute)
	p.logger.Info("Testing hub URL", zap.String("url", target))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", configurationError(op, fmt.Sprintf("invalid url %q: %v", url, err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.http.Do(req)
	if err != nil {
		return "", classify(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return "", protocolError(op, fmt.Sprintf("hub returned status %d", resp.StatusCode), nil)
	}

	var payload versionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", protocolError(op, "decode version response", err)
	}
	if payload.Version == "" {
		return "", protocolError(op, "version not received", nil)
	}

	p.logger.Info("Version response from hub", zap.String("version", payload.Version))
	return payload.Version, nil
}

// OpenID runs a token exchange with caller supplied credentials against an
// ephemeral identity and reports the state it would lead to.
func (p *Probe) OpenID(ctx context.Context, url, clientID, clientSecret string) lifecycle.State {
	state, _, err := p.broker.EnsureValid(ctx, identity.Record{}, url, Credentials{
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})
	if err != nil {
		p.logger.Warn("OpenID probe failed",
			zap.String("url", url),
			zap.Stringer("state", state),
			zap.String("kind", KindOf(err).String()),
			zap.Error(err))
		return state
	}

	p.logger.Info("Queried access token from hub", zap.String("url", url))
	return state
}
