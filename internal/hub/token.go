// Package hub talks to the companion server: the client-credentials token
// exchange, the device announcement and the ad hoc connection probes.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fdm-monster/fdm-connector/internal/clock"
	"github.com/fdm-monster/fdm-connector/internal/identity"
	"github.com/fdm-monster/fdm-connector/internal/lifecycle"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// RequestedScope is the scope sent with every token request
const RequestedScope = "openid"

// Credentials are the OAuth client id and secret issued by the hub
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Complete reports whether both halves of the credentials are set
func (c Credentials) Complete() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// TokenBroker decides whether the cached token is usable and refreshes it
type TokenBroker struct {
	http   *http.Client
	clock  clock.Clock
	logger *zap.Logger
}

// NewTokenBroker creates a broker. httpClient should not follow redirects.
func NewTokenBroker(httpClient *http.Client, clk clock.Clock, logger *zap.Logger) *TokenBroker {
	return &TokenBroker{
		http:   httpClient,
		clock:  clk,
		logger: logger.Named("token"),
	}
}

// IsValid reports whether rec holds a token that has not expired at now.
// A token without requested_at or expires_in is treated as unexpired.
func (b *TokenBroker) IsValid(rec identity.Record, now time.Time) bool {
	if !rec.HasToken() {
		return false
	}
	if rec.RequestedAt == nil || rec.ExpiresIn == nil {
		return true
	}
	return now.Unix() <= *rec.RequestedAt+*rec.ExpiresIn
}

// Refresh performs the client-credentials exchange against baseURL
func (b *TokenBroker) Refresh(ctx context.Context, baseURL string, creds Credentials) (identity.Token, error) {
	const op = "token refresh"

	if !creds.Complete() {
		b.logger.Error("Configuration error: 'oidc_client_id' or 'oidc_client_secret' not set")
		return identity.Token{}, configurationError(op, "oidc_client_id or oidc_client_secret not set")
	}
	if baseURL == "" {
		return identity.Token{}, configurationError(op, "base_url not provided")
	}

	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     JoinURL(baseURL, TokenRoute),
		Scopes:       []string{RequestedScope},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	b.logger.Info("Requesting access token from hub", zap.String("url", cfg.TokenURL))

	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.http)
	tok, err := cfg.Token(ctx)
	if err != nil {
		hubErr := classify(op, err)
		if hubErr.Kind == KindConnection {
			b.logger.Error("Connection error requesting access token", zap.Error(err))
		} else {
			b.logger.Error("Hub rejected or garbled the access token request", zap.Error(err))
		}
		return identity.Token{}, hubErr
	}

	if tok.AccessToken == "" {
		return identity.Token{}, protocolError(op, "access_token not received", nil)
	}

	expiresIn, ok := extraInt(tok.Extra("expires_in"))
	if !ok {
		b.logger.Error("Response error: 'expires_in' not received")
		return identity.Token{}, protocolError(op, "expires_in not received", nil)
	}

	result := identity.Token{
		AccessToken: tok.AccessToken,
		ExpiresIn:   expiresIn,
		RequestedAt: clock.Epoch(b.clock),
	}
	if tok.TokenType != "" {
		tokenType := tok.TokenType
		result.TokenType = &tokenType
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		result.Scope = &scope
	}

	b.logger.Info("Received access token",
		zap.Int64("expires_in", result.ExpiresIn),
		zap.Int("token_length", len(result.AccessToken)))
	return result, nil
}

// EnsureValid returns Success with rec unchanged when the cached token is
// valid, otherwise refreshes it. A successful refresh returns the merged
// record, which the caller must persist.
func (b *TokenBroker) EnsureValid(ctx context.Context, rec identity.Record, baseURL string, creds Credentials) (lifecycle.State, identity.Record, error) {
	if b.IsValid(rec, b.clock.Now()) {
		b.logger.Debug("Cached access token still valid, skipping refresh")
		return lifecycle.Success, rec, nil
	}

	b.logger.Info("Refreshing access token as it was missing or expired")
	tok, err := b.Refresh(ctx, baseURL, creds)
	if err != nil {
		if KindOf(err) == KindConnection {
			return lifecycle.Retry, rec, err
		}
		return lifecycle.Crashed, rec, err
	}
	return lifecycle.Success, rec.WithToken(tok), nil
}

// extraInt reads a numeric token response field. Hubs send expires_in as a
// JSON number; form encoded and quoted values are accepted too.
func extraInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		if strings.TrimSpace(n) == "" {
			return 0, false
		}
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
