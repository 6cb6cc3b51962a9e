package hub

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/fdm-monster/fdm-connector/internal/clock"
	"github.com/fdm-monster/fdm-connector/internal/identity"
	"github.com/fdm-monster/fdm-connector/internal/lifecycle"
	"github.com/fdm-monster/fdm-connector/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2024, 5, 4, 10, 0, 0, 0, time.UTC)

var testCreds = Credentials{ClientID: "ValidAnnoyer123", ClientSecret: "ValidPawo321"}

func newTestBroker(t *testing.T) (*TokenBroker, *clock.MockClock) {
	t.Helper()
	httpClient, err := NewHTTPClient(ClientOptions{Timeout: 2 * time.Second, InsecureSkipVerify: true})
	require.NoError(t, err)
	clk := clock.NewMockClock(testNow)
	return NewTokenBroker(httpClient, clk, zap.NewNop()), clk
}

func ptr[T any](v T) *T { return &v }

func TestTokenBroker_IsValid(t *testing.T) {
	broker, _ := newTestBroker(t)
	now := testNow.Unix()

	tests := []struct {
		name string
		rec  identity.Record
		want bool
	}{
		{"no token", identity.Record{}, false},
		{"empty token", identity.Record{AccessToken: ptr("")}, false},
		{"token without expiry fields", identity.Record{AccessToken: ptr("tok")}, true},
		{"token without requested_at", identity.Record{AccessToken: ptr("tok"), ExpiresIn: ptr(int64(1))}, true},
		{"token without expires_in", identity.Record{AccessToken: ptr("tok"), RequestedAt: ptr(int64(0))}, true},
		{"not expired", identity.Record{AccessToken: ptr("tok"), RequestedAt: ptr(now - 10), ExpiresIn: ptr(int64(100000))}, true},
		{"expires exactly now", identity.Record{AccessToken: ptr("tok"), RequestedAt: ptr(now - 100), ExpiresIn: ptr(int64(100))}, true},
		{"expired one second ago", identity.Record{AccessToken: ptr("tok"), RequestedAt: ptr(now - 101), ExpiresIn: ptr(int64(100))}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, broker.IsValid(tt.rec, testNow))
		})
	}
}

func TestTokenBroker_IsValidExpiredForAnyWindow(t *testing.T) {
	broker, _ := newTestBroker(t)

	for _, expiresIn := range []int64{0, 1, 60, 3600, 86400} {
		for _, overshoot := range []int64{1, 2, 1000} {
			requestedAt := testNow.Unix() - expiresIn - overshoot
			rec := identity.Record{
				AccessToken: ptr("tok"),
				RequestedAt: ptr(requestedAt),
				ExpiresIn:   ptr(expiresIn),
			}
			assert.False(t, broker.IsValid(rec, testNow), "expires_in=%d overshoot=%d", expiresIn, overshoot)
		}
	}
}

func TestTokenBroker_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("missing client id makes no request", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		broker, _ := newTestBroker(t)

		_, err := broker.Refresh(ctx, hub.URL(), Credentials{ClientSecret: "secret"})
		require.Error(t, err)
		assert.Equal(t, KindConfiguration, KindOf(err))
		assert.Empty(t, hub.TokenRequests())
	})

	t.Run("missing client secret makes no request", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		broker, _ := newTestBroker(t)

		_, err := broker.Refresh(ctx, hub.URL(), Credentials{ClientID: "id"})
		assert.Equal(t, KindConfiguration, KindOf(err))
		assert.Empty(t, hub.TokenRequests())
	})

	t.Run("maximal response", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		hub.SetTokenResponse(http.StatusOK, map[string]interface{}{
			"access_token": "test-token",
			"expires_in":   600,
			"token_type":   "Bearer",
			"scope":        "openid profile email",
		})
		broker, _ := newTestBroker(t)

		tok, err := broker.Refresh(ctx, hub.URL(), testCreds)
		require.NoError(t, err)
		assert.Equal(t, "test-token", tok.AccessToken)
		assert.Equal(t, int64(600), tok.ExpiresIn)
		assert.Equal(t, testNow.Unix(), tok.RequestedAt)
		require.NotNil(t, tok.TokenType)
		assert.Equal(t, "Bearer", *tok.TokenType)
		require.NotNil(t, tok.Scope)
		assert.Equal(t, "openid profile email", *tok.Scope)
	})

	t.Run("minimal response", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		hub.SetTokenResponse(http.StatusOK, map[string]interface{}{
			"access_token": "test-token",
			"expires_in":   600,
		})
		broker, _ := newTestBroker(t)

		tok, err := broker.Refresh(ctx, hub.URL(), testCreds)
		require.NoError(t, err)
		assert.Equal(t, "test-token", tok.AccessToken)
		assert.Nil(t, tok.TokenType)
		assert.Nil(t, tok.Scope)
	})

	t.Run("sends client credentials grant with basic auth", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		broker, _ := newTestBroker(t)

		_, err := broker.Refresh(ctx, hub.URL()+"/", testCreds)
		require.NoError(t, err)

		reqs := hub.TokenRequests()
		require.Len(t, reqs, 1)
		assert.Equal(t, "client_credentials", reqs[0].GrantType)
		assert.Equal(t, "openid", reqs[0].Scope)
		assert.Equal(t, testCreds.ClientID, reqs[0].ClientID)
		assert.Equal(t, testCreds.ClientSecret, reqs[0].ClientSecret)
	})

	t.Run("missing access_token", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		hub.SetTokenResponse(http.StatusOK, map[string]interface{}{"expires_in": 600})
		broker, _ := newTestBroker(t)

		_, err := broker.Refresh(ctx, hub.URL(), testCreds)
		assert.Equal(t, KindProtocol, KindOf(err))
	})

	t.Run("missing expires_in", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		hub.SetTokenResponse(http.StatusOK, map[string]interface{}{"access_token": "test-token"})
		broker, _ := newTestBroker(t)

		_, err := broker.Refresh(ctx, hub.URL(), testCreds)
		assert.Equal(t, KindProtocol, KindOf(err))
		assert.Contains(t, err.Error(), "expires_in not received")
	})

	t.Run("not found", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		hub.SetTokenResponse(http.StatusNotFound, "<html>not found</html>")
		broker, _ := newTestBroker(t)

		_, err := broker.Refresh(ctx, hub.URL(), testCreds)
		assert.Equal(t, KindProtocol, KindOf(err))
	})

	t.Run("garbled body", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		hub.SetTokenResponse(http.StatusOK, "{definitely not json")
		broker, _ := newTestBroker(t)

		_, err := broker.Refresh(ctx, hub.URL(), testCreds)
		assert.Equal(t, KindProtocol, KindOf(err))
	})

	t.Run("connection refused", func(t *testing.T) {
		broker, _ := newTestBroker(t)

		_, err := broker.Refresh(ctx, testutil.UnreachableURL(), testCreds)
		assert.Equal(t, KindConnection, KindOf(err))
	})
}

func TestTokenBroker_EnsureValid(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh identity fetches a token", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		hub.SetTokenResponse(http.StatusOK, map[string]interface{}{
			"access_token": testutil.FakeToken(43),
			"expires_in":   100,
		})
		broker, _ := newTestBroker(t)
		rec := identity.NewRecord()

		state, updated, err := broker.EnsureValid(ctx, rec, hub.URL(), testCreds)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.Success, state)
		assert.Equal(t, testutil.FakeToken(43), updated.Token())
		assert.Equal(t, int64(100), *updated.ExpiresIn)
		assert.Equal(t, testNow.Unix(), *updated.RequestedAt)
		assert.Equal(t, rec.PersistenceID, updated.PersistenceID)
		assert.False(t, rec.HasToken(), "input record must not be mutated")
	})

	t.Run("valid cached token makes no request", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		broker, _ := newTestBroker(t)
		rec := identity.Record{
			PersistenceID: identity.NewID(),
			AccessToken:   ptr(testutil.FakeToken(43)),
			RequestedAt:   ptr(testNow.Unix() - 10),
			ExpiresIn:     ptr(int64(100000)),
		}

		state, updated, err := broker.EnsureValid(ctx, rec, hub.URL(), testCreds)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.Success, state)
		assert.Equal(t, rec, updated)
		assert.Empty(t, hub.TokenRequests())
	})

	t.Run("expired token is refreshed", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		broker, clk := newTestBroker(t)
		rec := identity.Record{
			PersistenceID: identity.NewID(),
			AccessToken:   ptr("old"),
			RequestedAt:   ptr(testNow.Unix()),
			ExpiresIn:     ptr(int64(60)),
		}

		clk.Advance(61 * time.Second)
		state, updated, err := broker.EnsureValid(ctx, rec, hub.URL(), testCreds)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.Success, state)
		assert.Len(t, hub.TokenRequests(), 1)
		assert.Equal(t, testutil.FakeToken(testutil.ValidTokenLength), updated.Token())
		assert.Equal(t, testNow.Add(61*time.Second).Unix(), *updated.RequestedAt)
	})

	t.Run("unreachable hub yields retry and keeps token", func(t *testing.T) {
		broker, _ := newTestBroker(t)
		rec := identity.Record{
			PersistenceID: identity.NewID(),
			AccessToken:   ptr("old"),
			RequestedAt:   ptr(int64(0)),
			ExpiresIn:     ptr(int64(1)),
		}

		state, updated, err := broker.EnsureValid(ctx, rec, testutil.UnreachableURL(), testCreds)
		require.Error(t, err)
		assert.Equal(t, lifecycle.Retry, state)
		assert.Equal(t, "old", updated.Token())
	})

	t.Run("configuration error yields crashed", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		broker, _ := newTestBroker(t)

		state, _, err := broker.EnsureValid(ctx, identity.NewRecord(), hub.URL(), Credentials{})
		assert.Equal(t, lifecycle.Crashed, state)
		assert.Equal(t, KindConfiguration, KindOf(err))
		assert.Empty(t, hub.TokenRequests())
	})

	t.Run("protocol error yields crashed", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		hub.SetTokenResponse(http.StatusOK, map[string]interface{}{"access_token": "x"})
		broker, _ := newTestBroker(t)

		state, updated, err := broker.EnsureValid(ctx, identity.NewRecord(), hub.URL(), testCreds)
		assert.Equal(t, lifecycle.Crashed, state)
		assert.Equal(t, KindProtocol, KindOf(err))
		assert.False(t, updated.HasToken())
	})
}

func TestTokenBroker_EnsureValidCanceledContextRetries(t *testing.T) {
	hub := testutil.NewMockHubServer()
	defer hub.Close()
	broker, _ := newTestBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state, rec, err := broker.EnsureValid(ctx, identity.NewRecord(), hub.URL(), testCreds)
	assert.Equal(t, lifecycle.Retry, state)
	assert.Equal(t, KindConnection, KindOf(err))
	assert.False(t, rec.HasToken())
}
