package hub

import (
	"context"
	"net/http"
	"testing"

	"github.com/fdm-monster/fdm-connector/internal/lifecycle"
	"github.com/fdm-monster/fdm-connector/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestProbe(t *testing.T) *Probe {
	t.Helper()
	broker, _ := newTestBroker(t)
	httpClient, err := NewHTTPClient(ClientOptions{FollowRedirects: true})
	require.NoError(t, err)
	return NewProbe(httpClient, broker, zap.NewNop())
}

func TestProbe_Version(t *testing.T) {
	ctx := context.Background()

	t.Run("reports version", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()

		version, err := newTestProbe(t).Version(ctx, hub.URL())
		require.NoError(t, err)
		assert.Equal(t, "1.0.0-test", version)
		assert.Equal(t, 1, hub.VersionCalls())
	})

	t.Run("trailing slash", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()

		_, err := newTestProbe(t).Version(ctx, hub.URL()+"/")
		require.NoError(t, err)
	})

	t.Run("unreachable", func(t *testing.T) {
		_, err := newTestProbe(t).Version(ctx, testutil.UnreachableURL())
		assert.Equal(t, KindConnection, KindOf(err))
	})

	t.Run("error status", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		hub.SetVersionResponse(http.StatusServiceUnavailable, `{"version":"1.0.0"}`)

		_, err := newTestProbe(t).Version(ctx, hub.URL())
		assert.Equal(t, KindProtocol, KindOf(err))
	})

	t.Run("empty body", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		hub.SetVersionResponse(http.StatusOK, "")

		_, err := newTestProbe(t).Version(ctx, hub.URL())
		assert.Equal(t, KindProtocol, KindOf(err))
	})

	t.Run("missing version", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		hub.SetVersionResponse(http.StatusOK, map[string]interface{}{"name": "hub"})

		_, err := newTestProbe(t).Version(ctx, hub.URL())
		assert.Equal(t, KindProtocol, KindOf(err))
		assert.Contains(t, err.Error(), "version not received")
	})
}

func TestProbe_OpenID(t *testing.T) {
	ctx := context.Background()

	t.Run("valid credentials", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()

		state := newTestProbe(t).OpenID(ctx, hub.URL(), "ValidAnnoyer123", "ValidPawo321")
		assert.Equal(t, lifecycle.Success, state)
		require.Len(t, hub.TokenRequests(), 1)
		assert.Equal(t, "ValidAnnoyer123", hub.TokenRequests()[0].ClientID)
	})

	t.Run("rejected credentials", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()
		hub.SetTokenResponse(http.StatusUnauthorized, map[string]interface{}{"error": "invalid_client"})

		state := newTestProbe(t).OpenID(ctx, hub.URL(), "id", "wrong")
		assert.Equal(t, lifecycle.Crashed, state)
	})

	t.Run("unreachable", func(t *testing.T) {
		state := newTestProbe(t).OpenID(ctx, testutil.UnreachableURL(), "id", "secret")
		assert.Equal(t, lifecycle.Retry, state)
	})

	t.Run("empty secret", func(t *testing.T) {
		hub := testutil.NewMockHubServer()
		defer hub.Close()

		state := newTestProbe(t).OpenID(ctx, hub.URL(), "id", "")
		assert.Equal(t, lifecycle.Crashed, state)
		assert.Empty(t, hub.TokenRequests())
	})
}
