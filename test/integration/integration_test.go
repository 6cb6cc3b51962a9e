// Package integration runs the whole connector against a mock hub: real
// settings file, real data file, real scheduler and the local API.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fdm-monster/fdm-connector/internal/api"
	"github.com/fdm-monster/fdm-connector/internal/connector"
	"github.com/fdm-monster/fdm-connector/internal/lifecycle"
	"github.com/fdm-monster/fdm-connector/pkg/testutil"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testClientID     = "ValidAnnoyer123"
	testClientSecret = "ValidPawo321"

	waitFor = 5 * time.Second
	pollMs  = 20 * time.Millisecond
)

type noContainer struct{}

func (noContainer) Containerized() bool { return false }

func noEnv(string) (string, bool) { return "", false }

type testEnv struct {
	hub          *testutil.MockHubServer
	conn         *connector.Connector
	settingsPath string
	apiURL       string
}

// setupTest starts a mock hub and a connector ticking every second with its
// API on a free port
func setupTest(t *testing.T) (*testEnv, func()) {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	mock := testutil.NewMockHubServer()
	host, port := mock.HostPort()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	settings := fmt.Sprintf(`hub_host: %s
hub_port: %d
oidc_client_id: %s
oidc_client_secret: %s
ping: 1
data_dir: %s
api:
  listen: "127.0.0.1:0"
`, host, port, testClientID, testClientSecret, filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(path, []byte(settings), 0o600))

	conn, err := connector.New(connector.Options{
		SettingsPath: path,
		Lookup:       noEnv,
		Host:         noContainer{},
	}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, conn.OnStart(ctx))

	env := &testEnv{
		hub:          mock,
		conn:         conn,
		settingsPath: path,
		apiURL:       "http://" + conn.API().Addr(),
	}
	cleanup := func() {
		cancel()
		_ = conn.OnStop()
		mock.Close()
	}
	return env, cleanup
}

func (e *testEnv) waitForAnnouncements(t *testing.T, n int) []testutil.Announcement {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(e.hub.Announcements()) >= n
	}, waitFor, pollMs, "expected %d announcements", n)
	return e.hub.Announcements()
}

func (e *testEnv) waitForState(t *testing.T, want lifecycle.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.conn.Coordinator().State() == want
	}, waitFor, pollMs, "expected state %s", want)
}

func (e *testEnv) getState(t *testing.T) api.StateResponse {
	t.Helper()
	resp, err := http.Get(e.apiURL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out api.StateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) dialStream(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.apiURL, "http") + "/api/state/stream"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) api.StreamMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	var msg api.StreamMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}
