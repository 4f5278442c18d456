package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/dewarp"
	"github.com/lanikai/dewarp/internal/output"
	"github.com/lanikai/dewarp/internal/session"
)

func newTestCamera(t *testing.T) *dewarp.Camera {
	m, err := dewarp.NewManager("sim", "0")
	require.NoError(t, err)
	cfg := dewarp.DefaultConfig()
	cfg.DeviceID = "0"
	cam := dewarp.NewCamera(cfg, m)
	cam.SetTarget(dewarp.Primary, output.NewMemorySurface(dewarp.Size{Width: 64, Height: 48}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cam.Shutdown(ctx)
	})
	return cam
}

func TestServerEventsAndControl(t *testing.T) {
	cam := newTestCamera(t)
	ts := httptest.NewServer(newServer(cam).Handler)
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer ws.Close()

	resp, err := http.Get(ts.URL + "/control/open")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/control/bogus", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/control/open", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The preview size is chosen before the device opens.
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var kinds []interface{}
	for len(kinds) < 2 {
		var msg map[string]interface{}
		require.NoError(t, ws.ReadJSON(&msg))
		kinds = append(kinds, msg["kind"])
		if msg["kind"] == "opened" {
			assert.Equal(t, "opened", msg["message"])
		}
	}
	assert.Equal(t, []interface{}{"preview-size", "opened"}, kinds)

	require.Eventually(t, func() bool { return cam.State() == session.Active }, 5*time.Second, 10*time.Millisecond)

	resp, err = http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "0", st["device"])
	assert.Equal(t, []interface{}{"primary"}, st["targets"])
}
