package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotter/pkg/types"
)

func dialChannel(t *testing.T, ts *httptest.Server, sessionID, userID string) (*websocket.Conn, *http.Response) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?session_id=" + sessionID
	header := http.Header{"X-User-ID": []string{userID}}
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, resp
	}
	return ws, resp
}

func readEvent(t *testing.T, ws *websocket.Conn) types.Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var ev types.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestChannelAttachAndBroadcast(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	snap := initiateSessionHTTP(t, s)

	trainerWS, _ := dialChannel(t, ts, snap.SessionID, "trainer-1")
	require.NotNil(t, trainerWS)
	defer trainerWS.Close()
	studentWS, _ := dialChannel(t, ts, snap.SessionID, "student-1")
	require.NotNil(t, studentWS)
	defer studentWS.Close()

	// First frame on every attach is the full snapshot.
	ev := readEvent(t, trainerWS)
	assert.Equal(t, types.EventSnapshot, ev.Type)
	assert.Equal(t, types.StateRequested, ev.State)
	ev = readEvent(t, studentWS)
	assert.Equal(t, types.EventSnapshot, ev.Type)

	// A transition fans out to both attached parties.
	nearby := types.GeoPoint{Latitude: testGym.Latitude + 0.001, Longitude: testGym.Longitude}
	rec := doRequest(t, s, http.MethodPost, "/api/sessions/"+snap.SessionID+"/checkin",
		"student-1", checkInRequest{Location: nearby})
	require.Equal(t, http.StatusOK, rec.Code)

	for _, ws := range []*websocket.Conn{trainerWS, studentWS} {
		ev := readEvent(t, ws)
		assert.Equal(t, types.EventCheckedIn, ev.Type)
		assert.Equal(t, types.StatePendingAcceptance, ev.State)
		assert.Equal(t, int64(2), ev.Version)
	}
}

func TestChannelReattachReceivesCurrentState(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	snap := initiateSessionHTTP(t, s)
	base := "/api/sessions/" + snap.SessionID

	// Progress the session while nobody is attached.
	nearby := types.GeoPoint{Latitude: testGym.Latitude + 0.001, Longitude: testGym.Longitude}
	doRequest(t, s, http.MethodPost, base+"/checkin", "student-1", checkInRequest{Location: nearby})
	doRequest(t, s, http.MethodPost, base+"/respond", "trainer-1", respondRequest{Accept: true})

	// A late attach converges through the snapshot alone.
	ws, _ := dialChannel(t, ts, snap.SessionID, "student-1")
	require.NotNil(t, ws)
	defer ws.Close()

	ev := readEvent(t, ws)
	assert.Equal(t, types.EventSnapshot, ev.Type)
	assert.Equal(t, types.StateActive, ev.State)
	assert.Equal(t, int64(3), ev.Version)
}

func TestChannelRejectsOutsiders(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	snap := initiateSessionHTTP(t, s)

	ws, resp := dialChannel(t, ts, snap.SessionID, "intruder")
	require.Nil(t, ws)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws, resp = dialChannel(t, ts, "no-such-session", "trainer-1")
	require.Nil(t, ws)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChannelClosedOnTerminalState(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	snap := initiateSessionHTTP(t, s)

	ws, _ := dialChannel(t, ts, snap.SessionID, "student-1")
	require.NotNil(t, ws)
	defer ws.Close()
	readEvent(t, ws) // snapshot

	rec := doRequest(t, s, http.MethodPost, "/api/sessions/"+snap.SessionID+"/cancel", "trainer-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The cancellation event arrives, then the server closes the channel.
	ev := readEvent(t, ws)
	assert.Equal(t, types.EventCancelled, ev.Type)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}
