package diagnostics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestRecordAttemptTracksPeerSet(t *testing.T) {
	m := NewMonitor(nil)

	m.RecordAttempt(AttemptRecord{Address: "1.2.3.4:8333", HandshakeSuccess: true})
	snap := m.Snapshot()
	require.Equal(t, 1, snap["peer_count"])

	m.RecordAttempt(AttemptRecord{Address: "1.2.3.4:8333", HandshakeSuccess: false})
	snap = m.Snapshot()
	require.Equal(t, 0, snap["peer_count"], "a failed re-attempt must drop the peer")
}

func TestObserveAttemptRecordsOutcome(t *testing.T) {
	m := NewMonitor(nil)

	m.ObserveAttempt("5.6.7.8:8333", true, nil)
	m.ObserveAttempt("9.9.9.9:8333", false, errors.New("handshake timeout"))

	snap := m.Snapshot()
	attempts := snap["connection_attempts"].([]AttemptRecord)
	require.Len(t, attempts, 2)
	require.True(t, attempts[0].HandshakeSuccess)
	require.False(t, attempts[1].HandshakeSuccess)
	require.Equal(t, "handshake timeout", attempts[1].HandshakeError)
}

func TestAttemptBufferIsBounded(t *testing.T) {
	m := NewMonitor(nil)
	for i := 0; i < attemptBufferSize+50; i++ {
		m.RecordAttempt(AttemptRecord{Address: "x"})
	}
	snap := m.Snapshot()
	attempts := snap["connection_attempts"].([]AttemptRecord)
	require.Len(t, attempts, attemptBufferSize)
}

func TestStatusEndpointServesJSON(t *testing.T) {
	m := NewMonitor(nil)
	m.RecordAttempt(AttemptRecord{Address: "1.1.1.1:8333", HandshakeSuccess: true})

	srv := httptest.NewServer(m.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.EqualValues(t, 1, body["peer_count"])
}

func TestEventsEndpointStreamsAttempts(t *testing.T) {
	m := NewMonitor(nil)
	srv := httptest.NewServer(m.Router())
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	m.RecordAttempt(AttemptRecord{Address: "2.2.2.2:8333", HandshakeSuccess: true})

	var rec AttemptRecord
	require.NoError(t, conn.ReadJSON(&rec))
	require.Equal(t, "2.2.2.2:8333", rec.Address)
}

func TestStatusIncludesRegisteredPeerLister(t *testing.T) {
	m := NewMonitor(nil)
	m.SetPeerLister(func() []PeerInfo {
		return []PeerInfo{{Address: "3.3.3.3:8333", ClientVersion: "/spvnet:0.1/", Outbound: true}}
	})

	srv := httptest.NewServer(m.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Peers []PeerInfo `json:"peers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Peers, 1)
	require.Equal(t, "/spvnet:0.1/", body.Peers[0].ClientVersion)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	m := NewMonitor(nil)
	srv := httptest.NewServer(m.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
