package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/consult-signaling/config"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/registry"
	"github.com/mossy-p/consult-signaling/internal/relay"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Environment:    "test",
		AllowedOrigins: []string{"http://clinic.test"},
		JWTSecret:      testSecret,
		Signaling: config.SignalingConfig{
			SendBuffer: 32,
		},
	}
}

func newServer(t *testing.T, cfg *config.Config) (*httptest.Server, *relay.Relay) {
	t.Helper()
	r := relay.New(registry.New(), relay.Options{})
	srv := httptest.NewServer(NewRouter(cfg, r, logr.Discard()))
	t.Cleanup(srv.Close)
	return srv, r
}

func wsURL(srv *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, query), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env models.Envelope) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(env))
}

func recv(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env models.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// recvType reads until an envelope of type want arrives
func recvType(t *testing.T, conn *websocket.Conn, want models.EnvelopeType) models.Envelope {
	t.Helper()
	for {
		env := recv(t, conn)
		if env.Type == want {
			return env
		}
	}
}

// waitForParticipants blocks until callID has n participants
func waitForParticipants(t *testing.T, srv *httptest.Server, callID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/calls/" + callID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var info models.CallInfo
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&info) != nil {
			return false
		}
		return len(info.Participants) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func token(t *testing.T, id string, role models.Role) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, models.Identity{ParticipantID: id, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestHealth(t *testing.T) {
	srv, _ := newServer(t, testConfig())

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestDevToken(t *testing.T) {
	srv, _ := newServer(t, testConfig())

	post := func(body string) *http.Response {
		resp, err := http.Post(srv.URL+"/api/auth/token", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(`{"participantId":"doc1","role":"doctor"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "doc1", out.ParticipantID)
	assert.Equal(t, models.RoleDoctor, out.Role)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), out.ExpiresAt, time.Minute)

	id, err := middleware.ParseToken(testSecret, out.Token)
	require.NoError(t, err)
	assert.Equal(t, "doc1", id.ParticipantID)
	assert.Equal(t, models.RoleDoctor, id.Role)

	assert.Equal(t, http.StatusBadRequest, post(`{"participantId":"doc1","role":"nurse"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(`{"participantId":"doc1"}`).StatusCode)
}

func TestDevTokenNotMountedInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Environment = "production"
	srv, _ := newServer(t, cfg)

	resp, err := http.Post(srv.URL+"/api/auth/token", "application/json",
		strings.NewReader(`{"participantId":"doc1","role":"doctor"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConsultationOverWebSocket(t *testing.T) {
	srv, _ := newServer(t, testConfig())

	doctor := dial(t, srv, "")
	send(t, doctor, models.Envelope{Type: models.TypeJoin, CallID: "appt-42", ParticipantID: "doc1", Role: models.RoleDoctor})
	waitForParticipants(t, srv, "appt-42", 1)

	patient := dial(t, srv, "")
	send(t, patient, models.Envelope{Type: models.TypeJoin, CallID: "appt-42", ParticipantID: "pat1", Role: models.RolePatient})

	joined := recv(t, doctor)
	assert.Equal(t, models.TypeUserJoined, joined.Type)
	assert.Equal(t, "pat1", joined.ParticipantID)

	docReady := recv(t, doctor)
	require.Equal(t, models.TypeRoomReady, docReady.Type)
	require.NotNil(t, docReady.ShouldInitiate)
	assert.False(t, *docReady.ShouldInitiate)

	patReady := recv(t, patient)
	require.Equal(t, models.TypeRoomReady, patReady.Type)
	assert.True(t, *patReady.ShouldInitiate)
	assert.Equal(t, "doc1", patReady.PeerID)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	send(t, patient, models.Envelope{Type: models.TypeOffer, Offer: offer})
	got := recv(t, doctor)
	assert.Equal(t, models.TypeOffer, got.Type)
	assert.Equal(t, "pat1", got.From)
	assert.JSONEq(t, string(offer), string(got.Offer))

	resp, err := http.Get(srv.URL + "/api/calls/appt-42")
	require.NoError(t, err)
	var info models.CallInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Len(t, info.Participants, 2)

	// closing the socket is a leave
	require.NoError(t, patient.Close())
	left := recvType(t, doctor, models.TypeUserLeft)
	assert.Equal(t, "pat1", left.ParticipantID)
}

func TestThirdParticipantIsRejected(t *testing.T) {
	srv, _ := newServer(t, testConfig())

	a := dial(t, srv, "")
	send(t, a, models.Envelope{Type: models.TypeJoin, CallID: "c1", ParticipantID: "doc1", Role: models.RoleDoctor})
	waitForParticipants(t, srv, "c1", 1)
	b := dial(t, srv, "")
	send(t, b, models.Envelope{Type: models.TypeJoin, CallID: "c1", ParticipantID: "pat1", Role: models.RolePatient})
	recvType(t, b, models.TypeRoomReady)

	c := dial(t, srv, "")
	send(t, c, models.Envelope{Type: models.TypeJoin, CallID: "c1", ParticipantID: "pat2", Role: models.RolePatient})
	env := recv(t, c)
	assert.Equal(t, models.TypeError, env.Type)
	assert.Equal(t, models.CodeRoomFull, env.Code)

	// the server closes the connection after the error
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestEndCallRequiresDoctor(t *testing.T) {
	srv, _ := newServer(t, testConfig())

	doctor := dial(t, srv, "")
	send(t, doctor, models.Envelope{Type: models.TypeJoin, CallID: "appt-7", ParticipantID: "doc1", Role: models.RoleDoctor})
	waitForParticipants(t, srv, "appt-7", 1)
	patient := dial(t, srv, "")
	send(t, patient, models.Envelope{Type: models.TypeJoin, CallID: "appt-7", ParticipantID: "pat1", Role: models.RolePatient})
	recvType(t, patient, models.TypeRoomReady)

	del := func(tok string) int {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/calls/appt-7", nil)
		require.NoError(t, err)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, del(""))
	assert.Equal(t, http.StatusForbidden, del(token(t, "pat1", models.RolePatient)))
	assert.Equal(t, http.StatusOK, del(token(t, "doc1", models.RoleDoctor)))
	assert.Equal(t, http.StatusNotFound, del(token(t, "doc1", models.RoleDoctor)))

	assert.Equal(t, models.TypeCallEnded, recvType(t, patient, models.TypeCallEnded).Type)
	assert.Equal(t, models.TypeCallEnded, recvType(t, doctor, models.TypeCallEnded).Type)
}

func TestRequireAuthUsesTokenIdentity(t *testing.T) {
	cfg := testConfig()
	cfg.RequireAuth = true
	srv, _ := newServer(t, cfg)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := dial(t, srv, "token="+token(t, "doc1", models.RoleDoctor))
	// identity comes from the token
	send(t, conn, models.Envelope{Type: models.TypeJoin, CallID: "appt-9"})
	send(t, conn, models.Envelope{Type: models.TypeJoin, CallID: "appt-9", ParticipantID: "pat1", Role: models.RolePatient})
	env := recv(t, conn)
	assert.Equal(t, models.TypeError, env.Type)
	assert.Equal(t, models.CodeForbidden, env.Code)
}

func TestOriginFilter(t *testing.T) {
	srv, _ := newServer(t, testConfig())

	header := http.Header{"Origin": []string{"http://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"http://clinic.test"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.NoError(t, err)
	resp.Body.Close()
	conn.Close()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/calls/x", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://clinic.test")
	req.Header.Set("Access-Control-Request-Method", "DELETE")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://clinic.test", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestNotifications(t *testing.T) {
	srv, _ := newServer(t, testConfig())

	conn := dial(t, srv, "")
	send(t, conn, models.Envelope{Type: models.TypeAuth, UserID: "pat1"})
	assert.Equal(t, models.TypeAuthSuccess, recv(t, conn).Type)

	post := func(user, body string) (int, map[string]any) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/notifications/"+user, bytes.NewBufferString(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token(t, "doc1", models.RoleDoctor))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp.StatusCode, out
	}

	code, out := post("pat1", `{"kind":"appointment-starting","callId":"appt-42"}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["delivered"])

	env := recv(t, conn)
	assert.Equal(t, models.TypeNotification, env.Type)
	assert.JSONEq(t, `{"kind":"appointment-starting","callId":"appt-42"}`, string(env.Payload))

	code, _ = post("pat1", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPIRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Signaling.APIRateLimit = 1
	srv, _ := newServer(t, cfg)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL + "/api/calls/none")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, http.StatusNotFound, codes[0])
	assert.Contains(t, codes[1:], http.StatusTooManyRequests)
}
