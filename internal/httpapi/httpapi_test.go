package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	signalpb "go.mau.fi/mautrix-signal/pkg/signalmeow/protobuf"

	"github.com/offsoc/Mock-Signal-Server/internal/config"
	"github.com/offsoc/Mock-Signal-Server/internal/provisioning"
	"github.com/offsoc/Mock-Signal-Server/internal/state"
	"github.com/offsoc/Mock-Signal-Server/internal/wsmux"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	trustRoot := config.TrustRoot{KeyID: 1, PublicKey: pub, PrivateKey: priv}
	zkParams := config.ZKParams{Raw: json.RawMessage(`{}`)}

	router := New(state.New(), provisioning.New(), trustRoot, zkParams, zerolog.Nop())
	srv := httptest.NewTLSServer(router)
	t.Cleanup(srv.Close)
	return srv
}

type registrationResponse struct {
	UUID     string `json:"uuid"`
	DeviceID uint32 `json:"deviceId"`
}

func registerDevice(t *testing.T, srv *httptest.Server, e164, password string, registrationID uint32) registrationResponse {
	t.Helper()
	body := map[string]any{
		"e164":              e164,
		"password":          password,
		"registrationId":    registrationID,
		"pniRegistrationId": registrationID + 1,
		"fetchesMessages":   true,
		"aciIdentityKey":    base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32)),
		"pniIdentityKey":    base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{2}, 32)),
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/registration", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	putResp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer putResp.Body.Close()
	require.Equal(t, http.StatusOK, putResp.StatusCode)

	var out registrationResponse
	require.NoError(t, json.NewDecoder(putResp.Body).Decode(&out))
	return out
}

func basicAuth(aci string, deviceID uint32, password string) string {
	return fmt.Sprintf("%s.%d:%s", aci, deviceID, password)
}

// TestSendAndReceiveOverWebSocket exercises §8 scenario 3: an authenticated
// send via PUT /v1/messages/{serviceId} reaches a live WebSocket as a real
// signalpb.Envelope carried in a PUT /api/v1/message push, and acking it
// drains the per-device queue.
func TestSendAndReceiveOverWebSocket(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := registerDevice(t, srv, "+15555550200", "alicepw", 1001)
	bob := registerDevice(t, srv, "+15555550201", "bobpw", 2002)

	wsURL := strings.Replace(srv.URL, "https://", "wss://", 1) + "/v1/websocket/"
	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(basicAuth(bob.UUID, bob.DeviceID, "bobpw"))))
	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: srv.Client(), HTTPHeader: header})
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	pushedCh := make(chan []byte, 1)
	emptyCh := make(chan struct{}, 1)
	handler := func(_ context.Context, req *signalpb.WebSocketRequestMessage) (int, []byte) {
		switch req.GetPath() {
		case "/api/v1/message":
			pushedCh <- req.GetBody()
		case "/api/v1/queue/empty":
			select {
			case emptyCh <- struct{}{}:
			default:
			}
		}
		return http.StatusOK, nil
	}
	conn := wsmux.New(ws, zerolog.Nop(), handler)
	go func() { _ = conn.Run(ctx) }()

	select {
	case <-emptyCh:
	case <-ctx.Done():
		t.Fatal("timed out waiting for initial queue/empty")
	}

	sendBody := map[string]any{
		"timestamp": time.Now().UnixMilli(),
		"messages": []map[string]any{
			{
				"type":                      6,
				"destinationDeviceId":       1,
				"destinationRegistrationId": 2002,
				"content":                   base64.StdEncoding.EncodeToString([]byte{0xDE, 0xAD, 0xBE, 0xEF}),
			},
		},
	}
	raw, err := json.Marshal(sendBody)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/messages/"+bob.UUID, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(fmt.Sprintf("%s.%d", alice.UUID, alice.DeviceID), "alicepw")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pushedBody []byte
	select {
	case pushedBody = <-pushedCh:
	case <-ctx.Done():
		t.Fatal("timed out waiting for pushed message")
	}
	var pushed signalpb.Envelope
	require.NoError(t, proto.Unmarshal(pushedBody, &pushed))
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, pushed.GetContent())

	ackReq, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/messages/uuid/"+pushed.GetServerGuid(), nil)
	require.NoError(t, err)
	ackReq.SetBasicAuth(fmt.Sprintf("%s.%d", bob.UUID, bob.DeviceID), "bobpw")
	ackResp, err := srv.Client().Do(ackReq)
	require.NoError(t, err)
	defer ackResp.Body.Close()
	require.Equal(t, http.StatusNoContent, ackResp.StatusCode)

	fetchReq, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/messages", nil)
	require.NoError(t, err)
	fetchReq.SetBasicAuth(fmt.Sprintf("%s.%d", bob.UUID, bob.DeviceID), "bobpw")
	fetchResp, err := srv.Client().Do(fetchReq)
	require.NoError(t, err)
	defer fetchResp.Body.Close()
	var fetched fetchedMessagesResponseJSON
	require.NoError(t, json.NewDecoder(fetchResp.Body).Decode(&fetched))
	require.Empty(t, fetched.Messages)
}

// TestSendSealedSenderOverWebSocket exercises the unauthenticated sealed-
// sender send shape spec.md §6 allows: PUT /v1/messages/{serviceId} with no
// Authorization at all, just Unidentified-Access-Key, still reaches a live
// WebSocket - and since the real sender identity is sealed inside Content,
// the pushed envelope carries no source service ID or device.
func TestSendSealedSenderOverWebSocket(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bob := registerDevice(t, srv, "+15555550202", "bobpw", 3003)

	wsURL := strings.Replace(srv.URL, "https://", "wss://", 1) + "/v1/websocket/"
	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(basicAuth(bob.UUID, bob.DeviceID, "bobpw"))))
	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: srv.Client(), HTTPHeader: header})
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	pushedCh := make(chan []byte, 1)
	emptyCh := make(chan struct{}, 1)
	handler := func(_ context.Context, req *signalpb.WebSocketRequestMessage) (int, []byte) {
		switch req.GetPath() {
		case "/api/v1/message":
			pushedCh <- req.GetBody()
		case "/api/v1/queue/empty":
			select {
			case emptyCh <- struct{}{}:
			default:
			}
		}
		return http.StatusOK, nil
	}
	conn := wsmux.New(ws, zerolog.Nop(), handler)
	go func() { _ = conn.Run(ctx) }()

	select {
	case <-emptyCh:
	case <-ctx.Done():
		t.Fatal("timed out waiting for initial queue/empty")
	}

	sendBody := map[string]any{
		"timestamp": time.Now().UnixMilli(),
		"messages": []map[string]any{
			{
				"type":                      6,
				"destinationDeviceId":       1,
				"destinationRegistrationId": 3003,
				"content":                   base64.StdEncoding.EncodeToString([]byte{0xCA, 0xFE}),
			},
		},
	}
	raw, err := json.Marshal(sendBody)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/messages/"+bob.UUID, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(unidentifiedAccessKeyHeader, base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pushedBody []byte
	select {
	case pushedBody = <-pushedCh:
	case <-ctx.Done():
		t.Fatal("timed out waiting for pushed message")
	}
	var pushed signalpb.Envelope
	require.NoError(t, proto.Unmarshal(pushedBody, &pushed))
	require.Equal(t, []byte{0xCA, 0xFE}, pushed.GetContent())
	require.Empty(t, pushed.GetSourceServiceId())
	require.Zero(t, pushed.GetSourceDevice())
}
