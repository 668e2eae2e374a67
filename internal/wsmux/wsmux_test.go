package wsmux

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	signalpb "go.mau.fi/mautrix-signal/pkg/signalmeow/protobuf"

	"github.com/offsoc/Mock-Signal-Server/internal/wsproto"
)

func dialPair(t *testing.T, handler RequestHandler) (*Conn, *websocket.Conn, func()) {
	t.Helper()
	var serverConn *Conn
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		serverConn = New(ws, zerolog.Nop(), handler)
		close(ready)
		_ = serverConn.Run(r.Context())
	}))

	clientWS, _, err := websocket.Dial(context.Background(), strings.Replace(srv.URL, "http", "ws", 1), nil)
	require.NoError(t, err)
	<-ready

	cleanup := func() {
		clientWS.Close(websocket.StatusNormalClosure, "")
		srv.Close()
	}
	return serverConn, clientWS, cleanup
}

// TestPushRequestRoundTrip exercises the server-push direction: PushRequest
// blocks until the simulated device reads the REQUEST frame and answers it
// with a status-200 RESPONSE carrying the same request id.
func TestPushRequestRoundTrip(t *testing.T) {
	server, client, cleanup := dialPair(t, nil)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type pushResult struct {
		status uint32
		err    error
	}
	resultCh := make(chan pushResult, 1)
	go func() {
		resp, err := server.PushRequest(ctx, "PUT", "/api/v1/message", []byte("payload"))
		if err != nil {
			resultCh <- pushResult{0, err}
			return
		}
		resultCh <- pushResult{resp.GetStatus(), nil}
	}()

	req := &signalpb.WebSocketMessage{}
	require.NoError(t, wsproto.Read(ctx, client, req))
	require.Equal(t, signalpb.WebSocketMessage_REQUEST, req.GetType())
	require.Equal(t, "/api/v1/message", req.GetRequest().GetPath())

	respType := signalpb.WebSocketMessage_RESPONSE
	status := uint32(200)
	message := "OK"
	resp := &signalpb.WebSocketMessage{
		Type: &respType,
		Response: &signalpb.WebSocketResponseMessage{
			Id:      req.GetRequest().Id,
			Status:  &status,
			Message: &message,
		},
	}
	require.NoError(t, wsproto.Write(ctx, client, resp))

	result := <-resultCh
	require.NoError(t, result.err)
	require.Equal(t, uint32(200), result.status)
}

// TestIncomingRequestIsAnsweredByHandler exercises the device-initiated
// direction: a client REQUEST frame (e.g. GET /v1/keepalive) is routed
// through the handler and answered with a matching-id RESPONSE.
func TestIncomingRequestIsAnsweredByHandler(t *testing.T) {
	handler := func(ctx context.Context, req *signalpb.WebSocketRequestMessage) (int, []byte) {
		require.Equal(t, "GET", req.GetVerb())
		require.Equal(t, "/v1/keepalive", req.GetPath())
		return 200, nil
	}
	_, client, cleanup := dialPair(t, handler)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reqType := signalpb.WebSocketMessage_REQUEST
	verb, path := "GET", "/v1/keepalive"
	id := uint64(1)
	req := &signalpb.WebSocketMessage{
		Type: &reqType,
		Request: &signalpb.WebSocketRequestMessage{
			Id:   &id,
			Verb: &verb,
			Path: &path,
		},
	}
	require.NoError(t, wsproto.Write(ctx, client, req))

	resp := &signalpb.WebSocketMessage{}
	require.NoError(t, wsproto.Read(ctx, client, resp))
	require.Equal(t, signalpb.WebSocketMessage_RESPONSE, resp.GetType())
	require.Equal(t, uint64(1), resp.GetResponse().GetId())
	require.Equal(t, uint32(200), resp.GetResponse().GetStatus())
}
