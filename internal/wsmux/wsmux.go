// Package wsmux multiplexes signalpb.WebSocketMessage REQUEST/RESPONSE
// frames over one accepted device connection. It plays the server side of
// the protocol signalwebsocket.go plays client-side: it can both push
// server-initiated requests (PUT /api/v1/message, PUT /api/v1/queue/empty)
// and answer device-initiated requests (GET /v1/keepalive) routed through a
// caller-supplied handler.
package wsmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	signalpb "go.mau.fi/mautrix-signal/pkg/signalmeow/protobuf"

	"github.com/offsoc/Mock-Signal-Server/internal/wsproto"
)

// RequestHandler answers a device-initiated REQUEST frame with an HTTP-style
// status and optional body.
type RequestHandler func(ctx context.Context, req *signalpb.WebSocketRequestMessage) (status int, body []byte)

// Conn is one multiplexed device connection. It owns the underlying
// websocket and is safe to use concurrently: PushRequest can be called from
// any goroutine while the read loop is running.
type Conn struct {
	ws      *websocket.Conn
	log     zerolog.Logger
	handler RequestHandler

	nextID   atomic.Uint64
	pending  sync.Map // uint64 -> chan *signalpb.WebSocketResponseMessage
	writeMu  sync.Mutex
	closed   atomic.Bool
}

// New wraps an accepted websocket connection. Call Run to start the read
// loop; it blocks until the connection closes or ctx is done.
func New(ws *websocket.Conn, log zerolog.Logger, handler RequestHandler) *Conn {
	return &Conn{ws: ws, log: log, handler: handler}
}

// Run drives the read loop, dispatching incoming REQUEST frames to the
// handler and incoming RESPONSE frames to whichever PushRequest is waiting
// on that id. It returns when the connection closes or ctx is canceled.
func (c *Conn) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := &signalpb.WebSocketMessage{}
		if err := wsproto.Read(ctx, c.ws, msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("wsmux read: %w", err)
		}
		switch msg.GetType() {
		case signalpb.WebSocketMessage_REQUEST:
			go c.handleIncomingRequest(ctx, msg.GetRequest())
		case signalpb.WebSocketMessage_RESPONSE:
			c.handleIncomingResponse(msg.GetResponse())
		default:
			c.log.Warn().Stringer("type", msg.GetType()).Msg("ignoring websocket message of unknown type")
		}
	}
}

func (c *Conn) handleIncomingRequest(ctx context.Context, req *signalpb.WebSocketRequestMessage) {
	if req == nil || c.handler == nil {
		return
	}
	status, body := c.handler(ctx, req)
	msgType := signalpb.WebSocketMessage_RESPONSE
	statusU32 := uint32(status)
	message := "OK"
	if status >= 400 {
		message = "Error"
	}
	resp := &signalpb.WebSocketMessage{
		Type: &msgType,
		Response: &signalpb.WebSocketResponseMessage{
			Id:      req.Id,
			Status:  &statusU32,
			Message: &message,
			Body:    body,
		},
	}
	if err := c.writeFrame(ctx, resp); err != nil {
		c.log.Err(err).Msg("failed to write response to device request")
	}
}

func (c *Conn) handleIncomingResponse(resp *signalpb.WebSocketResponseMessage) {
	if resp == nil || resp.Id == nil {
		return
	}
	v, ok := c.pending.LoadAndDelete(*resp.Id)
	if !ok {
		c.log.Warn().Uint64("request_id", *resp.Id).Msg("response for unknown request id")
		return
	}
	ch := v.(chan *signalpb.WebSocketResponseMessage)
	ch <- resp
	close(ch)
}

// PushRequest sends a server-initiated REQUEST frame (PUT /api/v1/message,
// PUT /api/v1/queue/empty, ...) and blocks for the device's matching
// RESPONSE, or until ctx is done.
func (c *Conn) PushRequest(ctx context.Context, verb, path string, body []byte) (*signalpb.WebSocketResponseMessage, error) {
	if c.closed.Load() {
		return nil, errors.New("connection closed")
	}
	id := c.nextID.Add(1)
	ch := make(chan *signalpb.WebSocketResponseMessage, 1)
	c.pending.Store(id, ch)

	msgType := signalpb.WebSocketMessage_REQUEST
	msg := &signalpb.WebSocketMessage{
		Type: &msgType,
		Request: &signalpb.WebSocketRequestMessage{
			Id:   &id,
			Verb: &verb,
			Path: &path,
			Body: body,
		},
	}
	if err := c.writeFrame(ctx, msg); err != nil {
		c.pending.Delete(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.pending.Delete(id)
		return nil, ctx.Err()
	}
}

func (c *Conn) writeFrame(ctx context.Context, msg *signalpb.WebSocketMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsproto.Write(ctx, c.ws, msg)
}

// Close closes the underlying websocket with a normal-closure frame.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
