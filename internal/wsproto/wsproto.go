// Package wsproto reads and writes signalpb.WebSocketMessage frames over a
// coder/websocket connection, pooling the scratch buffer between calls.
// Adapted from wspb.go in the signalmeow client, with the roles reversed:
// here the server is the one framing WebSocketRequestMessage pushes and
// reading WebSocketResponseMessage replies from a connected device.
package wsproto

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"google.golang.org/protobuf/proto"
)

var bufPool sync.Pool

func getBuf() *bytes.Buffer {
	if b := bufPool.Get(); b != nil {
		return b.(*bytes.Buffer)
	}
	return &bytes.Buffer{}
}

func putBuf(b *bytes.Buffer) {
	b.Reset()
	bufPool.Put(b)
}

// Read decodes one binary-framed protobuf message from conn into v.
func Read(ctx context.Context, conn *websocket.Conn, v proto.Message) (err error) {
	defer wrapErr(&err, "read protobuf frame")

	typ, r, err := conn.Reader(ctx)
	if err != nil {
		return err
	}
	if typ != websocket.MessageBinary {
		conn.Close(websocket.StatusUnsupportedData, "expected binary message")
		return fmt.Errorf("expected binary message, got %v", typ)
	}

	buf := getBuf()
	defer putBuf(buf)
	if _, err := buf.ReadFrom(r); err != nil {
		return err
	}
	if err := proto.Unmarshal(buf.Bytes(), v); err != nil {
		conn.Close(websocket.StatusInvalidFramePayloadData, "failed to unmarshal protobuf")
		return fmt.Errorf("unmarshal protobuf: %w", err)
	}
	return nil
}

// Write encodes v and sends it as a binary frame on conn.
func Write(ctx context.Context, conn *websocket.Conn, v proto.Message) (err error) {
	defer wrapErr(&err, "write protobuf frame")

	data, err := proto.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal protobuf: %w", err)
	}
	return conn.Write(ctx, websocket.MessageBinary, data)
}

func wrapErr(err *error, what string) {
	if *err != nil {
		*err = fmt.Errorf("%s: %w", what, *err)
	}
}
