package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MegaGrindStone/go-llm/mcp"
)

func newSocketServer(t *testing.T, handler func(ws *websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handler(ws)
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSocketMessageFlow(t *testing.T) {
	url := newSocketServer(t, func(ws *websocket.Conn) {
		_ = ws.WriteJSON(mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  "notifications/message",
		})

		var req mcp.JSONRPCMessage
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		_ = ws.WriteJSON(mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      req.ID,
			Result:  json.RawMessage(`{"ok":true}`),
		})

		// Hold the connection open until the client closes it.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	conn, err := mcp.NewSocket(url).Connect(context.Background())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(conn.Stop)

	msgs := receiveMessages(conn)

	pushed := expectMessage(t, msgs)
	if pushed.Method != "notifications/message" {
		t.Errorf("got method %q, want notifications/message", pushed.Method)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      3,
		Method:  "ping",
	}); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	response := expectMessage(t, msgs)
	if uint64(response.ID) != 3 {
		t.Errorf("got response id %d, want 3", uint64(response.ID))
	}
	if response.Method != "" {
		t.Errorf("got response method %q, want none", response.Method)
	}
}

func TestSocketSkipsUnparseableFrames(t *testing.T) {
	url := newSocketServer(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte("this is not json"))
		_ = ws.WriteJSON(mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  "notifications/valid",
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	conn, err := mcp.NewSocket(url).Connect(context.Background())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(conn.Stop)

	msgs := receiveMessages(conn)

	msg := expectMessage(t, msgs)
	if msg.Method != "notifications/valid" {
		t.Errorf("got method %q, want notifications/valid", msg.Method)
	}
}

func TestSocketConnectError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	_, err := mcp.NewSocket(url).Connect(context.Background())
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Errorf("got error %v, want bad handshake", err)
	}
}

func TestSocketServerClose(t *testing.T) {
	url := newSocketServer(t, func(ws *websocket.Conn) {
		// Upgrade and drop the connection immediately.
	})

	conn, err := mcp.NewSocket(url).Connect(context.Background())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(conn.Stop)

	msgs := receiveMessages(conn)
	expectNoMessage(t, msgs, 3*time.Second)
	eventually(t, func() bool { return conn.Err() != nil }, "close cause")
}

func TestSocketSendAfterStop(t *testing.T) {
	url := newSocketServer(t, func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	conn, err := mcp.NewSocket(url).Connect(context.Background())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	conn.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = conn.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: 1, Method: "ping"})
	if !errors.Is(err, mcp.ErrConnectionClosed) {
		t.Errorf("got error %v, want ErrConnectionClosed", err)
	}
}
