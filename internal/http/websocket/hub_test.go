package websocket_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cratefm/crate/internal/http/websocket"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, hub *websocket.SocketHub) *gorilla.Conn {
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Start(ctx)
	t.Cleanup(cancel)

	srv := httptest.NewServer(http.HandlerFunc(hub.UpgradeToSocket))
	t.Cleanup(srv.Close)

	// The hub loop starts asynchronously
	var conn *gorilla.Conn
	require.Eventually(t, func() bool {
		c, _, err := gorilla.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readMessage(t *testing.T, conn *gorilla.Conn) map[string]interface{} {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_WelcomeIncludesConnectionPayload(t *testing.T) {
	hub := websocket.New()
	hub.WithConnectionCallback(func() map[string]interface{} {
		return map[string]interface{}{"batches": []string{"a"}}
	})

	conn := startHub(t, hub)
	msg := readMessage(t, conn)

	assert.Equal(t, "CONNECTION_ESTABLISHED", msg["title"])
	args, ok := msg["arguments"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, args, "client")
	assert.Equal(t, []interface{}{"a"}, args["batches"])
}

func TestHub_CommandRouting(t *testing.T) {
	hub := websocket.New()
	hub.BindCommand("ECHO", func(h *websocket.SocketHub, m *websocket.SocketMessage) error {
		value, err := m.StringArgument("value")
		if err != nil {
			return err
		}

		h.Send(m.FormReply("COMMAND_SUCCESS", map[string]interface{}{"value": value}, websocket.Response))
		return nil
	})
	hub.BindCommand("BROKEN", func(*websocket.SocketHub, *websocket.SocketMessage) error {
		return errors.New("handler exploded")
	})

	conn := startHub(t, hub)
	readMessage(t, conn)

	t.Run("Success", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{"title": "ECHO", "id": 7, "type": websocket.Command, "arguments": map[string]interface{}{"value": "hi"}}))
		msg := readMessage(t, conn)
		assert.Equal(t, "COMMAND_SUCCESS", msg["title"])
		assert.EqualValues(t, 7, msg["id"])
		assert.Equal(t, "hi", msg["arguments"].(map[string]interface{})["value"])
	})

	t.Run("HandlerError", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{"title": "BROKEN", "id": 8, "type": websocket.Command}))
		msg := readMessage(t, conn)
		assert.Equal(t, "COMMAND_FAILURE", msg["title"])
		assert.Equal(t, "handler exploded", msg["arguments"].(map[string]interface{})["error"])
	})

	t.Run("UnknownCommand", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{"title": "NOPE", "id": 9, "type": websocket.Command}))
		msg := readMessage(t, conn)
		assert.Equal(t, "COMMAND_FAILURE", msg["title"])
		assert.EqualValues(t, 9, msg["id"])
	})
}

func TestHub_Broadcast(t *testing.T) {
	hub := websocket.New()
	conn := startHub(t, hub)
	readMessage(t, conn)

	hub.Send(&websocket.SocketMessage{Title: "BATCH_UPDATE", Type: websocket.Update, Body: map[string]interface{}{"n": 1}})
	msg := readMessage(t, conn)
	assert.Equal(t, "BATCH_UPDATE", msg["title"])
}

func TestHub_SendWhileOfflineIsDropped(t *testing.T) {
	hub := websocket.New()
	done := make(chan struct{})
	go func() {
		hub.Send(&websocket.SocketMessage{Title: "IGNORED"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on an offline hub")
	}
}
