// Package wstransport is the coder/websocket wire transport for the event
// hub (spec §6.2): it accepts a push connection, translates client control
// messages (ping/subscribe/unsubscribe) into eventhub.Subscription filter
// changes, and streams envelopes back as JSON text frames.
package wstransport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/sattva2020/tg-video-stream-sub003/internal/eventhub"
	"github.com/sattva2020/tg-video-stream-sub003/internal/log"
)

const (
	heartbeatInterval = 30 * time.Second
	pongTimeout       = 10 * time.Second
	writeTimeout      = 5 * time.Second
)

// clientMessage is the closed set of client→server control messages.
type clientMessage struct {
	Type      string   `json:"type"`
	Events    []string `json:"events,omitempty"`
	ChannelID string   `json:"channel_id,omitempty"`
}

// serverControl covers the server→client control messages that are not
// domain envelopes: pong and error.
type serverControl struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Serve accepts one push connection and blocks until it closes, handing
// every published event matching the connection's current filter back to
// the client as a JSON envelope.
func Serve(ctx context.Context, hub *eventhub.Hub, w http.ResponseWriter, r *http.Request) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	logger := log.WithComponent("wstransport")
	connID := uuid.NewString()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := hub.Subscribe(connID, "", nil)
	defer sub.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		writePump(ctx, conn, sub)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		heartbeat(ctx, conn)
	}()

	readPump(ctx, conn, sub)
	logger.Debug().Str("conn_id", connID).Msg("push connection closed")
	cancel()
	wg.Wait()
	return nil
}

func writePump(ctx context.Context, conn *websocket.Conn, sub *eventhub.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case env := <-sub.Events():
			blob, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := writeText(ctx, conn, blob); err != nil {
				return
			}
		}
	}
}

func heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func readPump(ctx context.Context, conn *websocket.Conn, sub *eventhub.Subscription) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sendError(ctx, conn, "decode_error", "malformed control message")
			continue
		}

		switch msg.Type {
		case "ping":
			sendControl(ctx, conn, serverControl{Type: "pong"})
		case "subscribe":
			types := make([]eventhub.EventType, 0, len(msg.Events))
			for _, e := range msg.Events {
				types = append(types, eventhub.EventType(e))
			}
			sub.UpdateFilter(msg.ChannelID, types)
		case "unsubscribe":
			sub.UpdateFilter("", nil)
		default:
			sendError(ctx, conn, "unknown_message_type", "unrecognized control message type")
		}
	}
}

func sendControl(ctx context.Context, conn *websocket.Conn, msg serverControl) {
	blob, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = writeText(ctx, conn, blob)
}

func sendError(ctx context.Context, conn *websocket.Conn, code, message string) {
	sendControl(ctx, conn, serverControl{Type: "error", Code: code, Message: message})
}

func writeText(ctx context.Context, conn *websocket.Conn, blob []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, blob)
}
