package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"taskyard/internal/domain"
)

const writeWait = 5 * time.Second

// handleStream upgrades to a websocket and pushes bus messages plus a
// periodic snapshot until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var events <-chan domain.Message
	if s.bus != nil {
		id := "stream-" + uuid.NewString()
		events = s.bus.Register(id)
		defer s.bus.Unregister(id)
	}

	// Reader: only control frames and close are expected.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeMessage(conn, s.snapshotMessage()); err != nil {
		return
	}
	ticker := time.NewTicker(s.snapshotEvery)
	defer ticker.Stop()
	var lastTick uint64
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			if err := writeMessage(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			msg := s.snapshotMessage()
			if msg.Tick == lastTick {
				continue
			}
			lastTick = msg.Tick
			if err := writeMessage(conn, msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) snapshotMessage() domain.Message {
	snap := s.sim.Snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		s.logger.Printf("marshal snapshot failed tick=%d: %v", snap.Tick, err)
		payload = []byte("{}")
	}
	return domain.Message{Topic: domain.TopicSnapshot, Tick: snap.Tick, Payload: payload}
}

func writeMessage(conn *websocket.Conn, msg domain.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
