package bus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/folio-org/folio-core/internal/store"
)

// wireEvent is the external backplane / WebSocket envelope (spec §6):
// {v: 1, kind, task_id, instant, attrs}.
type wireEvent struct {
	V       int               `json:"v"`
	Kind    store.EventKind   `json:"kind"`
	TaskID  string            `json:"task_id"`
	Instant time.Time         `json:"instant"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

func toWire(ev store.Event) wireEvent {
	return wireEvent{
		V:       1,
		Kind:    ev.Kind,
		TaskID:  ev.TaskID.String(),
		Instant: ev.Instant,
		Attrs:   ev.Attributes,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// ServeTaskWS upgrades the request to a WebSocket and streams every event
// for a single task to the client until it disconnects or the task's events
// stop (the subscription is closed by the caller's cleanup). taskIDParam
// names the chi URL parameter holding the task id.
func ServeTaskWS(b *Bus, taskIDParam string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, taskIDParam)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("bus: websocket upgrade failed", "error", err)
			return
		}
		sub := b.Subscribe(taskID)
		serveConn(conn, sub)
	}
}

// ServeAllWS upgrades the request to a WebSocket and streams every task's
// events (the wildcard subscription) to the client.
func ServeAllWS(b *Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("bus: websocket upgrade failed", "error", err)
			return
		}
		sub := b.Subscribe(Wildcard)
		serveConn(conn, sub)
	}
}

func serveConn(conn *websocket.Conn, sub *Subscription) {
	defer sub.Close()
	defer conn.Close()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	// readPump: the only purpose of reading is to notice the client closed
	// the connection, so the write goroutine below can exit.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			payload, err := json.Marshal(toWire(ev))
			if err != nil {
				slog.Error("bus: marshal event failed", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
