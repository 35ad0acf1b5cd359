// Package wsstream serves the observability OBS.* wire protocol over a
// websocket connection, one subscription per connection.
package wsstream

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coreplane/agentcore/event"
	"github.com/coreplane/agentcore/internal/telemetry"
	"github.com/coreplane/agentcore/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is the generic {method|type, payload} frame shape used both
// inbound (client -> server methods) and outbound (server -> client events).
type envelope struct {
	Method  string          `json:"method,omitempty"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler upgrades HTTP connections and bridges them to a stream.Fanout.
type Handler struct {
	fanout *stream.Fanout
	tel    telemetry.Set
	nextID int64
}

// NewHandler constructs a Handler fed by fanout.
func NewHandler(fanout *stream.Fanout, tel telemetry.Set) *Handler {
	return &Handler{fanout: fanout, tel: tel}
}

// ServeHTTP upgrades the request to a websocket and runs the connection's
// read loop until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.tel.Log.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	var subID atomic.Value
	subID.Store("")

	writeCh := make(chan stream.OutboundMessage, 64)
	done := make(chan struct{})
	go h.writeLoop(conn, writeCh, done)
	defer close(writeCh)

	send := func(msg stream.OutboundMessage) error {
		select {
		case writeCh <- msg:
			return nil
		default:
			return nil // drop on a saturated write channel rather than block the fanout
		}
	}

	for {
		var frame envelope
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		switch frame.Method {
		case stream.MethodSubscribe:
			var p stream.SubscribePayload
			_ = json.Unmarshal(frame.Payload, &p)
			if prev, _ := subID.Load().(string); prev != "" {
				h.fanout.Unsubscribe(prev)
			}
			id := connID + ":" + uuid.NewString()
			sub := h.fanout.Subscribe(id, p, send, func(dropped int) {
				h.tel.Metrics.IncCounter("stream.subscription.dropped", 1, "subscription", id)
			})
			subID.Store(sub.ID)
		case stream.MethodUnsubscribe:
			if id, _ := subID.Load().(string); id != "" {
				h.fanout.Unsubscribe(id)
				subID.Store("")
			}
		case stream.MethodPing:
			_ = send(stream.OutboundMessage{Type: stream.EventPong})
		default:
			_ = send(stream.OutboundMessage{Type: stream.EventError, Error: &stream.ErrorPayload{
				SchemaVersion: event.SchemaVersion, Code: "INVALID_REQUEST", Message: "unknown method: " + frame.Method,
			}})
		}
	}

	close(done)
	if id, _ := subID.Load().(string); id != "" {
		h.fanout.Unsubscribe(id)
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, ch <-chan stream.OutboundMessage, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
