// Package dashboard implements the Dashboard Broadcaster: the WebSocket
// endpoint that lets every connected observer see every dashboard event.
// Each connection opens its own exclusive subscription on the
// dashboard-events topic directly off the bus rather than routing through a
// shared in-process client registry.
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360studio/agentflow/internal/bus"
)

const dashboardEventsSubject = "dashboard_events"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Broadcaster serves the dashboard WebSocket endpoint. It holds no client
// registry: every connection subscribes for itself and is torn down on
// disconnect, so there is nothing to fan a message out to beyond what the
// bus already delivers to each subscriber.
type Broadcaster struct {
	bus    bus.Bus
	log    *slog.Logger
	nextID atomic.Uint64
}

// New constructs a Broadcaster.
func New(log *slog.Logger) *Broadcaster {
	return &Broadcaster{log: log}
}

// noopSubscription satisfies bus.Subscription for Start's return value; the
// Broadcaster has no standing subscription of its own to tear down, only
// the per-connection ones ServeWS opens and closes itself.
type noopSubscription struct{}

func (noopSubscription) Unsubscribe() error { return nil }

// Start records the bus every later WebSocket connection will subscribe
// against. Unlike every other consumer in this system, the Broadcaster has
// no fixed subject identity to subscribe under at startup; only individual
// clients, arriving over time, do.
func (b *Broadcaster) Start(_ context.Context, bu bus.Bus) (bus.Subscription, error) {
	b.bus = bu
	return noopSubscription{}, nil
}

// ServeWS upgrades the request to a WebSocket connection, opens an
// exclusive bus subscription scoped to this one connection, and relays
// every event it receives to the client until the connection closes, so
// every client sees every message.
func (b *Broadcaster) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	subName := fmt.Sprintf("dashboard-client-%s-%d", r.RemoteAddr, b.nextID.Add(1))
	send := make(chan []byte, 32)

	sub, err := b.bus.Subscribe(r.Context(), dashboardEventsSubject, bus.Exclusive,
		bus.SubscribeOptions{DurableName: subName},
		func(_ context.Context, msg bus.Message) error {
			select {
			case send <- msg.Data:
			default:
				// Slow client; drop this event rather than block the publisher.
			}
			return nil
		})
	if err != nil {
		b.log.Warn("failed to subscribe dashboard client", "subscription", subName, "error", err)
		return
	}
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go readPump(conn, done)
	writePump(conn, send, done)
}

// readPump discards any client-sent frames (the endpoint is server push
// only) but must keep reading so close/ping control frames are processed;
// it closes done once the connection goes away so writePump can stop.
func readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

const writeWait = 10 * time.Second

func writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}
