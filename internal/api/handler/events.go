package handler

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/repolens/internal/api/response"
	"github.com/kiranshivaraju/repolens/internal/fanout"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	maxClientMessage = 512
)

// EventSource hands out subscriptions to the job event stream.
type EventSource interface {
	Subscribe() *fanout.Subscription
	Unsubscribe(sub *fanout.Subscription)
}

// NewEventsHandler returns an http.HandlerFunc for GET /api/v1/events. The
// connection receives every job event as a JSON text message, or only those
// for one job when ?correlation_id= is given. allowedOrigin "*" accepts any
// origin; empty requires the Origin host to match the request host.
func NewEventsHandler(src EventSource, allowedOrigin string) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigin),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var only uuid.UUID
		if v := r.URL.Query().Get("correlation_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "correlation_id must be a UUID", nil)
				return
			}
			only = id
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the error response
			slog.Debug("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		sub := src.Subscribe()
		defer src.Unsubscribe(sub)

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			conn.SetReadLimit(maxClientMessage)
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(pongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-closed:
				return
			case ev, ok := <-sub.Events():
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
						time.Now().Add(writeWait))
					return
				}
				if only != uuid.Nil && ev.CorrelationID != only {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}
}

func originChecker(allowed string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed == "*" {
			return true
		}
		if allowed != "" {
			return strings.EqualFold(origin, allowed)
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}
