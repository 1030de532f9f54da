package server

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/becomeliminal/aletheia/memory"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// streamAck answers one streamed update. Exactly one of UpdateID or Error
// is set.
type streamAck struct {
	UpdateID   string    `json:"update_id,omitempty"`
	AcceptedAt time.Time `json:"accepted_at,omitempty"`
	Error      string    `json:"error,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// updateStream accepts ContextUpdates over a websocket, one JSON object per
// message, and answers each with a streamAck in order.
type updateStream struct {
	backend  Backend
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newUpdateStream(backend Backend) *updateStream {
	return &updateStream{
		backend: backend,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (u *updateStream) allowOrigins(origins []string) {
	if len(origins) == 0 {
		return
	}
	u.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
	}
}

func (u *updateStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		log.Warn().Err(err).Msg("update_stream_upgrade_failed")
		return
	}
	u.track(conn)
	defer u.untrack(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go u.keepAlive(ctx, conn)

	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	log.Info().Str("remote_addr", r.RemoteAddr).Msg("update_stream_opened")
	received := 0
	for {
		var update memory.ContextUpdate
		if err := conn.ReadJSON(&update); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("update_stream_read_failed")
			}
			break
		}
		received++

		var ack streamAck
		queued, err := u.backend.Enqueue(ctx, update)
		if err != nil {
			_, ack.Error = errorStatus(err)
			ack.Message = err.Error()
		} else {
			ack.UpdateID = queued.ID
			ack.AcceptedAt = queued.Timestamp
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ack); err != nil {
			log.Warn().Err(err).Msg("update_stream_write_failed")
			break
		}
	}
	log.Info().Int("updates", received).Msg("update_stream_closed")
}

// keepAlive pings the client so dead connections hit the read deadline.
func (u *updateStream) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (u *updateStream) track(conn *websocket.Conn) {
	u.mu.Lock()
	u.conns[conn] = struct{}{}
	u.mu.Unlock()
}

func (u *updateStream) untrack(conn *websocket.Conn) {
	u.mu.Lock()
	delete(u.conns, conn)
	u.mu.Unlock()
	_ = conn.Close()
}

// closeAll sends a going-away close frame to every open stream. The
// handlers exit when their next read fails.
func (u *updateStream) closeAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for conn := range u.conns {
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
	}
}
