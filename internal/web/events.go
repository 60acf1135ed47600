package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 64
)

// streamMessage is the first frame a subscriber receives.
type streamMessage struct {
	Type    string `json:"type"`
	State   string `json:"state"`
	Running bool   `json:"campaignRunning"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
}

// handleEvents streams bus events to a websocket client until it disconnects.
func (s *Server) handleEvents(rw http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeError(rw, http.StatusNotFound, "Event stream is disabled", "")
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(rw, http.StatusBadRequest, "Invalid request", "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	conn, err := s.upgrader().Upgrade(rw, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.cfg.Events.Subscribe(wsBuffer)
	defer unsubscribe()

	client := clientIP(r)
	s.logger.Info("event stream client connected", "client", client)
	defer s.logger.Info("event stream client disconnected", "client", client)

	// The read loop only services control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read error", "err", err)
				}
				return
			}
		}
	}()

	hello := streamMessage{Type: "hello", State: string(s.cfg.Session.State()), Running: s.cfg.Campaigns.Running()}
	if err := writeFrame(conn, hello); err != nil {
		return
	}
	// Replay runs after Subscribe, so an event may arrive twice but none is lost.
	if !since.IsZero() {
		for _, e := range s.cfg.Events.Replay("*", since) {
			if err := writeFrame(conn, e); err != nil {
				return
			}
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e := <-events:
			if err := writeFrame(conn, e); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}
