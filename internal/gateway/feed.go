package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// feedFrame is one event pushed to /feed subscribers.
type feedFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
	Time    string `json:"time"`
}

// handleFeed streams bus events over a websocket. The optional topic
// query parameter narrows the stream to a topic prefix, e.g.
// /feed?topic=gate.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed disabled")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config().AllowOrigins,
	})
	if err != nil {
		s.log.Warn("feed upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := s.deps.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.deps.Bus.Unsubscribe(sub)

	ctx := r.Context()
	s.log.Info("feed subscriber connected", "remote", r.RemoteAddr)

	// Reads are drained only to notice the peer going away.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := feedFrame{
				Topic:   ev.Topic,
				Payload: ev.Payload,
				Time:    s.now().UTC().Format(time.RFC3339Nano),
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, frame)
			cancel()
			if err != nil {
				s.log.Debug("feed write failed", "error", err)
				return
			}
		}
	}
}
