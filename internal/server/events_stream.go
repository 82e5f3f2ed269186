package server

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleEventsStream upgrades to a websocket and forwards every bus event
// to the client until it disconnects.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if s.devMode {
		opts.OriginPatterns = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	subID, ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(subID)
	s.log.Debug().Int("subscriber", subID).Msg("Event stream connected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				s.log.Debug().Err(err).Int("subscriber", subID).Msg("Event stream disconnected")
				return
			}
		}
	}
}
