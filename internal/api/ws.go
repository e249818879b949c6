// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const wsWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local API; served on loopback by default.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleCircuitStream leases a circuit for as long as the socket is open
// and pushes its latest queue stats every StreamInterval.
func (s *Server) handleCircuitStream(w http.ResponseWriter, r *http.Request) {
	if s.watched == nil || s.poller == nil {
		unavailable(w, "queue poller")
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.watched.Add(id); err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "circuit", id, "error", err)
		return
	}
	defer conn.Close()

	// The reader only exists to notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.config.StreamInterval)
	defer ticker.Stop()

	s.logger.Debug("Circuit stream opened", "circuit", id)
	defer s.logger.Debug("Circuit stream closed", "circuit", id)

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !s.watched.Refresh(id) {
				// Lease lapsed between ticks; take it again.
				if err := s.watched.Add(id); err != nil {
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
						time.Now().Add(wsWriteWait))
					return
				}
			}
			stats, ok := s.poller.Latest(id)
			if !ok {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				s.logger.Debug("Circuit stream write deadline failed", "circuit", id, "error", err)
				return
			}
			if err := conn.WriteJSON(stats); err != nil {
				return
			}
		}
	}
}
