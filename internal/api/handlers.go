// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/ltsagent/internal/queues"
	"grimm.is/ltsagent/internal/uplink"
)

// RegisterRoutes registers the API routes on router.
func (s *Server) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/flows/dump_all", s.handleDumpFlows).Methods("GET")
	router.HandleFunc("/api/flows/count", s.handleCountFlows).Methods("GET")
	router.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	router.HandleFunc("/api/throughput", s.handleThroughput).Methods("GET")
	router.HandleFunc("/api/throughput/ring", s.handleThroughputRing).Methods("GET")
	router.HandleFunc("/api/queues/watched", s.handleWatched).Methods("GET")
	router.HandleFunc("/api/queues/watch/{id}", s.handleWatch).Methods("POST")
	router.HandleFunc("/api/queues/watch/{id}/refresh", s.handleRefresh).Methods("POST")
	router.HandleFunc("/ws/circuit/{id}", s.handleCircuitStream).Methods("GET")
}

func (s *Server) handleDumpFlows(w http.ResponseWriter, r *http.Request) {
	if s.flows == nil {
		unavailable(w, "flow registry")
		return
	}
	respondWithJSON(w, http.StatusOK, s.flows.SnapshotAll())
}

func (s *Server) handleCountFlows(w http.ResponseWriter, r *http.Request) {
	if s.flows == nil {
		unavailable(w, "flow registry")
		return
	}
	respondWithJSON(w, http.StatusOK, s.flows.Count())
}

// Stats is the combined agent status.
type Stats struct {
	TrackedFlows  int            `json:"tracked_flows"`
	RejectedFlows uint64         `json:"rejected_flows"`
	MaxFlows      int            `json:"max_flows"`
	WatchedQueues int            `json:"watched_queues"`
	QueueDepth    int            `json:"queue_depth"`
	QueueRefused  uint64         `json:"queue_refused"`
	Uplink        *uplink.Status `json:"uplink,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var st Stats
	if s.flows != nil {
		st.TrackedFlows = s.flows.Count()
		st.RejectedFlows = s.flows.Rejected()
		st.MaxFlows = s.flows.MaxFlows()
	}
	if s.watched != nil {
		st.WatchedQueues = s.watched.Len()
	}
	if s.queue != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		n, err := s.queue.Len(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("Failed to read submission queue depth", "error", err)
			n = -1
		}
		st.QueueDepth = n
		st.QueueRefused = s.queue.Refused()
	}
	if s.uplink != nil {
		u := s.uplink.Status()
		st.Uplink = &u
	}
	respondWithJSON(w, http.StatusOK, st)
}

func (s *Server) handleThroughput(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		unavailable(w, "throughput tracker")
		return
	}
	respondWithJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleThroughputRing(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		unavailable(w, "throughput tracker")
		return
	}
	respondWithJSON(w, http.StatusOK, s.tracker.History())
}

func (s *Server) handleWatched(w http.ResponseWriter, r *http.Request) {
	if s.watched == nil {
		unavailable(w, "queue registry")
		return
	}
	list := s.watched.List()
	if list == nil {
		list = []queues.WatchedQueue{}
	}
	respondWithJSON(w, http.StatusOK, list)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if s.watched == nil {
		unavailable(w, "queue registry")
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.watched.Add(id); err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"circuit_id": id, "watched": true})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.watched == nil {
		unavailable(w, "queue registry")
		return
	}
	id := mux.Vars(r)["id"]
	if !s.watched.Refresh(id) {
		respondWithError(w, http.StatusNotFound, "circuit not watched: "+id)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"circuit_id": id, "watched": true})
}
