package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/lazypower/chanfix/internal/engine"
	"github.com/lazypower/chanfix/internal/network"
)

// channelParam returns the channel name from the URL. Clients send "#" as
// %23; depending on how the request was built it reaches us escaped or not.
func channelParam(r *http.Request) string {
	raw := chi.URLParam(r, "channel")
	if name, err := url.PathUnescape(raw); err == nil {
		return name
	}
	return raw
}

// writeError maps command errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, engine.ErrNoRecord):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrNotPermitted):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrIneligible), errors.Is(err, engine.ErrInsufficientReputation):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	channels := s.engine.List(pattern)
	if channels == nil {
		channels = []engine.ChannelSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pattern":  pattern,
		"count":    len(channels),
		"channels": channels,
	})
}

func (s *Server) handleChannelInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Info(channelParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleChannelScores(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	name := channelParam(r)
	scores, err := s.engine.Scores(name, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel": name,
		"count":   len(scores),
		"scores":  scores,
	})
}

func (s *Server) handleFix(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Nick     string `json:"nick"`
		Elevated bool   `json:"elevated"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
	}

	name := channelParam(r)
	var err error
	if req.Nick != "" {
		err = s.engine.RequestFixAsOccupant(name, req.Nick, req.Elevated)
	} else {
		err = s.engine.RequestFix(name)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "fix requested"})
}

// noteRequest is the body for mark and nofix.
type noteRequest struct {
	Setter string `json:"setter"`
	Text   string `json:"text"`
	Remove bool   `json:"remove"`
}

func decodeNote(w http.ResponseWriter, r *http.Request) (noteRequest, bool) {
	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return req, false
	}
	if req.Setter == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "setter required"})
		return req, false
	}
	return req, true
}

func (s *Server) handleMark(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeNote(w, r)
	if !ok {
		return
	}
	if err := s.engine.Mark(channelParam(r), req.Setter, !req.Remove, req.Text); err != nil {
		writeError(w, err)
		return
	}
	status := "marked"
	if req.Remove {
		status = "unmarked"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleNoFix(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeNote(w, r)
	if !ok {
		return
	}
	if err := s.engine.NoFix(channelParam(r), req.Setter, !req.Remove, req.Text); err != nil {
		writeError(w, err)
		return
	}
	status := "nofix set"
	if req.Remove {
		status = "nofix cleared"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleNetworkUpdate(w http.ResponseWriter, r *http.Request) {
	var ch network.Channel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	ch.Name = channelParam(r)
	if err := engine.ValidateChannelName(ch.Name); err != nil {
		writeError(w, err)
		return
	}
	s.network.Update(ch)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNetworkRemove(w http.ResponseWriter, r *http.Request) {
	s.network.Remove(channelParam(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNetworkActions(w http.ResponseWriter, r *http.Request) {
	actions := s.network.Drain()
	if actions == nil {
		actions = []network.Action{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(actions),
		"actions": actions,
	})
}
