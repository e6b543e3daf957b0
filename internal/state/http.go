// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Server exposes a Store over a stateless HTTP surface.
type Server struct {
	store   *Store
	version string
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewServer builds the HTTP facade's routes. Call ServeHTTP, or pass
// the Server itself to an http.Server.
func NewServer(store *Store, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: store, version: version, logger: logger, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /state/{key}", s.handleGet)
	s.mux.HandleFunc("PUT /state/{key}", s.handleSet)
	s.mux.HandleFunc("DELETE /state/{key}", s.handleDelete)
	s.mux.HandleFunc("POST /state/clear", s.handleClear)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := decodeKey(r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed key")
		return
	}

	value, ok := s.store.Get(key)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

type setRequest struct {
	Value any   `json:"value"`
	TTL   int64 `json:"ttl,omitempty"` // milliseconds
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	key, err := decodeKey(r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed key")
		return
	}

	var body setRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	s.store.Set(key, body.Value, time.Duration(body.TTL)*time.Millisecond)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, err := decodeKey(r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed key")
		return
	}
	s.store.Delete(key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.store.Clear(r.URL.Query().Get("pattern"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Health(s.version))
}

func decodeKey(raw string) (string, error) {
	return url.PathUnescape(raw)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
