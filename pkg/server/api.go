package server

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/meridiandb/meridian/pkg/consistency"
	"github.com/meridiandb/meridian/pkg/metrics"
)

// registerAPI attaches the public endpoints to mux.
func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("/kv/", s.handleKV)
	mux.HandleFunc("/publish/", s.handlePublish)
	mux.HandleFunc("/ranges", s.handleRanges)
	mux.HandleFunc("/ranges/split", s.handleSplit)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
}

// handleKV serves GET/PUT/DELETE /kv/<key>. A consistency query parameter
// routes the operation through the coordinator; without one, reads and
// writes stay node-local through the shard manager and the range's
// consensus group.
func (s *Server) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	level := consistency.Level(r.URL.Query().Get("consistency"))

	switch r.Method {
	case http.MethodGet:
		s.kvGet(w, r, key, level)
	case http.MethodPut, http.MethodPost:
		s.kvPut(w, r, key, level)
	case http.MethodDelete:
		s.kvDelete(w, r, key, level)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type kvResponse struct {
	Key       string `json:"key"`
	Value     string `json:"value,omitempty"`
	Found     bool   `json:"found"`
	Satisfied int    `json:"satisfied,omitempty"`
	Required  int    `json:"required,omitempty"`
	Repaired  bool   `json:"repaired,omitempty"`
}

func (s *Server) kvGet(w http.ResponseWriter, r *http.Request, key string, level consistency.Level) {
	if level == "" || level == consistency.One || level == consistency.Any || level == consistency.LocalOne {
		// Fast path: shard cache directly, no coordination.
		value, found, err := s.shards.Get(r.Context(), key)
		if err != nil {
			http.Error(w, err.Error(), notLeaderStatus(err))
			return
		}
		writeJSON(w, kvResponse{Key: key, Value: string(value), Found: found})
		return
	}

	result, err := s.coord.Read(r.Context(), []byte(key), s.replicaSet([]byte(key)), level)
	if err != nil {
		http.Error(w, err.Error(), notLeaderStatus(err))
		return
	}
	writeJSON(w, kvResponse{
		Key:       key,
		Value:     string(result.Value),
		Found:     result.Value != nil,
		Satisfied: result.Satisfied,
		Required:  result.Required,
		Repaired:  result.RepairPerformed,
	})
}

func (s *Server) kvPut(w http.ResponseWriter, r *http.Request, key string, level consistency.Level) {
	value, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// With a level, the write goes only through the coordinator, which fans
	// it out to the replicas. Without one, it is stored on the local shard and
	// proposed through the range's consensus group.
	if level != "" {
		result, err := s.coord.Write(r.Context(), []byte(key), value, s.replicaSet([]byte(key)), level)
		if err != nil {
			http.Error(w, err.Error(), notLeaderStatus(err))
			return
		}
		writeJSON(w, kvResponse{Key: key, Satisfied: result.Satisfied, Required: result.Required})
		return
	}

	if err := s.shards.Set(r.Context(), key, value); err != nil {
		http.Error(w, err.Error(), notLeaderStatus(err))
		return
	}
	if err := s.router.Put([]byte(key), value); err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("range propose skipped")
	}
	writeJSON(w, kvResponse{Key: key})
}

func (s *Server) kvDelete(w http.ResponseWriter, r *http.Request, key string, level consistency.Level) {
	if level != "" {
		result, err := s.coord.Delete(r.Context(), []byte(key), s.replicaSet([]byte(key)), level)
		if err != nil {
			http.Error(w, err.Error(), notLeaderStatus(err))
			return
		}
		writeJSON(w, kvResponse{Key: key, Satisfied: result.Satisfied, Required: result.Required})
		return
	}

	found, err := s.shards.Delete(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), notLeaderStatus(err))
		return
	}
	if err := s.router.Delete([]byte(key)); err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("range propose skipped")
	}
	writeJSON(w, kvResponse{Key: key, Found: found})
}

// handlePublish serves POST /publish/<channel>.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channel := strings.TrimPrefix(r.URL.Path, "/publish/")
	if channel == "" {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.publisher.Publish(channel, data)
	if err != nil {
		http.Error(w, err.Error(), notLeaderStatus(err))
		return
	}
	writeJSON(w, map[string]string{"id": id, "channel": channel})
}

// handleRanges serves GET /ranges.
func (s *Server) handleRanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.router.Ranges())
}

type splitRequest struct {
	RangeID  string `json:"range_id"`
	SplitKey string `json:"split_key"` // hex
}

// handleSplit serves POST /ranges/split.
func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req splitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	splitKey, err := hexDecode(req.SplitKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.router.Split(req.RangeID, splitKey); err != nil {
		http.Error(w, err.Error(), notLeaderStatus(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleStats serves GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"node_id":     s.cfg.Node.ID,
		"shards":      s.shards.Stats(),
		"ranges":      s.router.RangeCount(),
		"consistency": s.coord.Stats(),
		"compression": s.compressor.Stats(),
		"buffer_pool": s.pool.Stats(),
		"replicas":    s.registry.All(),
	})
}

// handleHealth serves GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":  "ok",
		"node_id": s.cfg.Node.ID,
		"ranges":  s.router.RangeCount(),
		"shards":  s.shards.NumShards(),
	})
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
