package cluster

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/meridiandb/meridian/pkg/hlc"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/raft"
)

// NodeResolver finds the local raft node for a consensus group.
type NodeResolver func(groupID string) (*raft.Node, bool)

// LocalStore is the node-local replica store behind /replica endpoints. The
// server wires it to the shard manager.
type LocalStore interface {
	ReplicaRead(key []byte) ([]byte, hlc.Timestamp, bool, error)
	ReplicaWrite(key, value []byte, ts hlc.Timestamp) error
	ReplicaDelete(key []byte, ts hlc.Timestamp) error
}

// Handler serves the intra-cluster endpoints: Raft RPCs per group, replica
// reads/writes for the consistency coordinator, and heartbeats.
type Handler struct {
	registry *Registry
	resolver NodeResolver
	store    LocalStore
	logger   zerolog.Logger
}

// NewHandler creates the cluster HTTP handler.
func NewHandler(registry *Registry, resolver NodeResolver, store LocalStore) *Handler {
	return &Handler{
		registry: registry,
		resolver: resolver,
		store:    store,
		logger:   log.WithComponent("cluster"),
	}
}

// Register attaches the cluster routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/raft/", h.handleRaft)
	mux.HandleFunc("/replica/read", h.handleReplicaRead)
	mux.HandleFunc("/replica/write", h.handleReplicaWrite)
	mux.HandleFunc("/cluster/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("/cluster/replicas", h.handleReplicas)
}

func (h *Handler) handleRaft(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Path shape: /raft/<group>/<vote|append>
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/raft/"), "/")
	if len(parts) != 2 {
		http.Error(w, "bad raft path", http.StatusBadRequest)
		return
	}
	groupID, rpc := parts[0], parts[1]

	node, ok := h.resolver(groupID)
	if !ok {
		http.Error(w, "unknown group", http.StatusNotFound)
		return
	}

	switch rpc {
	case "vote":
		var req raft.VoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, node.HandleVoteRequest(&req))
	case "append":
		var req raft.AppendEntriesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, node.HandleAppendEntries(&req))
	default:
		http.Error(w, "unknown rpc", http.StatusNotFound)
	}
}

func (h *Handler) handleReplicaRead(w http.ResponseWriter, r *http.Request) {
	var req replicaReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	value, ts, found, err := h.store.ReplicaRead(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, replicaReadResponse{Found: found, Value: value, Timestamp: ts})
}

func (h *Handler) handleReplicaWrite(w http.ResponseWriter, r *http.Request) {
	var req replicaWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Delete {
		err = h.store.ReplicaDelete(key, req.Timestamp)
	} else {
		err = h.store.ReplicaWrite(key, req.Value, req.Timestamp)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var info ReplicaInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.registry.Upsert(info)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleReplicas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.registry.All())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
