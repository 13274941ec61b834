package cluster

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meridiandb/meridian/pkg/consistency"
	"github.com/meridiandb/meridian/pkg/hlc"
	"github.com/meridiandb/meridian/pkg/raft"
)

// HTTPTransport carries Raft RPCs between nodes as JSON over HTTP. Peer node
// ids resolve to addresses through the replica registry.
type HTTPTransport struct {
	registry *Registry
	client   *http.Client
}

// NewHTTPTransport creates a transport over registry.
func NewHTTPTransport(registry *Registry) *HTTPTransport {
	return &HTTPTransport{
		registry: registry,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (t *HTTPTransport) post(ctx context.Context, peer, path string, payload, out interface{}) error {
	addr, ok := t.registry.Addr(peer)
	if !ok {
		return fmt.Errorf("unknown peer %s", peer)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.registry.MarkUnhealthy(peer)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer %s returned %d: %s", peer, resp.StatusCode, data)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ForGroup returns a raft.Transport bound to one consensus group; the group
// id selects the handler on the receiving node.
func (t *HTTPTransport) ForGroup(groupID string) raft.Transport {
	return &groupTransport{groupID: groupID, transport: t}
}

type groupTransport struct {
	groupID   string
	transport *HTTPTransport
}

// RequestVote implements raft.Transport.
func (g *groupTransport) RequestVote(ctx context.Context, peer string, req *raft.VoteRequest) (*raft.VoteResponse, error) {
	var resp raft.VoteResponse
	if err := g.transport.post(ctx, peer, "/raft/"+g.groupID+"/vote", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AppendEntries implements raft.Transport.
func (g *groupTransport) AppendEntries(ctx context.Context, peer string, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	var resp raft.AppendEntriesResponse
	if err := g.transport.post(ctx, peer, "/raft/"+g.groupID+"/append", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// replicaReadRequest is the wire shape for replica reads.
type replicaReadRequest struct {
	Key string `json:"key"` // base64
}

type replicaReadResponse struct {
	Found     bool          `json:"found"`
	Value     []byte        `json:"value,omitempty"`
	Timestamp hlc.Timestamp `json:"timestamp"`
}

// replicaWriteRequest is the wire shape for replica writes and deletes.
type replicaWriteRequest struct {
	Key       string        `json:"key"` // base64
	Value     []byte        `json:"value,omitempty"`
	Timestamp hlc.Timestamp `json:"timestamp"`
	Delete    bool          `json:"delete,omitempty"`
}

// ReplicaHTTPClient implements consistency.ReplicaClient over the node HTTP
// endpoints.
type ReplicaHTTPClient struct {
	registry *Registry
	client   *http.Client
}

// NewReplicaHTTPClient creates a replica client over registry.
func NewReplicaHTTPClient(registry *Registry) *ReplicaHTTPClient {
	return &ReplicaHTTPClient{
		registry: registry,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *ReplicaHTTPClient) post(ctx context.Context, nodeID, path string, payload, out interface{}) error {
	addr, ok := c.registry.Addr(nodeID)
	if !ok {
		return fmt.Errorf("unknown replica %s", nodeID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.registry.MarkUnhealthy(nodeID)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("replica %s returned %d: %s", nodeID, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Read implements consistency.ReplicaClient.
func (c *ReplicaHTTPClient) Read(ctx context.Context, nodeID string, key []byte) (*consistency.ReplicaValue, error) {
	var resp replicaReadResponse
	err := c.post(ctx, nodeID, "/replica/read", replicaReadRequest{Key: base64.StdEncoding.EncodeToString(key)}, &resp)
	if err != nil {
		return nil, err
	}
	return &consistency.ReplicaValue{
		Value:     resp.Value,
		Timestamp: resp.Timestamp,
		Found:     resp.Found,
	}, nil
}

// Write implements consistency.ReplicaClient.
func (c *ReplicaHTTPClient) Write(ctx context.Context, nodeID string, key, value []byte, ts hlc.Timestamp) error {
	return c.post(ctx, nodeID, "/replica/write", replicaWriteRequest{
		Key:       base64.StdEncoding.EncodeToString(key),
		Value:     value,
		Timestamp: ts,
	}, nil)
}

// Delete implements consistency.ReplicaClient.
func (c *ReplicaHTTPClient) Delete(ctx context.Context, nodeID string, key []byte, ts hlc.Timestamp) error {
	return c.post(ctx, nodeID, "/replica/write", replicaWriteRequest{
		Key:       base64.StdEncoding.EncodeToString(key),
		Timestamp: ts,
		Delete:    true,
	}, nil)
}
