package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/pkg/config"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	cfg := config.Default()
	cfg.Node.ID = "node-test"
	cfg.Node.ListenAddr = addr
	cfg.Node.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.WAL.Dir = filepath.Join(t.TempDir(), "wal")
	cfg.Shards.NumShards = 2
	cfg.Shards.EnableWAL = false
	cfg.Shards.WalDir = cfg.WAL.Dir
	// Fast single-node elections.
	cfg.Raft.ElectionTimeoutMin = 0.02
	cfg.Raft.ElectionTimeoutMax = 0.04
	cfg.Raft.HeartbeatInterval = 0.01
	require.NoError(t, cfg.Validate())

	srv, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	waitForHTTP(t, addr)
	return srv, "http://" + addr
}

func waitForHTTP(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServerKVLifecycle(t *testing.T) {
	_, base := newTestServer(t)

	// PUT
	req, err := http.NewRequest(http.MethodPut, base+"/kv/greeting", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// GET
	resp, err = http.Get(base + "/kv/greeting")
	require.NoError(t, err)
	var got kvResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.True(t, got.Found)
	assert.Equal(t, "hello", got.Value)

	// DELETE
	req, err = http.NewRequest(http.MethodDelete, base+"/kv/greeting", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(base + "/kv/greeting")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.False(t, got.Found)
}

func TestServerRangesAndSplit(t *testing.T) {
	srv, base := newTestServer(t)

	resp, err := http.Get(base + "/ranges")
	require.NoError(t, err)
	var ranges []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ranges))
	resp.Body.Close()
	require.Len(t, ranges, 1)

	var desc struct {
		RangeID string `json:"range_id"`
	}
	require.NoError(t, json.Unmarshal(ranges[0], &desc))

	// The bootstrap range needs a leader before accepting a split.
	group, ok := srv.Router().Group(desc.RangeID)
	require.True(t, ok)
	require.Eventually(t, group.IsLeader, 3*time.Second, 10*time.Millisecond)

	body, err := json.Marshal(splitRequest{RangeID: desc.RangeID, SplitKey: "80"})
	require.NoError(t, err)
	resp, err = http.Post(base+"/ranges/split", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return srv.Router().RangeCount() == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestServerPublish(t *testing.T) {
	srv, base := newTestServer(t)

	require.Eventually(t, srv.pubsubNode.IsLeader, 3*time.Second, 10*time.Millisecond)

	queue := srv.pubsubReg.Subscribe("sub-1", "events")
	resp, err := http.Post(base+"/publish/events", "application/octet-stream", bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case msg := <-queue:
		assert.Equal(t, "events", msg.Channel)
		assert.Equal(t, []byte("payload"), msg.Data)
	case <-time.After(3 * time.Second):
		t.Fatal("published message not delivered")
	}
}

func TestServerStatsAndHealth(t *testing.T) {
	_, base := newTestServer(t)

	for _, path := range []string{"/stats", "/health"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		assert.Equal(t, "node-test", body["node_id"], path)
	}
}

func TestServerConsistencyParam(t *testing.T) {
	_, base := newTestServer(t)

	url := fmt.Sprintf("%s/kv/replicated?consistency=ONE", base)
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader([]byte("v")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var put kvResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&put))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, put.Required)
	assert.GreaterOrEqual(t, put.Satisfied, 1)

	resp, err = http.Get(fmt.Sprintf("%s/kv/replicated?consistency=QUORUM", base))
	require.NoError(t, err)
	var got kvResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, "v", got.Value)
}
