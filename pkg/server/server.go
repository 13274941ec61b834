package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridiandb/meridian/pkg/buffer"
	"github.com/meridiandb/meridian/pkg/cluster"
	"github.com/meridiandb/meridian/pkg/compress"
	"github.com/meridiandb/meridian/pkg/config"
	"github.com/meridiandb/meridian/pkg/consistency"
	"github.com/meridiandb/meridian/pkg/errdefs"
	"github.com/meridiandb/meridian/pkg/hlc"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/metrics"
	"github.com/meridiandb/meridian/pkg/pubsub"
	"github.com/meridiandb/meridian/pkg/raft"
	"github.com/meridiandb/meridian/pkg/ranger"
	"github.com/meridiandb/meridian/pkg/shard"
)

// Server is the long-lived context wiring every subsystem together: clock,
// buffer pool, compression, shards, ranges, consistency, and pub/sub. It
// owns the HTTP listener serving both the public KV API and the
// intra-cluster endpoints.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	clock      *hlc.Clock
	pool       *buffer.Pool
	compressor *compress.Manager
	shards     *shard.Manager
	router     *ranger.Router
	registry   *cluster.Registry
	coord      *consistency.Coordinator
	pubsubReg  *pubsub.Registry
	publisher  *pubsub.Publisher
	pubsubNode *raft.Node
	transport  *cluster.HTTPTransport

	httpServer *http.Server
	stopCh     chan struct{}
}

// New builds a server from cfg. Subsystems are constructed but not started.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: log.WithComponent("server").With().Str("node_id", cfg.Node.ID).Logger(),
		clock:  hlc.NewClock(cfg.Node.ID),
		stopCh: make(chan struct{}),
	}

	s.pool = buffer.NewPool(cfg.BufferPool)
	s.compressor = compress.NewManager(cfg.Compression)

	shardCfg := cfg.Shards
	if shardCfg.WalDir == "" {
		shardCfg.WalDir = cfg.WAL.Dir
	}
	shards, err := shard.NewManager(shardCfg, s.compressor, s.clock)
	if err != nil {
		return nil, err
	}
	s.shards = shards

	s.registry = cluster.NewRegistry()
	s.transport = cluster.NewHTTPTransport(s.registry)

	router, err := ranger.NewRouter(cfg.Node.ID, s.clock, s.groupFactory)
	if err != nil {
		return nil, err
	}
	s.router = router

	s.coord = consistency.NewCoordinator(cfg.Consistency, cluster.NewReplicaHTTPClient(s.registry), s.clock)

	s.pubsubReg = pubsub.NewRegistry()
	s.publisher = pubsub.NewPublisher(s.pubsubReg, s.clock)

	return s, nil
}

// peerIDs parses the configured peers ("node_id=host:port") into ids,
// seeding the replica registry with their addresses.
func (s *Server) peerIDs() []string {
	var ids []string
	for _, peer := range s.cfg.Node.Peers {
		id, addr, ok := strings.Cut(peer, "=")
		if !ok {
			s.logger.Warn().Str("peer", peer).Msg("malformed peer, want node_id=host:port")
			continue
		}
		s.registry.Upsert(cluster.ReplicaInfo{NodeID: id, Addr: addr})
		ids = append(ids, id)
	}
	return ids
}

// groupFactory builds the consensus node for one range (or the pub/sub
// group), wiring it to the HTTP transport and the configured peer set.
func (s *Server) groupFactory(groupID string, sm raft.StateMachine) (*raft.Node, error) {
	cfg := raft.Config{
		GroupID:                 groupID,
		NodeID:                  s.cfg.Node.ID,
		Peers:                   s.peerIDs(),
		DataDir:                 s.cfg.Node.DataDir,
		ElectionTimeoutMin:      s.cfg.Raft.ElectionMin(),
		ElectionTimeoutMax:      s.cfg.Raft.ElectionMax(),
		HeartbeatInterval:       s.cfg.Raft.Heartbeat(),
		LogCompactionThreshold:  s.cfg.Raft.LogCompactionThreshold,
		MaxLogEntriesPerRequest: s.cfg.Raft.MaxLogEntriesPerRequest,
		SnapshotInterval:        s.cfg.Raft.SnapshotInterval,
	}

	node, err := raft.NewNode(cfg, s.transport.ForGroup(groupID), sm)
	if err != nil {
		return nil, err
	}
	node.Start()
	return node, nil
}

// Start launches every subsystem and begins serving.
func (s *Server) Start() error {
	metrics.Init()

	if err := s.shards.Start(); err != nil {
		return err
	}

	// Bootstrap a keyspace-wide range on first start.
	if s.router.RangeCount() == 0 {
		replicas := append([]string{s.cfg.Node.ID}, s.peerIDs()...)
		if _, err := s.router.Bootstrap(replicas); err != nil {
			return err
		}
	}

	// Pub/sub publishes ride their own consensus group.
	pubsubNode, err := s.groupFactory("pubsub", s.publisher)
	if err != nil {
		return err
	}
	s.pubsubNode = pubsubNode
	s.publisher.Bind(pubsubNode)

	// Register self so local consistency operations can address this node.
	s.registry.Upsert(cluster.ReplicaInfo{NodeID: s.cfg.Node.ID, Addr: s.listenHostPort()})

	go s.heartbeatLoop()

	mux := http.NewServeMux()
	cluster.NewHandler(s.registry, s.resolveGroup, s).Register(mux)
	s.registerAPI(mux)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Node.ListenAddr,
		Handler: mux,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server failed")
		}
	}()

	s.logger.Info().Str("listen_addr", s.cfg.Node.ListenAddr).Msg("server started")
	return nil
}

func (s *Server) listenHostPort() string {
	addr := s.cfg.Node.ListenAddr
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}

// Stop shuts everything down in dependency order.
func (s *Server) Stop(ctx context.Context) error {
	close(s.stopCh)
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown")
		}
	}
	s.pubsubReg.Stop()
	if s.pubsubNode != nil {
		s.pubsubNode.Stop()
	}
	s.router.Stop()
	s.shards.Stop()
	s.logger.Info().Msg("server stopped")
	return nil
}

// resolveGroup finds the local raft node for a group id: the pub/sub group
// or any range group.
func (s *Server) resolveGroup(groupID string) (*raft.Node, bool) {
	if groupID == "pubsub" && s.pubsubNode != nil {
		return s.pubsubNode, true
	}
	if group, ok := s.router.Group(groupID); ok {
		return group.RaftNode(), true
	}
	return nil, false
}

// heartbeatLoop advertises this node to its peers.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	client := &http.Client{Timeout: 2 * time.Second}
	for {
		select {
		case <-ticker.C:
		case <-s.stopCh:
			return
		}

		info := cluster.ReplicaInfo{NodeID: s.cfg.Node.ID, Addr: s.listenHostPort()}
		payload, err := json.Marshal(info)
		if err != nil {
			continue
		}
		for _, peer := range s.registry.All() {
			if peer.NodeID == s.cfg.Node.ID {
				continue
			}
			resp, err := client.Post("http://"+peer.Addr+"/cluster/heartbeat", "application/json", strings.NewReader(string(payload)))
			if err != nil {
				continue
			}
			resp.Body.Close()
		}
	}
}

// ReplicaRead implements cluster.LocalStore over the shard manager.
func (s *Server) ReplicaRead(key []byte) ([]byte, hlc.Timestamp, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.shards.ShardForKey(string(key), false).GetVersioned(ctx, string(key))
}

// ReplicaWrite implements cluster.LocalStore.
func (s *Server) ReplicaWrite(key, value []byte, ts hlc.Timestamp) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.shards.ShardForKey(string(key), false).SetVersioned(ctx, string(key), value, ts)
}

// ReplicaDelete implements cluster.LocalStore.
func (s *Server) ReplicaDelete(key []byte, ts hlc.Timestamp) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.shards.ShardForKey(string(key), false).Delete(ctx, string(key))
	return err
}

// replicaSet returns the replica node ids for a key's range.
func (s *Server) replicaSet(key []byte) []string {
	if group, err := s.router.Lookup(key); err == nil {
		if replicas := group.Descriptor().Replicas; len(replicas) > 0 {
			return replicas
		}
	}
	return append([]string{s.cfg.Node.ID}, s.peerIDs()...)
}

// Shards exposes the shard manager (diagnostics, tests).
func (s *Server) Shards() *shard.Manager { return s.shards }

// Router exposes the range router (diagnostics, tests).
func (s *Server) Router() *ranger.Router { return s.router }

// Coordinator exposes the consistency coordinator.
func (s *Server) Coordinator() *consistency.Coordinator { return s.coord }

// ensure interface satisfaction
var _ cluster.LocalStore = (*Server)(nil)

// notLeaderStatus maps routing errors onto HTTP statuses.
func notLeaderStatus(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrNotLeader):
		return http.StatusConflict
	case errors.Is(err, errdefs.ErrQuorumUnmet):
		return http.StatusServiceUnavailable
	case errors.Is(err, errdefs.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
