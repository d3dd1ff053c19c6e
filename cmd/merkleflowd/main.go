// Command merkleflowd runs one MerkleFlow gossip node: membership,
// overlay broadcast, CRDT store, and anti-entropy replication, backed by a
// durable WAL and periodic snapshots.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/rechain/merkleflow/internal/api"
	"github.com/rechain/merkleflow/internal/identity"
	"github.com/rechain/merkleflow/internal/membership"
	"github.com/rechain/merkleflow/internal/overlay"
	"github.com/rechain/merkleflow/internal/persistence"
	"github.com/rechain/merkleflow/internal/replication"
	"github.com/rechain/merkleflow/internal/security"
	"github.com/rechain/merkleflow/internal/transport"
	"github.com/rechain/merkleflow/internal/wiring"
	"github.com/rechain/merkleflow/pkg/config"
	"github.com/rechain/merkleflow/pkg/crdt"
	"github.com/rechain/merkleflow/pkg/merkle"
)

func main() {
	configFile := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keys, err := loadOrGenerateKeys(cfg.Node.DataDir, cfg.Node.KeyFile)
	if err != nil {
		log.Fatalf("failed to load keys: %v", err)
	}
	log.Printf("node id: %s", keys.NodeId)

	dbPath := cfg.Persistence.Path
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Node.DataDir, "db")
	}
	db, err := badger.Open(badger.DefaultOptions(dbPath))
	if err != nil {
		log.Fatalf("failed to open badger db: %v", err)
	}
	defer db.Close()

	tree := merkle.NewTree(nil)
	wal, err := persistence.OpenWAL(db, fsyncPolicyFromString(cfg.Persistence.FsyncPolicy), cfg.Persistence.FsyncBatchSize, cfg.Persistence.FsyncBatchInterval)
	if err != nil {
		log.Fatalf("failed to open wal: %v", err)
	}
	snap := persistence.NewSnapshotWriter(db, cfg.Persistence.SnapshotChunkBytes)

	peerTable := identity.NewPeerTable(0)
	disp := &wiring.Dispatcher{}
	dialer, err := transport.NewLibp2pDialer(cfg.Transport.ListenAddress, keys.NodeId)
	if err != nil {
		log.Fatalf("failed to start transport: %v", err)
	}
	defer dialer.Close()
	router := wiring.NewRouter(keys.NodeId, dialer, peerTable, disp)

	var hotKeyBroadcaster broadcastAdapter
	hotKeys := replication.NewHotKeyTracker(
		cfg.Replication.HotKeyCapacity,
		cfg.Replication.HotKeyThreshold,
		cfg.Replication.HotKeyWindow,
		&hotKeyBroadcaster,
	)

	store := crdt.NewStore(keys.NodeId.String(), cfg.Node.NumCRDTShards, treeIndex{tree}, wal, hotKeys, cfg.Persistence.TombstoneTTL)

	if err := persistence.Recover(ctx, store, tree, wal, snap); err != nil {
		log.Fatalf("recovery failed: %v", err)
	}

	signer := security.NewSigner(keys)
	audit := security.NewAuditLogger(cfg.Security.AuditLogEnabled)
	if attestation, err := signer.SignData([]byte(keys.NodeId.String())); err == nil {
		audit.LogSecurityEvent("node_start", fmt.Sprintf("node=%s attestation_len=%d", keys.NodeId, len(attestation)))
	}

	membershipCfg := membership.DefaultConfig()
	membershipCfg.ProbeInterval = cfg.Membership.ProbeInterval
	membershipCfg.ProbeTimeout = cfg.Membership.ProbeTimeout
	membershipCfg.IndirectK = cfg.Membership.IndirectProbes
	mem := membership.NewEngine(keys.NodeId, peerTable, router, membershipCfg)
	mem.SetDisseminator(router)
	disp.Membership = mem
	peerTable.Upsert(identity.Member{
		NodeId:       keys.NodeId,
		Addresses:    []string{cfg.Transport.ListenAddress},
		Incarnation:  mem.Incarnation(),
		Status:       identity.Alive,
		LastStatusAt: time.Now().UnixNano(),
	})

	viewCfg := overlay.DefaultViewConfig()
	viewCfg.ActiveViewSize = cfg.Overlay.ActiveViewSize
	viewCfg.PassiveViewSize = cfg.Overlay.PassiveViewSize
	viewCfg.ARWL = cfg.Overlay.ARWL
	viewCfg.PRWL = cfg.Overlay.PRWL
	view := overlay.NewView(keys.NodeId, viewCfg, router, time.Now().UnixNano())
	broadcaster := overlay.NewBroadcaster(keys.NodeId, view, router)
	hotKeyBroadcaster.b = broadcaster

	responder := replication.NewResponder(store, tree, 4)
	disp.View = view
	disp.Broadcast = broadcaster
	disp.Responder = responder

	initiator := replication.NewInitiator(keys.NodeId.String(), store, tree, cfg.Replication.DiffSummaryDepth, audit, view, cfg.Replication.ProofStrikeThreshold)
	pickPeer := func() (replication.Peer, bool) {
		alive := peerTable.PickRandom(func(m identity.Member) bool { return m.NodeId != keys.NodeId }, 1)
		if len(alive) == 0 {
			return nil, false
		}
		return router.PeerFor(alive[0].NodeId), true
	}
	aeScheduler := replication.NewScheduler(initiator, pickPeer, cfg.Replication.AntiEntropyInterval, cfg.Replication.AntiEntropyInterval/4, cfg.Replication.AntiEntropyFanout)

	compactor := persistence.NewCompactionScheduler(store, responder.Watermark, cfg.Persistence.CompactionInterval)

	go mem.Run(ctx)
	go aeScheduler.Run(ctx)
	go compactor.Run(ctx)
	go func() {
		if err := router.Serve(ctx); err != nil {
			log.Printf("router serve error: %v", err)
		}
	}()
	go runSnapshotLoop(ctx, store, tree, wal, snap, cfg.Persistence.SnapshotInterval)

	if err := joinBootstrapPeers(ctx, router, peerTable, cfg.Transport.Bootstrap, identity.Member{
		NodeId:       keys.NodeId,
		Addresses:    []string{cfg.Transport.ListenAddress},
		Incarnation:  mem.Incarnation(),
		Status:       identity.Alive,
		LastStatusAt: time.Now().UnixNano(),
	}); err != nil {
		log.Printf("bootstrap join: %v", err)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(store, tree, mem, view, broadcaster, aeScheduler, wal, cancel)
		go func() {
			if err := apiServer.Start(cfg.API.Address); err != nil {
				log.Printf("api server error: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Println("shutting down")
	cancel()
	mem.Stop()
	aeScheduler.Stop()
	compactor.Stop()
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			log.Printf("error stopping api server: %v", err)
		}
	}
}

// joinBootstrapPeers dials each configured seed, formatted "nodeidhex@addr1,addr2",
// registers it in table so the transport can reach it, and runs the Join
// handshake to bootstrap the local peer table from the seed's snapshot.
func joinBootstrapPeers(ctx context.Context, router *wiring.Router, table *identity.PeerTable, seeds []string, self identity.Member) error {
	var joinErr error
	for _, seed := range seeds {
		idPart, addrPart, ok := strings.Cut(seed, "@")
		if !ok {
			joinErr = errors.Join(joinErr, fmt.Errorf("bootstrap entry %q: expected nodeid@addr[,addr...]", seed))
			continue
		}
		seedID, err := identity.ParseNodeId(idPart)
		if err != nil {
			joinErr = errors.Join(joinErr, err)
			continue
		}
		table.Upsert(identity.Member{
			NodeId:      seedID,
			Addresses:   strings.Split(addrPart, ","),
			Incarnation: 1,
			Status:      identity.Alive,
		})
		joinCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		members, err := router.Join(joinCtx, seedID, self)
		cancel()
		if err != nil {
			joinErr = errors.Join(joinErr, fmt.Errorf("join %s: %w", seedID, err))
			continue
		}
		log.Printf("joined via %s, learned %d peers", seedID, len(members))
	}
	return joinErr
}

func fsyncPolicyFromString(s string) persistence.FsyncPolicy {
	switch s {
	case "per_record":
		return persistence.FsyncPerRecord
	case "none":
		return persistence.FsyncNone
	default:
		return persistence.FsyncPerBatch
	}
}

func loadOrGenerateKeys(dataDir, keyFile string) (*identity.KeyPair, error) {
	if keyFile == "" {
		keyFile = filepath.Join(dataDir, "node.key")
	}
	if data, err := os.ReadFile(keyFile); err == nil {
		return identity.LoadKeyPair(data)
	}
	keys, err := identity.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	data, err := identity.MarshalKeyPair(keys)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyFile, data, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return keys, nil
}

func runSnapshotLoop(ctx context.Context, store *crdt.Store, tree *merkle.Tree, wal *persistence.WAL, snap *persistence.SnapshotWriter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var epoch uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wal.Flush(); err != nil {
				log.Printf("snapshot: wal flush: %v", err)
				continue
			}
			entries := store.Range(ctx, nil, nil)
			epoch++
			if _, err := snap.WriteSnapshot(epoch, entries, tree.Root(), 0, time.Now().Unix()); err != nil {
				log.Printf("snapshot: write epoch %d: %v", epoch, err)
			}
		}
	}
}

// treeIndex adapts *merkle.Tree to crdt.IndexUpdater.
type treeIndex struct {
	tree *merkle.Tree
}

func (t treeIndex) InsertOrUpdate(key []byte, digest [32]byte) error {
	t.tree.InsertOrUpdate(key, digest)
	return nil
}

func (t treeIndex) Remove(key []byte) error {
	t.tree.Remove(key)
	return nil
}

// broadcastAdapter adapts *overlay.Broadcaster to replication.Broadcaster.
type broadcastAdapter struct {
	b *overlay.Broadcaster
}

func (a *broadcastAdapter) Broadcast(ctx context.Context, payload []byte) error {
	if a.b == nil {
		return fmt.Errorf("wiring: broadcaster not ready")
	}
	a.b.Broadcast(ctx, payload)
	return nil
}

