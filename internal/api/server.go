// Package api exposes the application-facing operations spec.md §6 names —
// put, delete, get, subscribe, stats, shutdown — over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rechain/merkleflow/internal/identity"
	"github.com/rechain/merkleflow/internal/membership"
	"github.com/rechain/merkleflow/internal/overlay"
	"github.com/rechain/merkleflow/internal/persistence"
	"github.com/rechain/merkleflow/internal/replication"
	"github.com/rechain/merkleflow/pkg/crdt"
	"github.com/rechain/merkleflow/pkg/merkle"
)

// Server is the application-facing REST surface over a running node.
type Server struct {
	store      *crdt.Store
	tree       *merkle.Tree
	membership *membership.Engine
	view       *overlay.View
	broadcast  *overlay.Broadcaster
	aeSched    *replication.Scheduler
	wal        *persistence.WAL
	shutdown   func()

	httpServer *http.Server
	router     *mux.Router
}

// NewServer wires a Server over the already-constructed node components.
// shutdownFn is invoked by the shutdown operation to begin the node's
// ordered teardown; the HTTP response is sent before it returns.
func NewServer(store *crdt.Store, tree *merkle.Tree, mem *membership.Engine, view *overlay.View, broadcast *overlay.Broadcaster, aeSched *replication.Scheduler, wal *persistence.WAL, shutdownFn func()) *Server {
	s := &Server{
		store:      store,
		tree:       tree,
		membership: mem,
		view:       view,
		broadcast:  broadcast,
		aeSched:    aeSched,
		wal:        wal,
		shutdown:   shutdownFn,
		router:     mux.NewRouter(),
	}
	s.routes()
	return s
}

// Start serves the API on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	log.Printf("api server listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/v1/kv/{key}", s.handlePut).Methods("PUT")
	s.router.HandleFunc("/v1/kv/{key}", s.handleGet).Methods("GET")
	s.router.HandleFunc("/v1/kv/{key}", s.handleDelete).Methods("DELETE")
	s.router.HandleFunc("/v1/subscribe/{prefix}", s.handleSubscribe).Methods("GET")
	s.router.HandleFunc("/v1/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/v1/shutdown", s.handleShutdown).Methods("POST")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// putRequest names the mutation to apply; the kind/op pair determines how
// the fresh delta Value is constructed before being merged into the store.
type putRequest struct {
	Kind    crdt.ValueKind `json:"kind"`
	Op      string         `json:"op"`
	Payload string         `json:"payload,omitempty"`
	Element string         `json:"element,omitempty"`
	Amount  uint64         `json:"amount,omitempty"`
	Writer  string         `json:"writer"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	value, err := crdt.NewValue(req.Kind, req.Writer)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	switch v := value.(type) {
	case *crdt.LWWRegister:
		v.Set([]byte(req.Payload), uint64(time.Now().UnixNano()), req.Writer)
	case *crdt.ORSet:
		switch req.Op {
		case "add":
			v.Add(req.Element)
		case "remove":
			v.Remove(req.Element)
		default:
			respondError(w, http.StatusBadRequest, fmt.Errorf("orset: unknown op %q", req.Op))
			return
		}
	case *crdt.GCounter:
		v.Increment(req.Amount)
	case *crdt.PNCounter:
		switch req.Op {
		case "increment":
			v.Increment(req.Amount)
		case "decrement":
			v.Decrement(req.Amount)
		default:
			respondError(w, http.StatusBadRequest, fmt.Errorf("pncounter: unknown op %q", req.Op))
			return
		}
	}

	entry, err := s.store.Put(r.Context(), []byte(key), value)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	entry, ok := s.store.Get(r.Context(), []byte(key))
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("key %q not found", key))
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	entry, err := s.store.Delete(r.Context(), []byte(key))
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// handleSubscribe streams entries under prefix as newline-delimited JSON,
// polling the store for digest changes until the client disconnects.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	prefix := []byte(mux.Vars(r)["prefix"])
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	last := map[string][32]byte{}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	emit := func() bool {
		entries := s.store.Range(r.Context(), prefix, upperBound(prefix))
		enc := json.NewEncoder(w)
		changed := false
		for _, e := range entries {
			if d, ok := last[string(e.Key)]; ok && d == e.ValueDigest {
				continue
			}
			last[string(e.Key)] = e.ValueDigest
			if err := enc.Encode(e); err != nil {
				return false
			}
			changed = true
		}
		if changed {
			flusher.Flush()
		}
		return true
	}

	if !emit() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !emit() {
				return
			}
		}
	}
}

// upperBound returns the smallest key greater than every key with the given
// prefix, or nil if prefix is the all-0xff byte string (unbounded above).
func upperBound(prefix []byte) []byte {
	b := append([]byte(nil), prefix...)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			b[i]++
			return b[:i+1]
		}
	}
	return nil
}

type statsResponse struct {
	Incarnation   uint64          `json:"incarnation"`
	HealthScore   int32           `json:"health_score"`
	ActivePeers   []identity.NodeId `json:"active_peers"`
	MSTRoot       merkle.Hash     `json:"mst_root"`
	Watermark     crdt.VectorClock `json:"watermark"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := statsResponse{
		MSTRoot: s.tree.Root(),
	}
	if s.membership != nil {
		stats.Incarnation = s.membership.Incarnation()
		stats.HealthScore = s.membership.HealthScore()
	}
	if s.view != nil {
		stats.ActivePeers = s.view.Active()
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	if s.shutdown != nil {
		go s.shutdown()
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
