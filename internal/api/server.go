// Package api provides the dashboard's HTTP/SSE/WebSocket server: a
// mux-routed read/override surface over positions, conditions, and
// adaptations, with an SSE/WebSocket broadcast path for live updates.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/sniper"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// SniperView is the subset of the Sniper (C5) the dashboard reads and overrides.
type SniperView interface {
	GetStatus() sniper.Status
	SetRunning(running bool)
}

// KnowledgeView is the subset of the Knowledge Store (C4) the dashboard reads and overrides.
type KnowledgeView interface {
	AllCoinScores() []types.CoinScore
	AllPatterns() []types.TradingPattern
	GetActiveRules() []types.RegimeRule
	Blacklist(ctx context.Context, coin, reason string) error
	Unblacklist(ctx context.Context, coin string) error
	DeactivatePattern(ctx context.Context, id, reason string) error
	ReactivatePattern(ctx context.Context, id string) error
}

// PriceView is the subset of the Price Source (C1) the dashboard reads.
type PriceView interface {
	AllPrices() map[string]types.PriceTick
	Status() types.FeedStatus
}

// StoreView is the subset of the Store (C2) the dashboard reads and the override surface mutates.
type StoreView interface {
	LatestProfitSnapshot(ctx context.Context, tf types.SnapshotTimeframe) (*types.ProfitSnapshot, error)
	EquityCurve(ctx context.Context, n int) ([]types.EquityPoint, error)
	RecentActivity(ctx context.Context, n int) ([]types.ActivityLogEntry, error)
	RecentAdaptations(ctx context.Context, n int) ([]types.Adaptation, error)
	GetAdaptation(ctx context.Context, id string) (types.Adaptation, error)
}

// ReflectionTrigger is the subset of Reflection (C9) the override surface can fire on demand.
type ReflectionTrigger interface {
	Cycle(ctx context.Context) error
}

// Rollbacker is the subset of Adaptation (C10) that executes a rollback recipe.
type Rollbacker interface {
	Rollback(ctx context.Context, adapt types.Adaptation) (*types.Adaptation, error)
}

// Client is one connected dashboard websocket.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
}

// Deps bundles the Server's collaborators.
type Deps struct {
	Sniper     SniperView
	Knowledge  KnowledgeView
	Prices     PriceView
	Store      StoreView
	Reflection ReflectionTrigger
	Adaptation Rollbacker
	Registry   *prometheus.Registry
}

// Server is the dashboard's HTTP/SSE/WebSocket server.
type Server struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	deps     Deps
	router   *mux.Router
	http     *http.Server
	upgrader websocket.Upgrader
	clients  map[string]*Client
}

// NewServer constructs the dashboard server and wires its routes.
func NewServer(logger *zap.Logger, deps Deps) *Server {
	s := &Server{
		logger:  logger,
		deps:    deps,
		router:  mux.NewRouter(),
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/conditions", s.handleConditions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/positions", s.handlePositions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/prices", s.handlePrices).Methods(http.MethodGet)
	s.router.HandleFunc("/api/knowledge/coins", s.handleKnowledgeCoins).Methods(http.MethodGet)
	s.router.HandleFunc("/api/knowledge/patterns", s.handleKnowledgePatterns).Methods(http.MethodGet)
	s.router.HandleFunc("/api/knowledge/rules", s.handleKnowledgeRules).Methods(http.MethodGet)
	s.router.HandleFunc("/api/adaptations", s.handleAdaptations).Methods(http.MethodGet)
	s.router.HandleFunc("/api/profitability/snapshot", s.handleProfitabilitySnapshot).Methods(http.MethodGet)
	s.router.HandleFunc("/api/profitability/equity-curve", s.handleEquityCurve).Methods(http.MethodGet)
	s.router.HandleFunc("/api/profitability/{timeframe}", s.handleProfitabilityTimeframe).Methods(http.MethodGet)

	s.router.HandleFunc("/api/override/blacklist", s.handleOverrideBlacklist).Methods(http.MethodPost)
	s.router.HandleFunc("/api/override/unblacklist", s.handleOverrideUnblacklist).Methods(http.MethodPost)
	s.router.HandleFunc("/api/override/disable-pattern", s.handleOverrideDisablePattern).Methods(http.MethodPost)
	s.router.HandleFunc("/api/override/trigger-reflection", s.handleOverrideTriggerReflection).Methods(http.MethodPost)
	s.router.HandleFunc("/api/override/rollback", s.handleOverrideRollback).Methods(http.MethodPost)
	s.router.HandleFunc("/api/override/pause", s.handleOverridePause).Methods(http.MethodPost)
	s.router.HandleFunc("/api/override/resume", s.handleOverrideResume).Methods(http.MethodPost)

	s.router.HandleFunc("/api/feed", s.handleFeedSSE).Methods(http.MethodGet)
	s.router.HandleFunc("/api/ws", s.handleWebSocket)

	if s.deps.Registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// Start runs the HTTP server on addr until it is stopped or fails.
func (s *Server) Start(addr string) error {
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE/websocket streams hold connections open
	}

	s.logger.Info("dashboard listening", zap.String("addr", addr))
	return s.http.ListenAndServe()
}

// Stop gracefully shuts the server down, closing all websocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.Conn.Close()
	}
	s.mu.Unlock()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Sniper.GetStatus()
	writeJSON(w, map[string]any{
		"running":            status.Running,
		"balance":            status.Balance,
		"in_positions":       status.InPositions,
		"open_positions":     len(status.OpenPositions),
		"active_conditions":  len(status.ActiveConditions),
		"tick_count":         status.TickCount,
		"feed_status":        s.deps.Prices.Status(),
	})
}

func (s *Server) handleConditions(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Sniper.GetStatus()
	writeJSON(w, status.ActiveConditions)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Sniper.GetStatus()
	writeJSON(w, status.OpenPositions)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Prices.AllPrices())
}

func (s *Server) handleKnowledgeCoins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Knowledge.AllCoinScores())
}

func (s *Server) handleKnowledgePatterns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Knowledge.AllPatterns())
}

func (s *Server) handleKnowledgeRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Knowledge.GetActiveRules())
}

func (s *Server) handleAdaptations(w http.ResponseWriter, r *http.Request) {
	adaptations, err := s.deps.Store.RecentAdaptations(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, adaptations)
}

func (s *Server) handleProfitabilitySnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Store.LatestProfitSnapshot(r.Context(), types.TimeframeAll)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleProfitabilityTimeframe(w http.ResponseWriter, r *http.Request) {
	tf := types.SnapshotTimeframe(mux.Vars(r)["timeframe"])
	snap, err := s.deps.Store.LatestProfitSnapshot(r.Context(), tf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleEquityCurve(w http.ResponseWriter, r *http.Request) {
	points, err := s.deps.Store.EquityCurve(r.Context(), 1000)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, points)
}

type coinOverrideRequest struct {
	Coin   string `json:"coin"`
	Reason string `json:"reason"`
}

func (s *Server) handleOverrideBlacklist(w http.ResponseWriter, r *http.Request) {
	var req coinOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Knowledge.Blacklist(r.Context(), req.Coin, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleOverrideUnblacklist(w http.ResponseWriter, r *http.Request) {
	var req coinOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Knowledge.Unblacklist(r.Context(), req.Coin); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

type patternOverrideRequest struct {
	PatternID string `json:"pattern_id"`
	Reason    string `json:"reason"`
}

func (s *Server) handleOverrideDisablePattern(w http.ResponseWriter, r *http.Request) {
	var req patternOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Knowledge.DeactivatePattern(r.Context(), req.PatternID, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleOverrideTriggerReflection(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reflection == nil {
		writeError(w, http.StatusServiceUnavailable, "reflection not wired")
		return
	}
	if err := s.deps.Reflection.Cycle(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

type rollbackRequest struct {
	AdaptationID string `json:"adaptation_id"`
}

func (s *Server) handleOverrideRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	adapt, err := s.deps.Store.GetAdaptation(r.Context(), req.AdaptationID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	rollback, err := s.deps.Adaptation.Rollback(r.Context(), adapt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, rollback)
}

func (s *Server) handleOverridePause(w http.ResponseWriter, r *http.Request) {
	s.deps.Sniper.SetRunning(false)
	writeJSON(w, map[string]string{"status": "paused"})
}

func (s *Server) handleOverrideResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Sniper.SetRunning(true)
	writeJSON(w, map[string]string{"status": "resumed"})
}

// handleFeedSSE streams {prices, conditions_count, positions_count} once per
// second, matching how the dashboard's SSE stream is expected to behave.
func (s *Server) handleFeedSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			status := s.deps.Sniper.GetStatus()
			payload := map[string]any{
				"prices":           s.deps.Prices.AllPrices(),
				"conditions_count": len(status.ActiveConditions),
				"positions_count":  len(status.OpenPositions),
			}
			body, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebSocket upgrades to a push feed richer than the SSE stream,
// giving dashboard clients a bidirectional channel alongside the one-way broadcast.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{ID: uuid.New().String(), Conn: conn, Send: make(chan []byte, 256)}
	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	go s.writePump(client)
	go s.readPump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		close(client.Send)
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(4096)
	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast pushes a message to every connected websocket client, dropping
// it for any client whose send buffer is full rather than blocking.
func (s *Server) Broadcast(v any) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.Send <- body:
		default:
		}
	}
}

// BroadcastLoop pushes a status snapshot to all websocket clients once per
// second until ctx is cancelled, feeding Broadcast from live Sniper/Price state.
func (s *Server) BroadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := s.deps.Sniper.GetStatus()
			s.Broadcast(map[string]any{
				"type":              "status",
				"balance":           status.Balance,
				"in_positions":      status.InPositions,
				"open_positions":    len(status.OpenPositions),
				"active_conditions": len(status.ActiveConditions),
				"prices":            s.deps.Prices.AllPrices(),
			})
		}
	}
}
