// Package api exposes users and positions over JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"lpwatch/internal/dex"
	"lpwatch/internal/lpmath"
	"lpwatch/internal/model"
	"lpwatch/internal/monitor"
	"lpwatch/internal/notify"
	"lpwatch/internal/storage"
	"lpwatch/internal/tracker"
)

// Service is the tracker surface served over HTTP.
type Service interface {
	ProtocolInfos() []tracker.ProtocolInfo
	ResolveProtocol(input string) (model.Protocol, error)
	EnsureUser(ctx context.Context, discordID string) (model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	AllPositions(ctx context.Context) ([]model.Position, error)
	TrackedPositions(ctx context.Context, discordID string) ([]model.Position, error)
	StoredPosition(ctx context.Context, protocol model.Protocol, positionID uint64) (model.Position, error)
	ChainPosition(ctx context.Context, protocol model.Protocol, positionID uint64) (model.ChainPosition, error)
	PoolInfo(ctx context.Context, protocol model.Protocol, token0, token1 common.Address, fee uint32) (tracker.PoolInfo, error)
	Rewards(ctx context.Context, protocol model.Protocol, positionID uint64) (tracker.RewardReport, error)
	Track(ctx context.Context, discordID string, protocol model.Protocol, positionID uint64) (notify.PositionView, error)
	SetRange(ctx context.Context, protocol model.Protocol, positionID uint64, inRange bool) error
	MarkBurned(ctx context.Context, protocol model.Protocol, positionID uint64) error
	Untrack(ctx context.Context, discordID string, protocol model.Protocol, positionID uint64) error
	UntrackAll(ctx context.Context, discordID string) (int64, error)
}

// DefaultRequestTimeout bounds each request's service calls.
const DefaultRequestTimeout = 30 * time.Second

// errBadRequest marks malformed input.
var errBadRequest = errors.New("bad request")

// Server routes HTTP requests to the tracker.
type Server struct {
	router   *mux.Router
	svc      Service
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	timeout  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithRequestTimeout sets the deadline attached to every request context.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer builds the router. gatherer backs /metrics; nil uses the default registry.
func NewServer(svc Service, gatherer prometheus.Gatherer, logger *zap.Logger, opts ...Option) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:   mux.NewRouter(),
		svc:      svc,
		gatherer: gatherer,
		logger:   logger,
		timeout:  DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/protocols", s.handleProtocols).Methods(http.MethodGet)
	api.HandleFunc("/users/all", s.handleListUsers).Methods(http.MethodGet)
	api.HandleFunc("/users", s.handleCreateUser).Methods(http.MethodPost)

	positions := api.PathPrefix("/positions").Subrouter()
	positions.HandleFunc("/all", s.handleAllPositions).Methods(http.MethodGet)
	positions.HandleFunc("/user_tracked", s.handleUserTracked).Methods(http.MethodGet)
	positions.HandleFunc("/from_database", s.handleFromDatabase).Methods(http.MethodGet)
	positions.HandleFunc("/from_chain", s.handleFromChain).Methods(http.MethodGet)
	positions.HandleFunc("/pool_info", s.handlePoolInfo).Methods(http.MethodGet)
	positions.HandleFunc("/rewards", s.handleRewards).Methods(http.MethodGet)
	positions.HandleFunc("/insert", s.handleInsert).Methods(http.MethodPost)
	positions.HandleFunc("/update_range", s.handleUpdateRange).Methods(http.MethodPut)
	positions.HandleFunc("/burn", s.handleBurn).Methods(http.MethodPut)
	positions.HandleFunc("/remove", s.handleRemove).Methods(http.MethodDelete)
	positions.HandleFunc("/remove_all", s.handleRemoveAll).Methods(http.MethodDelete)

	s.router.Use(s.loggingMiddleware)
	api.Use(s.timeoutMiddleware)
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProtocols(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.ProtocolInfos())
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DiscordID string `json:"discord_id"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.DiscordID == "" {
		s.writeError(w, r, fmt.Errorf("%w: discord_id is required", errBadRequest))
		return
	}
	user, err := s.svc.EnsureUser(r.Context(), req.DiscordID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleAllPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.svc.AllPositions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleUserTracked(w http.ResponseWriter, r *http.Request) {
	discordID, err := requiredQuery(r, "discord_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	positions, err := s.svc.TrackedPositions(r.Context(), discordID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleFromDatabase(w http.ResponseWriter, r *http.Request) {
	protocol, positionID, err := s.positionQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.svc.StoredPosition(r.Context(), protocol, positionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pos)
}

type chainPositionResponse struct {
	Protocol   model.Protocol `json:"protocol"`
	PositionID uint64         `json:"position_id"`
	Token0     string         `json:"token0"`
	Token1     string         `json:"token1"`
	Fee        uint32         `json:"fee"`
	TickLower  int32          `json:"tick_lower"`
	TickUpper  int32          `json:"tick_upper"`
	Liquidity  string         `json:"liquidity"`
}

func (s *Server) handleFromChain(w http.ResponseWriter, r *http.Request) {
	protocol, positionID, err := s.positionQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.svc.ChainPosition(r.Context(), protocol, positionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, chainPositionResponse{
		Protocol:   protocol,
		PositionID: positionID,
		Token0:     pos.Token0,
		Token1:     pos.Token1,
		Fee:        pos.Fee,
		TickLower:  pos.TickLower,
		TickUpper:  pos.TickUpper,
		Liquidity:  decString(pos.Liquidity),
	})
}

func (s *Server) handlePoolInfo(w http.ResponseWriter, r *http.Request) {
	protocol, err := s.protocolQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token0, err := addressQuery(r, "token0")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token1, err := addressQuery(r, "token1")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	feeText, err := requiredQuery(r, "fee")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fee, err := strconv.ParseUint(feeText, 10, 24)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid fee %q", errBadRequest, feeText))
		return
	}
	if token0 == token1 {
		s.writeError(w, r, fmt.Errorf("%w: token0 and token1 must differ", errBadRequest))
		return
	}
	info, err := s.svc.PoolInfo(r.Context(), protocol, token0, token1, uint32(fee))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRewards(w http.ResponseWriter, r *http.Request) {
	protocol, positionID, err := s.positionQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.svc.Rewards(r.Context(), protocol, positionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type positionRequest struct {
	DiscordID  string `json:"discord_id"`
	Protocol   string `json:"protocol"`
	PositionID uint64 `json:"position_id"`
	InRange    *bool  `json:"in_range"`
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.DiscordID == "" {
		s.writeError(w, r, fmt.Errorf("%w: discord_id is required", errBadRequest))
		return
	}
	protocol, err := s.svc.ResolveProtocol(req.Protocol)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.svc.Track(r.Context(), req.DiscordID, protocol, req.PositionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, view.Position)
}

func (s *Server) handleUpdateRange(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.InRange == nil {
		s.writeError(w, r, fmt.Errorf("%w: in_range is required", errBadRequest))
		return
	}
	protocol, err := s.svc.ResolveProtocol(req.Protocol)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.SetRange(r.Context(), protocol, req.PositionID, *req.InRange); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	protocol, err := s.svc.ResolveProtocol(req.Protocol)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.MarkBurned(r.Context(), protocol, req.PositionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	discordID, err := requiredQuery(r, "discord_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	protocol, positionID, err := s.positionQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Untrack(r.Context(), discordID, protocol, positionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveAll(w http.ResponseWriter, r *http.Request) {
	discordID, err := requiredQuery(r, "discord_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	removed, err := s.svc.UntrackAll(r.Context(), discordID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) protocolQuery(r *http.Request) (model.Protocol, error) {
	value, err := requiredQuery(r, "protocol")
	if err != nil {
		return "", err
	}
	return s.svc.ResolveProtocol(value)
}

func (s *Server) positionQuery(r *http.Request) (model.Protocol, uint64, error) {
	protocol, err := s.protocolQuery(r)
	if err != nil {
		return "", 0, err
	}
	value, err := requiredQuery(r, "position_id")
	if err != nil {
		return "", 0, err
	}
	positionID, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid position_id %q", errBadRequest, value)
	}
	return protocol, positionID, nil
}

func requiredQuery(r *http.Request, key string) (string, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return "", fmt.Errorf("%w: %s is required", errBadRequest, key)
	}
	return value, nil
}

func addressQuery(r *http.Request, key string) (common.Address, error) {
	value, err := requiredQuery(r, key)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%w: invalid %s %q", errBadRequest, key, value)
	}
	return common.HexToAddress(value), nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, tracker.ErrUnknownProtocol):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, dex.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, tracker.ErrAlreadyTracked), errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, lpmath.ErrInvalidRange):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, monitor.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	switch status {
	case http.StatusInternalServerError:
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		message = "internal error"
	case http.StatusBadGateway:
		s.logger.Warn("upstream failed", zap.String("path", r.URL.Path), zap.Error(err))
		message = "upstream unavailable"
	case http.StatusGatewayTimeout:
		s.logger.Warn("request timed out", zap.String("path", r.URL.Path), zap.Error(err))
		message = "upstream timeout"
	}
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapper.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
