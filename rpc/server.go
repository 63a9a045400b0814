package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"wagerchain/core/events"
	"wagerchain/core/state"
	"wagerchain/native/factory"
	"wagerchain/observability/metrics"
)

const (
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 15 * time.Second
	headerRequestID     = "X-Request-ID"
)

// ServerConfig wires the RPC server to its dependencies.
type ServerConfig struct {
	Auth         AuthConfig
	RateLimit    RateLimit
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Recorder backs wager_events; the method fails when it is nil.
	Recorder *events.Recorder
	Metrics  *metrics.WagerMetrics
	// Gatherer is exposed on /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type handlerFunc func(ctx context.Context, caller common.Address, req *RPCRequest) (interface{}, error)

type method struct {
	auth bool
	fn   handlerFunc
}

// Server exposes the factory, its escrows and the ledger over JSON-RPC.
type Server struct {
	ledger   *state.Manager
	factory  *factory.Factory
	recorder *events.Recorder
	metrics  *metrics.WagerMetrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	auth     *authenticator
	limiter  *rateLimiter
	methods  map[string]method

	readTimeout  time.Duration
	writeTimeout time.Duration
}

func NewServer(ledger *state.Manager, f *factory.Factory, cfg ServerConfig) (*Server, error) {
	if ledger == nil || f == nil {
		return nil, errors.New("rpc: ledger and factory are required")
	}
	auth, err := newAuthenticator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		ledger:       ledger,
		factory:      f,
		recorder:     cfg.Recorder,
		metrics:      cfg.Metrics,
		gatherer:     gatherer,
		logger:       logger,
		auth:         auth,
		limiter:      newRateLimiter(cfg.RateLimit),
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
	if s.readTimeout <= 0 {
		s.readTimeout = defaultReadTimeout
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = defaultWriteTimeout
	}
	s.methods = map[string]method{
		"wager_createBet":      {auth: true, fn: s.handleCreateBet},
		"wager_join":           {auth: true, fn: s.handleJoin},
		"wager_admitLoss":      {auth: true, fn: s.handleAdmitLoss},
		"wager_refundIfNoJoin": {auth: true, fn: s.handleRefundIfNoJoin},
		"wager_info":           {fn: s.handleInfo},
		"wager_events":         {fn: s.handleEvents},

		"factory_setFeeBps":         {auth: true, fn: s.handleSetFeeBps},
		"factory_setFeeRecipient":   {auth: true, fn: s.handleSetFeeRecipient},
		"factory_transferOwnership": {auth: true, fn: s.handleTransferOwnership},
		"factory_feeInfo":           {fn: s.handleFeeInfo},
		"factory_escrowOf":          {fn: s.handleEscrowOf},
		"factory_totalEscrows":      {fn: s.handleTotalEscrows},
		"factory_escrows":           {fn: s.handleEscrows},

		"ledger_balance":  {fn: s.handleBalance},
		"token_approve":   {auth: true, fn: s.handleTokenApprove},
		"token_allowance": {fn: s.handleTokenAllowance},
	}
	return s, nil
}

// Handler returns the HTTP routes served by the node.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.With(s.limiter.middleware).Post("/rpc", s.handle)
	return otelhttp.NewHandler(r, "wagerd.rpc")
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("json-rpc server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("rpc: shutdown: %w", err)
		}
		return nil
	}
}

type requestIDKey struct{}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// handle decodes a single JSON-RPC request and routes it to its method.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	m, ok := s.methods[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}

	start := time.Now()
	log := s.logger.With("method", req.Method, "request_id", requestIDFrom(r.Context()))

	var caller common.Address
	if m.auth {
		caller, err = s.auth.caller(r)
		if err != nil {
			log.Warn("rpc authentication failed", "error", err)
			s.metrics.ObserveRPC(req.Method, "unauthenticated")
			writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "unauthorized", err.Error())
			return
		}
		log = log.With("caller", caller.Hex())
	}

	result, err := m.fn(r.Context(), caller, req)
	s.metrics.ObserveRPC(req.Method, outcomeOf(err))
	if err != nil {
		status, rpcErr := toRPCError(err)
		log.Info("rpc call failed", "code", outcomeOf(err), "duration", time.Since(start), "error", err)
		writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	log.Debug("rpc call served", "duration", time.Since(start))
	writeResult(w, req.ID, result)
}
