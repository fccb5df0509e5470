// Package ops serves the operator HTTP surface: health, aggregate reads,
// FAILED outbox handling and the user-facing saga commands.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/embedded"
	"github.com/overtonx/sagaflow/lookup"
	"github.com/overtonx/sagaflow/participant"
	"github.com/overtonx/sagaflow/saga"
	"github.com/overtonx/sagaflow/storage"
)

const (
	defaultAddr         = ":8081"
	defaultStopTimeout  = 5 * time.Second
	headerDegraded      = "X-Degraded"
	defaultFailedListed = 100
)

var aggregateTypes = map[string]bool{
	saga.AggregateOrder:     true,
	saga.AggregateTrade:     true,
	saga.AggregateFundsLock: true,
	saga.AggregatePayment:   true,
	saga.AggregateWallet:    true,
}

// AggregateKey addresses one aggregate row.
type AggregateKey struct {
	Type string
	ID   string
}

// Server is run by the Dispatcher like any other worker.
type Server struct {
	addr       string
	aggregates *lookup.Guarded[AggregateKey, storage.AggregateRecord]
	requeuer   *sagaflow.Requeuer
	orders     *participant.Orders
	trades     *participant.Trades
	payments   *participant.Payments
	circuits   map[string]func() string
	logger     *zap.Logger

	engine   *gin.Engine
	srv      *http.Server
	stopOnce sync.Once
}

var _ embedded.Worker = (*Server)(nil)

type Option func(*Server)

func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCircuit reports a breaker state on /healthz.
func WithCircuit(name string, state func() string) Option {
	return func(s *Server) {
		s.circuits[name] = state
	}
}

// WithOrders enables the order commands.
func WithOrders(orders *participant.Orders) Option {
	return func(s *Server) {
		s.orders = orders
	}
}

func WithTrades(trades *participant.Trades) Option {
	return func(s *Server) {
		s.trades = trades
	}
}

func WithPayments(payments *participant.Payments) Option {
	return func(s *Server) {
		s.payments = payments
	}
}

// NewAggregateLookup reads aggregate rows through a breaker.
func NewAggregateLookup(store storage.AggregateStore, opts ...lookup.Option) *lookup.Guarded[AggregateKey, storage.AggregateRecord] {
	opts = append([]lookup.Option{lookup.WithAbsent(storage.ErrNotFound)}, opts...)
	return lookup.NewGuarded[AggregateKey, storage.AggregateRecord]("aggregates",
		func(ctx context.Context, key AggregateKey) (storage.AggregateRecord, error) {
			return store.Get(ctx, key.Type, key.ID)
		}, opts...)
}

// NewServer builds the ops HTTP server; Start serves until stopped.
func NewServer(aggregates *lookup.Guarded[AggregateKey, storage.AggregateRecord], requeuer *sagaflow.Requeuer, opts ...Option) *Server {
	s := &Server{
		addr:       defaultAddr,
		aggregates: aggregates,
		requeuer:   requeuer,
		circuits:   map[string]func() string{"aggregates": aggregates.State},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.accessLog())
	s.routes()
	s.srv = &http.Server{Addr: s.addr, Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)
	s.engine.GET("/aggregates/:type/:id", s.getAggregate)
	s.engine.GET("/outbox/failed", s.listFailed)
	s.engine.POST("/outbox/failed/:id/requeue", s.requeue)

	if s.orders != nil {
		s.engine.POST("/orders", s.submitOrder)
		s.engine.POST("/orders/:id/cancel", s.cancelOrder)
	}
	if s.trades != nil {
		s.engine.POST("/trades/:id/close", s.closeTrade)
	}
	if s.payments != nil {
		s.engine.POST("/payments", s.createPayment)
	}
}

// Handler exposes the routes for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Name() string { return "ops-server" }

// Start serves until Stop is called or ctx is done.
func (s *Server) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("Ops server listening", zap.String("addr", s.addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Ops server failed", zap.Error(err))
	}
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Warn("Ops server shutdown failed", zap.Error(err))
		}
	})
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	circuits := make(map[string]string, len(s.circuits))
	status := "ok"
	for name, state := range s.circuits {
		circuits[name] = state()
		if circuits[name] != "closed" {
			status = "degraded"
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "circuits": circuits})
}

type aggregateResponse struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Version   int64           `json:"version"`
	Body      json.RawMessage `json:"body"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

func (s *Server) getAggregate(c *gin.Context) {
	key := AggregateKey{Type: c.Param("type"), ID: c.Param("id")}
	if !aggregateTypes[key.Type] {
		c.JSON(http.StatusNotFound, errorResponse{Code: codeNotFound, Message: "unknown aggregate type " + key.Type})
		return
	}

	res := s.aggregates.Get(c.Request.Context(), key)
	switch {
	case errors.Is(res.Err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Code: codeNotFound, Message: key.Type + " " + key.ID + " not found"})
		return
	case res.Status == lookup.Unavailable:
		c.JSON(http.StatusServiceUnavailable, errorResponse{Code: codeUnavailable, Message: res.Err.Error()})
		return
	case res.Status == lookup.Degraded:
		c.Header(headerDegraded, "true")
	}

	rec := res.Value
	c.JSON(http.StatusOK, aggregateResponse{
		Type:      rec.Type,
		ID:        rec.ID,
		Status:    rec.Status,
		Version:   rec.Version,
		Body:      json.RawMessage(rec.Body),
		ExpiresAt: rec.ExpiresAt,
		UpdatedAt: rec.UpdatedAt,
		FetchedAt: res.FetchedAt,
	})
}

type failedMessage struct {
	ID            int64     `json:"id"`
	MessageID     string    `json:"messageId"`
	EventType     string    `json:"eventType"`
	AggregateType string    `json:"aggregateType"`
	AggregateID   string    `json:"aggregateId"`
	Destination   string    `json:"destination"`
	AttemptCount  int       `json:"attemptCount"`
	LastError     string    `json:"lastError"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (s *Server) listFailed(c *gin.Context) {
	limit := defaultFailedListed
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Code: codeInvalidArgument, Message: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records, err := s.requeuer.ListFailed(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]failedMessage, 0, len(records))
	for _, r := range records {
		out = append(out, failedMessage{
			ID:            r.ID,
			MessageID:     r.MessageID,
			EventType:     r.EventType,
			AggregateType: r.AggregateType,
			AggregateID:   r.AggregateID,
			Destination:   r.Exchange + "/" + r.RoutingKey,
			AttemptCount:  r.AttemptCount,
			LastError:     r.LastError,
			CreatedAt:     r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) requeue(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: codeInvalidArgument, Message: "id must be an integer"})
		return
	}
	if err := s.requeuer.Requeue(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) fail(c *gin.Context, err error) {
	status, body := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}
