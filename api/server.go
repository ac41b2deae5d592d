package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gregtusar/simtrader/pkg/account"
	"github.com/gregtusar/simtrader/pkg/algo"
	"github.com/gregtusar/simtrader/pkg/arbitrage"
	"github.com/gregtusar/simtrader/pkg/exchange"
	"github.com/gregtusar/simtrader/pkg/marketdata"
	"github.com/gregtusar/simtrader/pkg/metrics"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/gregtusar/simtrader/pkg/order"
	"github.com/gregtusar/simtrader/pkg/risk"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Services are the components the HTTP surface delegates to.
type Services struct {
	Registry  *exchange.Registry
	Accounts  *account.Manager
	Orders    *order.Manager
	Algos     *algo.Engine
	Risk      *risk.Manager
	Arbitrage *arbitrage.Scanner
	Feed      *marketdata.Feed
	Metrics   *metrics.Metrics
	Events    *Hub
}

type Server struct {
	svc    Services
	logger *logrus.Logger
	port   int
	router *gin.Engine
	srv    *http.Server
}

func NewServer(svc Services, logger *logrus.Logger, port int, mode string) *Server {
	if mode != "" {
		gin.SetMode(mode)
	}
	s := &Server{svc: svc, logger: logger, port: port}
	s.router = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), corsMiddleware())

	if s.svc.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.svc.Metrics.Handler()))
	}

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/exchanges", s.handleExchanges)
	if s.svc.Events != nil {
		api.GET("/events", s.svc.Events.ServeWS)
	}

	accounts := api.Group("/accounts")
	accounts.POST("", s.handleConnect)
	accounts.GET("", s.handleListAccounts)
	accounts.GET("/:id", s.handleGetAccount)
	accounts.DELETE("/:id", s.handleDisconnect)
	accounts.POST("/:id/sync", s.handleSync)
	accounts.GET("/:id/positions", s.handlePositions)
	accounts.GET("/:id/risk", s.handleRiskMetrics)

	orders := api.Group("/orders")
	orders.POST("", s.handlePlaceOrder)
	orders.GET("", s.handleListOrders)
	orders.GET("/:id", s.handleGetOrder)
	orders.DELETE("/:id", s.handleCancelOrder)

	algos := api.Group("/algo-orders")
	algos.POST("", s.handleSubmitAlgo)
	algos.GET("", s.handleListAlgos)
	algos.GET("/:id", s.handleGetAlgo)
	algos.DELETE("/:id", s.handleCancelAlgo)

	riskGroup := api.Group("/risk")
	riskGroup.GET("/policy", s.handleGetPolicy)
	riskGroup.PUT("/policy", s.handleUpdatePolicy)
	riskGroup.GET("/alerts", s.handleAlerts)

	arb := api.Group("/arbitrage")
	arb.GET("/opportunities", s.handleOpportunities)
	arb.GET("/executions", s.handleExecutions)
	arb.GET("/strategy", s.handleGetStrategy)
	arb.PUT("/strategy", s.handleSetStrategy)

	api.GET("/prices", s.handlePrices)
	api.GET("/prices/:symbol", s.handlePrice)
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("port", s.port).Info("Starting API server")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.svc.Events != nil {
		s.svc.Events.Close()
	}
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	}
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		validation   *models.ValidationError
		insufficient *models.InsufficientBalanceError
		violation    *models.RiskViolation
		notCancel    *models.NotCancellableError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &insufficient):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &violation):
		status = http.StatusForbidden
	case errors.As(err, &notCancel):
		status = http.StatusConflict
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrAccountInactive):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.writeError(c, &models.ValidationError{Field: "body", Reason: err.Error()})
		return false
	}
	return true
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"accounts":  len(s.svc.Accounts.List()),
	})
}

func (s *Server) handleExchanges(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Registry.List())
}

func (s *Server) handleConnect(c *gin.Context) {
	var req models.ConnectRequest
	if !s.bind(c, &req) {
		return
	}
	acct, err := s.svc.Accounts.Connect(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, acct.Redacted())
}

func (s *Server) handleListAccounts(c *gin.Context) {
	list := s.svc.Accounts.List()
	out := make([]models.TradingAccount, 0, len(list))
	for i := range list {
		out = append(out, list[i].Redacted())
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetAccount(c *gin.Context) {
	acct, err := s.svc.Accounts.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct.Redacted())
}

func (s *Server) handleDisconnect(c *gin.Context) {
	if err := s.svc.Accounts.Disconnect(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSync(c *gin.Context) {
	acct, err := s.svc.Accounts.SyncBalances(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct.Redacted())
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.svc.Accounts.Positions(c.Request.Context(), c.Param("id"), s.svc.Orders.EntryPrice)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) handleRiskMetrics(c *gin.Context) {
	m, err := s.svc.Risk.Metrics(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req models.OrderRequest
	if !s.bind(c, &req) {
		return
	}
	o, err := s.svc.Orders.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (s *Server) handleListOrders(c *gin.Context) {
	filter := models.OrderFilter{
		AccountID:     c.Query("account_id"),
		Symbol:        strings.ToUpper(c.Query("symbol")),
		Status:        models.OrderStatus(strings.ToLower(c.Query("status"))),
		ParentOrderID: c.Query("parent_order_id"),
	}
	c.JSON(http.StatusOK, s.svc.Orders.List(filter))
}

func (s *Server) handleGetOrder(c *gin.Context) {
	o, err := s.svc.Orders.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	o, err := s.svc.Orders.CancelOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleSubmitAlgo(c *gin.Context) {
	var req models.AlgoOrderRequest
	if !s.bind(c, &req) {
		return
	}
	o, err := s.svc.Algos.Submit(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (s *Server) handleListAlgos(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Algos.List(c.Query("account_id")))
}

func (s *Server) handleGetAlgo(c *gin.Context) {
	o, err := s.svc.Algos.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleCancelAlgo(c *gin.Context) {
	o, err := s.svc.Algos.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Risk.Policy())
}

func (s *Server) handleUpdatePolicy(c *gin.Context) {
	var p models.RiskPolicy
	if !s.bind(c, &p) {
		return
	}
	if err := s.svc.Risk.UpdatePolicy(p); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.Risk.Policy())
}

func (s *Server) handleAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Risk.Alerts(c.Query("account_id")))
}

func (s *Server) handleOpportunities(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Arbitrage.Opportunities())
}

func (s *Server) handleExecutions(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Arbitrage.Executions())
}

func (s *Server) handleGetStrategy(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Arbitrage.Strategy())
}

type strategyRequest struct {
	IsActive    bool            `json:"is_active"`
	TradeAmount decimal.Decimal `json:"trade_amount"`
}

func (s *Server) handleSetStrategy(c *gin.Context) {
	var req strategyRequest
	if !s.bind(c, &req) {
		return
	}
	st, err := s.svc.Arbitrage.SetStrategy(req.IsActive, req.TradeAmount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handlePrices(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Feed.Snapshot())
}

func (s *Server) handlePrice(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	c.JSON(http.StatusOK, s.svc.Feed.GetPrice(c.Request.Context(), symbol))
}
