package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"cascadeflow/config"
	"cascadeflow/internal/metrics"
	"cascadeflow/internal/models"
	"cascadeflow/logger"
)

// CascadeSource provides the latest per-symbol cascade evaluations.
type CascadeSource interface {
	Metrics() []models.CascadeMetrics
}

// MarketSource provides aggregated open interest across exchanges.
type MarketSource interface {
	Aggregates() []models.OIAggregate
}

// VolumeSource provides per-symbol volume classifications.
type VolumeSource interface {
	Statuses() []models.VolumeStatus
}

// AlertSource exposes the dispatcher's delivery audit trail.
type AlertSource interface {
	Delivered() []models.Alert
	Undelivered() []models.Alert
}

// SnapshotSource provides recent raw open-interest observations.
type SnapshotSource interface {
	Recent() []models.OISnapshot
}

// Sources bundles the live data feeds rendered by the dashboard. Any nil
// source simply yields an empty payload for its endpoint.
type Sources struct {
	Cascade   CascadeSource
	Market    MarketSource
	Volume    VolumeSource
	Alerts    AlertSource
	Snapshots SnapshotSource
}

// Server hosts the Gin-powered JSON monitoring endpoints for the pipeline.
type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	sources       Sources
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, sources Sources) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Listen = normalizeAddress(cfg.Listen)

	if cfg.History <= 0 {
		cfg.History = 200
	}

	metricStore := newMetricStore(cfg.History)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.History)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		log:           log,
		sources:       sources,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: handlerID,
	}, nil
}

// Run starts the dashboard HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"listen": s.cfg.Listen,
	}).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Listen
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	// Allow running behind load balancers by trusting all proxies by
	// default. The GIN_TRUSTED_PROXIES environment variable overrides
	// Gin's trusted proxy list when needed.
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339Nano)})
	})

	router.GET("/api/cascade", func(c *gin.Context) {
		payload := []models.CascadeMetrics{}
		if s.sources.Cascade != nil {
			payload = s.sources.Cascade.Metrics()
		}
		c.JSON(http.StatusOK, gin.H{"cascade": payload})
	})

	router.GET("/api/oi", func(c *gin.Context) {
		aggregates := []models.OIAggregate{}
		if s.sources.Market != nil {
			aggregates = s.sources.Market.Aggregates()
		}
		payload := make([]gin.H, 0, len(aggregates))
		for _, agg := range aggregates {
			payload = append(payload, gin.H{
				"symbol":           agg.Symbol,
				"total_tokens":     agg.TotalTokens,
				"total_usd":        agg.TotalUsd,
				"avg_funding_rate": agg.AvgFundingRate,
				"exchanges":        agg.Exchanges,
				"partial_coverage": agg.PartialCoverage,
				"timestamp":        agg.Timestamp.Format(time.RFC3339Nano),
			})
		}
		c.JSON(http.StatusOK, gin.H{"open_interest": payload})
	})

	router.GET("/api/oi/raw", func(c *gin.Context) {
		snapshots := []models.OISnapshot{}
		if s.sources.Snapshots != nil {
			snapshots = s.sources.Snapshots.Recent()
		}
		payload := make([]gin.H, 0, len(snapshots))
		for _, snap := range snapshots {
			payload = append(payload, gin.H{
				"exchange":        snap.Exchange,
				"symbol":          snap.Symbol,
				"market_type":     string(snap.MarketType),
				"oi_tokens":       snap.OpenInterestTokens,
				"oi_usd":          snap.OpenInterestUsd,
				"funding_rate":    snap.FundingRate,
				"reference_price": snap.ReferencePrice,
				"timestamp":       snap.Timestamp.Format(time.RFC3339Nano),
			})
		}
		c.JSON(http.StatusOK, gin.H{"snapshots": payload})
	})

	router.GET("/api/volume", func(c *gin.Context) {
		payload := []models.VolumeStatus{}
		if s.sources.Volume != nil {
			payload = s.sources.Volume.Statuses()
		}
		c.JSON(http.StatusOK, gin.H{"volume": payload})
	})

	router.GET("/api/alerts", func(c *gin.Context) {
		delivered := []models.Alert{}
		undelivered := []models.Alert{}
		if s.sources.Alerts != nil {
			delivered = s.sources.Alerts.Delivered()
			undelivered = s.sources.Alerts.Undelivered()
		}
		c.JSON(http.StatusOK, gin.H{
			"delivered":   alertPayload(delivered),
			"undelivered": alertPayload(undelivered),
		})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		logsSnapshot := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	return router, nil
}

func alertPayload(alerts []models.Alert) []gin.H {
	payload := make([]gin.H, 0, len(alerts))
	for _, a := range alerts {
		payload = append(payload, gin.H{
			"id":         a.ID,
			"symbol":     a.Symbol,
			"kind":       string(a.Kind),
			"level":      a.Level.String(),
			"priority":   a.Priority.String(),
			"message":    a.Message,
			"attempts":   a.Attempts,
			"created_at": a.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	return payload
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
