package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hedge-core/internal/engine"
	"hedge-core/internal/events"
	"hedge-core/internal/gateway"
	"hedge-core/internal/journal"
	"hedge-core/internal/monitor"
	"hedge-core/internal/reconciliation"
	"hedge-core/internal/strategy"
	"hedge-core/pkg/i18n"
)

// Server wires HTTP endpoints around the strategy manager.
type Server struct {
	Router      *gin.Engine
	Engine      engine.Service
	Platforms   *gateway.Registry
	Credentials *gateway.CredentialStore
	Reconciler  *reconciliation.Service
	Journal     *journal.Journal
	Bus         *events.Bus
	Metrics     *monitor.Metrics
	Strategies  *strategy.Registry
	Meta        SystemMeta

	limiters *ipLimiters
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// Deps are the components the API drives. Reconciler, Journal, Bus and
// Metrics may be nil; their endpoints then report the feature as missing.
type Deps struct {
	Engine      engine.Service
	Platforms   *gateway.Registry
	Credentials *gateway.CredentialStore
	Reconciler  *reconciliation.Service
	Journal     *journal.Journal
	Bus         *events.Bus
	Metrics     *monitor.Metrics
	Strategies  *strategy.Registry
	Meta        SystemMeta
}

// Options tune the middleware stack.
type Options struct {
	RequestTimeout time.Duration
	// RateLimitRPS is the per-IP request budget; 0 disables limiting.
	RateLimitRPS float64
	RateBurst    int
	CORSOrigins  []string
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

func NewServer(deps Deps, opts Options) *Server {
	r := gin.New()

	s := &Server{
		Router:      r,
		Engine:      deps.Engine,
		Platforms:   deps.Platforms,
		Credentials: deps.Credentials,
		Reconciler:  deps.Reconciler,
		Journal:     deps.Journal,
		Bus:         deps.Bus,
		Metrics:     deps.Metrics,
		Strategies:  deps.Strategies,
		Meta:        deps.Meta,
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(s.Metrics))
	if opts.RateLimitRPS > 0 {
		s.limiters = newIPLimiters(opts.RateLimitRPS, opts.RateBurst)
		r.Use(RateLimitMiddleware(s.limiters))
	}
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(CORSMiddleware(opts.CORSOrigins))

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	api.GET("/system/status", s.getSystemStatus)
	api.GET("/strategies", s.getStrategies)
	api.GET("/prices", s.getPrices)
	api.GET("/platforms", s.getPlatformHealth)

	acct := api.Group("/accounts/:account")
	{
		acct.POST("/instances", s.createInstance)
		acct.GET("/instances", s.listInstances)
		acct.GET("/instances/:id", s.getInstance)
		acct.DELETE("/instances/:id", s.deleteInstance)
		acct.POST("/instances/:id/start", s.startInstance)
		acct.POST("/instances/:id/stop", s.stopInstance)
		acct.POST("/instances/:id/force-close", s.forceClose)
		acct.GET("/instances/:id/position", s.getPosition)
		acct.GET("/instances/:id/orders", s.getOrders)

		acct.POST("/platforms", s.registerPlatform)
		acct.GET("/platforms", s.listPlatforms)
		acct.POST("/platforms/:platform/test", s.testPlatform)
		acct.DELETE("/platforms/:platform", s.removePlatform)

		acct.POST("/state/backups", s.createBackup)
		acct.GET("/state/backups", s.listBackups)
		acct.POST("/state/restore", s.restoreState)

		acct.GET("/reconcile", s.reconcile)
		acct.GET("/events", s.listEvents)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	accounts := s.Engine.Accounts()
	counts := make(map[string]int)
	total := 0
	for _, account := range accounts {
		for _, inst := range s.Engine.ListInstances(account) {
			counts[string(inst.Status)]++
			total++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"version":    s.Meta.Version,
		"language":   i18n.GetLanguage(),
		"started_at": s.Meta.StartedAt,
		"uptime_sec": int64(time.Since(s.Meta.StartedAt).Seconds()),
		"accounts":   accounts,
		"instances":  total,
		"by_status":  counts,
		"metrics":    s.Metrics.GetSnapshot(),
	})
}

func (s *Server) getStrategies(c *gin.Context) {
	type strategyInfo struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	var out []strategyInfo
	for _, name := range s.Strategies.Names() {
		def, _ := s.Strategies.Lookup(name)
		out = append(out, strategyInfo{Name: name, Description: def.Description})
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out})
}

func (s *Server) getPrices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"prices": s.Engine.Prices()})
}

// HTTPServer returns the server for addr. Background upkeep of the
// middleware stops when ctx is done.
func (s *Server) HTTPServer(ctx context.Context, addr string) *http.Server {
	if s.limiters != nil {
		go s.limiters.run(ctx)
	}
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
