// Package portal assembles the HTTP surface of the control plane: the
// websocket endpoints clients, gateways and relays connect to, the
// authenticated REST API operators mutate state through, and the
// middleware both share.
package portal

import (
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/jmerrifield20/MeshPortal/internal/auth"
	"github.com/jmerrifield20/MeshPortal/internal/session"
	"github.com/jmerrifield20/MeshPortal/internal/store"
)

// Config carries the server knobs resolved from viper in cmd/portal.
type Config struct {
	CORSOrigins  []string
	RateLimitRPS int
	IPv4Pool     netip.Prefix
	IPv6Pool     netip.Prefix
}

// Stores bundles the repositories the portal reads and writes.
type Stores struct {
	Accounts      *store.AccountRepository
	Actors        *store.ActorRepository
	Identities    *store.IdentityRepository
	Groups        *store.GroupRepository
	Resources     *store.ResourceRepository
	Policies      *store.PolicyRepository
	Clients       *store.ClientRepository
	Gateways      *store.GatewayRepository
	GatewayGroups *store.GatewayGroupRepository
	Relays        *store.RelayRepository
	RelayGroups   *store.RelayGroupRepository
	Tokens        *store.TokenRepository
	Flows         *store.FlowRepository
	Addresses     *store.AddressRepository
}

// Server owns the gin engine and hands accepted sockets to sessions.
type Server struct {
	cfg      Config
	stores   Stores
	authn    *auth.Authenticator
	deps     session.Deps
	clock    clockwork.Clock
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer wires the HTTP surface. deps is the shared session
// dependency bundle; its Bus is also where REST mutations publish
// their change events.
func NewServer(cfg Config, stores Stores, authn *auth.Authenticator, deps session.Deps, clock clockwork.Clock, logger *zap.Logger) *Server {
	if !cfg.IPv4Pool.IsValid() {
		cfg.IPv4Pool = store.TunnelIPv4Pool
	}
	if !cfg.IPv6Pool.IsValid() {
		cfg.IPv6Pool = store.TunnelIPv6Pool
	}
	return &Server{
		cfg:    cfg,
		stores: stores,
		authn:  authn,
		deps:   deps,
		clock:  clock,
		logger: logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// Agents connect from anywhere; bearer tokens carry the
			// authentication, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the full route table.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     s.cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(s.cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}
	if len(s.cfg.CORSOrigins) > 0 {
		router.Use(cors.New(corsConfig))
	}

	router.Use(SecurityHeaders())

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if s.cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitRPS*2))
	}

	router.Use(RequestLogger(s.logger))
	router.Use(PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", MetricsHandler())

	// Websocket endpoints. Authentication happens in the handlers so
	// refusals carry wire reasons instead of generic 401s.
	router.GET("/client", s.HandleClientWS)
	router.GET("/gateway", s.HandleGatewayWS)
	router.GET("/relay", s.HandleRelayWS)

	api := NewAPI(s.stores, s.authn, s.deps.Bus, s.clock, s.logger)
	api.Register(router.Group("/v1"))

	return router
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
