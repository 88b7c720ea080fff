package portal

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/jmerrifield20/MeshPortal/internal/auth"
	"github.com/jmerrifield20/MeshPortal/internal/pubsub"
	"github.com/jmerrifield20/MeshPortal/internal/store"
	"github.com/jmerrifield20/MeshPortal/internal/wire"
)

// subjectKey is where the auth middleware parks the resolved Subject.
const subjectKey = "portal_subject"

// API is the authenticated REST surface operators and portalctl talk
// to. Every mutation that affects what connected sessions may see
// publishes a change event on the account's events topic.
type API struct {
	stores Stores
	authn  *auth.Authenticator
	bus    pubsub.Publisher
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewAPI creates the REST handler set.
func NewAPI(stores Stores, authn *auth.Authenticator, bus pubsub.Publisher, clock clockwork.Clock, logger *zap.Logger) *API {
	return &API{stores: stores, authn: authn, bus: bus, clock: clock, logger: logger}
}

// Register mounts all routes on the group. Everything requires a
// bearer token; per-route capability checks happen in the handlers.
func (a *API) Register(rg *gin.RouterGroup) {
	rg.Use(a.requireAuth())

	rg.GET("/account", a.GetAccount)
	rg.PUT("/account/config", a.UpdateAccountConfig)

	actors := rg.Group("/actors")
	{
		actors.POST("", a.CreateActor)
		actors.GET("", a.ListActors)
		actors.GET("/:id", a.GetActor)
		actors.PUT("/:id/role", a.UpdateActorRole)
		actors.POST("/:id/disable", a.DisableActor)
		actors.POST("/:id/enable", a.EnableActor)
		actors.DELETE("/:id", a.DeleteActor)
		actors.GET("/:id/clients", a.ListActorClients)
	}

	groups := rg.Group("/groups")
	{
		groups.POST("", a.CreateGroup)
		groups.GET("", a.ListGroups)
		groups.DELETE("/:id", a.DeleteGroup)
		groups.PUT("/:id/actors/:actor_id", a.AddGroupMember)
		groups.DELETE("/:id/actors/:actor_id", a.RemoveGroupMember)
	}

	resources := rg.Group("/resources")
	{
		resources.POST("", a.CreateResource)
		resources.GET("", a.ListResources)
		resources.GET("/:id", a.GetResource)
		resources.PUT("/:id", a.UpdateResource)
		resources.DELETE("/:id", a.DeleteResource)
	}

	policies := rg.Group("/policies")
	{
		policies.POST("", a.CreatePolicy)
		policies.GET("", a.ListPolicies)
		policies.GET("/:id", a.GetPolicy)
		policies.PUT("/:id", a.UpdatePolicy)
		policies.POST("/:id/disable", a.DisablePolicy)
		policies.POST("/:id/enable", a.EnablePolicy)
		policies.DELETE("/:id", a.DeletePolicy)
	}

	gatewayGroups := rg.Group("/gateway_groups")
	{
		gatewayGroups.POST("", a.CreateGatewayGroup)
		gatewayGroups.GET("", a.ListGatewayGroups)
		gatewayGroups.DELETE("/:id", a.DeleteGatewayGroup)
	}
	rg.GET("/gateways", a.ListGateways)

	relayGroups := rg.Group("/relay_groups")
	{
		relayGroups.POST("", a.CreateRelayGroup)
		relayGroups.GET("", a.ListRelayGroups)
		relayGroups.DELETE("/:id", a.DeleteRelayGroup)
	}
	rg.GET("/relays", a.ListRelays)

	tokens := rg.Group("/tokens")
	{
		tokens.POST("", a.CreateToken)
		tokens.GET("", a.ListTokens)
		tokens.DELETE("/:id", a.RevokeToken)
	}

	rg.GET("/clients", a.ListClients)
	rg.GET("/flows", a.ListFlows)
}

// requireAuth resolves the bearer token into a Subject. The REST
// surface is for actor-backed credentials; group tokens that only
// authenticate sockets are refused.
func (a *API) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": wire.ReasonUnauthorized})
			return
		}
		encoded := strings.TrimPrefix(header, "Bearer ")
		subject, err := a.authn.Authenticate(c.Request.Context(), encoded, authContext(c))
		if err != nil {
			status, reason := authFailure(err)
			c.AbortWithStatusJSON(status, gin.H{"error": reason})
			return
		}
		if subject.Actor == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": wire.ReasonForbidden})
			return
		}
		c.Set(subjectKey, subject)
		c.Next()
	}
}

// authFailure maps authentication errors to HTTP refusals.
func authFailure(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, wire.ReasonTokenExpired
	case errors.Is(err, auth.ErrDisabled):
		return http.StatusForbidden, wire.ReasonDisabled
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusUnauthorized, wire.ReasonUnauthorized
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, wire.ReasonUnauthorized
	default:
		return http.StatusInternalServerError, wire.ReasonRetryLater
	}
}

// subjectFrom returns the Subject requireAuth resolved.
func subjectFrom(c *gin.Context) *auth.Subject {
	return c.MustGet(subjectKey).(*auth.Subject)
}

// authorize enforces capabilities and writes the refusal when the
// subject lacks all of them.
func (a *API) authorize(c *gin.Context, sub *auth.Subject, oneOf ...auth.Capability) bool {
	if err := auth.Authorize(sub, oneOf...); err != nil {
		var unauthorized *auth.UnauthorizedError
		if errors.As(err, &unauthorized) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":               wire.ReasonUnauthorized,
				"missing_permissions": unauthorized.Missing,
			})
			return false
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": wire.ReasonForbidden})
		return false
	}
	return true
}

// pathID parses a uuid path parameter.
func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// storeFailure writes the HTTP translation of a repository error.
func (a *API) storeFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": wire.ReasonNotFound})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, store.ErrCantDisableLastAdmin),
		errors.Is(err, store.ErrCantDeleteLastAdmin),
		errors.Is(err, store.ErrCantDemoteLastAdmin):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		a.logger.Error("store operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// publishChange fans a change event out to the account's sessions.
func (a *API) publishChange(ctx context.Context, accountID uuid.UUID, kind string, payload any) {
	a.bus.Publish(ctx, pubsub.NewEvent(pubsub.EventsTopic(accountID), kind, payload))
}

// disconnectToken orders every session riding a credential to close.
func (a *API) disconnectToken(ctx context.Context, tokenID uuid.UUID) {
	a.bus.Publish(ctx, pubsub.NewEvent(pubsub.TokenTopic(tokenID), pubsub.KindDisconnect,
		pubsub.Disconnect{Reason: wire.DisconnectShutdown}))
}
