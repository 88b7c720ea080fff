package portal

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/MeshPortal/internal/auth"
	"github.com/jmerrifield20/MeshPortal/internal/pubsub"
	"github.com/jmerrifield20/MeshPortal/internal/store"
)

// GetAccount handles GET /account.
func (a *API) GetAccount(c *gin.Context) {
	sub := subjectFrom(c)
	c.JSON(http.StatusOK, gin.H{"account": sub.Account})
}

// UpdateAccountConfig handles PUT /account/config. Connected client
// sessions of the account re-push their interface on the resulting
// config_changed event.
func (a *API) UpdateAccountConfig(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapAccountManage) {
		return
	}

	var req struct {
		UpstreamDNS []string             `json:"upstream_dns"`
		Features    store.AccountFeatures `json:"features"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := a.stores.Accounts.UpdateConfig(ctx, sub.Account.ID, req.UpstreamDNS, req.Features); err != nil {
		a.storeFailure(c, err)
		return
	}
	a.publishChange(ctx, sub.Account.ID, pubsub.KindConfigChanged, struct{}{})

	account, err := a.stores.Accounts.GetByID(ctx, sub.Account.ID)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}

// CreateActor handles POST /actors. Minting a role the caller could
// not hold itself is refused as privilege escalation.
func (a *API) CreateActor(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapActorsManage) {
		return
	}

	var req struct {
		Type store.ActorType `json:"type"`
		Role store.ActorRole `json:"role"`
		Name string          `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if err := auth.CheckPrivilegeEscalation(sub, req.Role); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	actor := &store.Actor{
		AccountID: sub.Account.ID,
		Type:      req.Type,
		Role:      req.Role,
		Name:      req.Name,
	}
	if err := a.stores.Actors.Create(c.Request.Context(), actor); err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"actor": actor})
}

// ListActors handles GET /actors.
func (a *API) ListActors(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapActorsManage) {
		return
	}
	actors, err := a.stores.Actors.List(c.Request.Context(), sub.Account.ID)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actors": actors})
}

// GetActor handles GET /actors/:id.
func (a *API) GetActor(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapActorsManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	actor, err := a.stores.Actors.GetByID(c.Request.Context(), sub.Account.ID, id)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actor": actor})
}

// UpdateActorRole handles PUT /actors/:id/role. Demoting the last
// enabled admin fails; promotions are gated by privilege escalation.
func (a *API) UpdateActorRole(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapActorsManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Role store.ActorRole `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := auth.CheckPrivilegeEscalation(sub, req.Role); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	actor, err := a.stores.Actors.UpdateRole(c.Request.Context(), sub.Account.ID, id, req.Role)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actor": actor})
}

// DisableActor handles POST /actors/:id/disable. All of the actor's
// credentials are revoked and their sessions told to close.
func (a *API) DisableActor(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapActorsManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	actor, err := a.stores.Actors.Disable(ctx, sub.Account.ID, id)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	a.revokeActorSessions(c, sub.Account.ID, id)
	c.JSON(http.StatusOK, gin.H{"actor": actor})
}

// EnableActor handles POST /actors/:id/enable.
func (a *API) EnableActor(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapActorsManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	actor, err := a.stores.Actors.Enable(c.Request.Context(), sub.Account.ID, id)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actor": actor})
}

// DeleteActor handles DELETE /actors/:id. Like disable, plus the row
// is gone for good.
func (a *API) DeleteActor(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapActorsManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	actor, err := a.stores.Actors.Delete(c.Request.Context(), sub.Account.ID, id)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	a.revokeActorSessions(c, sub.Account.ID, id)
	c.JSON(http.StatusOK, gin.H{"actor": actor})
}

// revokeActorSessions revokes every credential of an actor and
// disconnects the sessions riding them.
func (a *API) revokeActorSessions(c *gin.Context, accountID, actorID uuid.UUID) {
	ctx := c.Request.Context()
	revoked, err := a.stores.Tokens.RevokeForActor(ctx, accountID, actorID)
	if err != nil {
		a.logger.Error("revoke actor tokens",
			zap.String("actor_id", actorID.String()), zap.Error(err))
		return
	}
	for _, tokenID := range revoked {
		a.disconnectToken(ctx, tokenID)
	}
}

// ListActorClients handles GET /actors/:id/clients.
func (a *API) ListActorClients(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapActorsManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	clients, err := a.stores.Clients.ListByActor(c.Request.Context(), sub.Account.ID, id)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients})
}

// ListClients handles GET /clients.
func (a *API) ListClients(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapActorsManage, auth.CapAccountManage) {
		return
	}
	clients, err := a.stores.Clients.List(c.Request.Context(), sub.Account.ID)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients})
}

// CreateToken handles POST /tokens. The encoded credential appears in
// the response exactly once; only its hash is stored.
func (a *API) CreateToken(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapTokensManage) {
		return
	}

	var req struct {
		Kind           store.TokenKind `json:"kind"`
		ActorID        *uuid.UUID      `json:"actor_id"`
		GatewayGroupID *uuid.UUID      `json:"gateway_group_id"`
		RelayGroupID   *uuid.UUID      `json:"relay_group_id"`
		ExpiresAt      *time.Time      `json:"expires_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch req.Kind {
	case store.TokenKindClient, store.TokenKindAPI:
		if req.ActorID == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "actor_id is required"})
			return
		}
	case store.TokenKindGatewayGroup:
		if req.GatewayGroupID == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "gateway_group_id is required"})
			return
		}
	case store.TokenKindRelayGroup:
		if req.RelayGroupID == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "relay_group_id is required"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown token kind"})
		return
	}

	generated, err := auth.GenerateToken()
	if err != nil {
		a.logger.Error("generate token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	token := &store.Token{
		ID:             generated.ID,
		AccountID:      sub.Account.ID,
		Kind:           req.Kind,
		Hash:           &generated.Hash,
		ActorID:        req.ActorID,
		GatewayGroupID: req.GatewayGroupID,
		RelayGroupID:   req.RelayGroupID,
	}
	if req.ExpiresAt != nil {
		token.ExpiresAt = *req.ExpiresAt
	}
	if err := a.stores.Tokens.Create(c.Request.Context(), token); err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "encoded": generated.Encoded})
}

// ListTokens handles GET /tokens.
func (a *API) ListTokens(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapTokensManage) {
		return
	}
	tokens, err := a.stores.Tokens.ListByAccount(c.Request.Context(), sub.Account.ID)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

// RevokeToken handles DELETE /tokens/:id. Sessions authenticated by
// the credential are told to close.
func (a *API) RevokeToken(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapTokensManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := a.stores.Tokens.Revoke(ctx, sub.Account.ID, id); err != nil {
		a.storeFailure(c, err)
		return
	}
	a.disconnectToken(ctx, id)
	c.JSON(http.StatusOK, gin.H{"revoked": id})
}
