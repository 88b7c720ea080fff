package portal

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jmerrifield20/MeshPortal/internal/auth"
	"github.com/jmerrifield20/MeshPortal/internal/store"
)

// CreateGatewayGroup handles POST /gateway_groups.
func (a *API) CreateGatewayGroup(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapGatewaysManage) {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	group := &store.GatewayGroup{AccountID: sub.Account.ID, Name: req.Name}
	if err := a.stores.GatewayGroups.Create(c.Request.Context(), group); err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"gateway_group": group})
}

// ListGatewayGroups handles GET /gateway_groups.
func (a *API) ListGatewayGroups(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapGatewaysManage) {
		return
	}
	groups, err := a.stores.GatewayGroups.List(c.Request.Context(), sub.Account.ID)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gateway_groups": groups})
}

// DeleteGatewayGroup handles DELETE /gateway_groups/:id.
func (a *API) DeleteGatewayGroup(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapGatewaysManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := a.stores.GatewayGroups.SoftDelete(c.Request.Context(), sub.Account.ID, id); err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// ListGateways handles GET /gateways.
func (a *API) ListGateways(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapGatewaysManage) {
		return
	}
	gateways, err := a.stores.Gateways.List(c.Request.Context(), sub.Account.ID)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gateways": gateways})
}

// CreateRelayGroup handles POST /relay_groups. Groups created through
// the account-scoped API are always dedicated to that account; the
// global pool is seeded operationally.
func (a *API) CreateRelayGroup(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapRelaysManage) {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if !sub.Account.Features.SelfHostedRelays {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "disabled"})
		return
	}

	accountID := sub.Account.ID
	group := &store.RelayGroup{AccountID: &accountID, Name: req.Name}
	if err := a.stores.RelayGroups.Create(c.Request.Context(), group); err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"relay_group": group})
}

// ListRelayGroups handles GET /relay_groups.
func (a *API) ListRelayGroups(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapRelaysManage) {
		return
	}
	groups, err := a.stores.RelayGroups.List(c.Request.Context(), sub.Account.ID)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relay_groups": groups})
}

// DeleteRelayGroup handles DELETE /relay_groups/:id. Account scoping
// is enforced by lookup; the global pool cannot be deleted here.
func (a *API) DeleteRelayGroup(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapRelaysManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	group, err := a.stores.RelayGroups.GetByID(ctx, id)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	if group.AccountID == nil || *group.AccountID != sub.Account.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err := a.stores.RelayGroups.SoftDelete(ctx, id); err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// ListRelays handles GET /relays.
func (a *API) ListRelays(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapRelaysManage) {
		return
	}
	relays, err := a.stores.Relays.ListByAccount(c.Request.Context(), sub.Account.ID)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relays": relays})
}

// ListFlows handles GET /flows. Optional ?client_id= narrows to one
// device; ?limit= caps the page (default 100).
func (a *API) ListFlows(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapAccountManage) {
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	var (
		flows []*store.Flow
		err   error
	)
	if raw := c.Query("client_id"); raw != "" {
		clientID, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client_id"})
			return
		}
		flows, err = a.stores.Flows.ListByClient(c.Request.Context(), sub.Account.ID, clientID, limit)
	} else {
		flows, err = a.stores.Flows.ListByAccount(c.Request.Context(), sub.Account.ID, limit)
	}
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flows": flows})
}
