package portal

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jmerrifield20/MeshPortal/internal/auth"
	"github.com/jmerrifield20/MeshPortal/internal/policy"
	"github.com/jmerrifield20/MeshPortal/internal/pubsub"
	"github.com/jmerrifield20/MeshPortal/internal/store"
)

// CreateGroup handles POST /groups.
func (a *API) CreateGroup(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapGroupsManage) {
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

	group := &store.Group{AccountID: sub.Account.ID, Name: req.Name}
	if err := a.stores.Groups.Create(c.Request.Context(), group); err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"group": group})
}

// ListGroups handles GET /groups.
func (a *API) ListGroups(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapGroupsManage) {
		return
	}
	groups, err := a.stores.Groups.List(c.Request.Context(), sub.Account.ID)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// DeleteGroup handles DELETE /groups/:id.
func (a *API) DeleteGroup(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapGroupsManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := a.stores.Groups.SoftDelete(c.Request.Context(), sub.Account.ID, id); err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// AddGroupMember handles PUT /groups/:id/actors/:actor_id. Connected
// sessions of the actor re-derive their visible resources on the
// membership event.
func (a *API) AddGroupMember(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapGroupsManage) {
		return
	}
	groupID, ok := pathID(c, "id")
	if !ok {
		return
	}
	actorID, ok := pathID(c, "actor_id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := a.stores.Groups.AddMember(ctx, sub.Account.ID, groupID, actorID); err != nil {
		a.storeFailure(c, err)
		return
	}
	a.publishChange(ctx, sub.Account.ID, pubsub.KindMembershipAdded,
		pubsub.MembershipChange{GroupID: groupID, ActorID: actorID})
	c.JSON(http.StatusOK, gin.H{"group_id": groupID, "actor_id": actorID})
}

// RemoveGroupMember handles DELETE /groups/:id/actors/:actor_id.
func (a *API) RemoveGroupMember(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapGroupsManage) {
		return
	}
	groupID, ok := pathID(c, "id")
	if !ok {
		return
	}
	actorID, ok := pathID(c, "actor_id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := a.stores.Groups.RemoveMember(ctx, sub.Account.ID, groupID, actorID); err != nil {
		a.storeFailure(c, err)
		return
	}
	a.publishChange(ctx, sub.Account.ID, pubsub.KindMembershipRemoved,
		pubsub.MembershipChange{GroupID: groupID, ActorID: actorID})
	c.JSON(http.StatusOK, gin.H{"group_id": groupID, "actor_id": actorID})
}

// resourceRequest is the write shape shared by create and update.
type resourceRequest struct {
	Type               store.ResourceType `json:"type"`
	Name               string             `json:"name"`
	Address            string             `json:"address"`
	AddressDescription string             `json:"address_description"`
	Filters            []store.Filter     `json:"filters"`
	GatewayGroupIDs    []uuid.UUID        `json:"gateway_group_ids"`
}

func (r resourceRequest) validate() string {
	switch r.Type {
	case store.ResourceTypeDNS, store.ResourceTypeCIDR, store.ResourceTypeIP:
	default:
		return "unknown resource type"
	}
	if r.Name == "" || r.Address == "" {
		return "name and address are required"
	}
	if len(r.GatewayGroupIDs) == 0 {
		return "at least one gateway group is required"
	}
	return ""
}

func (r resourceRequest) apply(res *store.Resource) {
	res.Type = r.Type
	res.Name = r.Name
	res.Address = r.Address
	res.AddressDescription = r.AddressDescription
	res.Filters = r.Filters
	res.GatewayGroups = make([]store.GatewayGroup, len(r.GatewayGroupIDs))
	for i, id := range r.GatewayGroupIDs {
		res.GatewayGroups[i] = store.GatewayGroup{ID: id}
	}
}

// CreateResource handles POST /resources.
func (a *API) CreateResource(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapResourcesManage) {
		return
	}

	var req resourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	res := &store.Resource{AccountID: sub.Account.ID}
	req.apply(res)

	ctx := c.Request.Context()
	if err := a.stores.Resources.Create(ctx, res); err != nil {
		a.storeFailure(c, err)
		return
	}
	a.publishChange(ctx, sub.Account.ID, pubsub.KindResourceCreatedOrUpdated,
		pubsub.ResourceChange{ResourceID: res.ID})
	c.JSON(http.StatusCreated, gin.H{"resource": res})
}

// ListResources handles GET /resources.
func (a *API) ListResources(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapResourcesManage, auth.CapResourcesView) {
		return
	}
	resources, err := a.stores.Resources.List(c.Request.Context(), sub.Account.ID)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resources": resources})
}

// GetResource handles GET /resources/:id.
func (a *API) GetResource(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapResourcesManage, auth.CapResourcesView) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	res, err := a.stores.Resources.GetByID(c.Request.Context(), sub.Account.ID, id)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resource": res})
}

// UpdateResource handles PUT /resources/:id.
func (a *API) UpdateResource(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapResourcesManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req resourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	res := &store.Resource{ID: id, AccountID: sub.Account.ID}
	req.apply(res)

	ctx := c.Request.Context()
	if err := a.stores.Resources.Update(ctx, res); err != nil {
		a.storeFailure(c, err)
		return
	}
	a.publishChange(ctx, sub.Account.ID, pubsub.KindResourceCreatedOrUpdated,
		pubsub.ResourceChange{ResourceID: id})
	c.JSON(http.StatusOK, gin.H{"resource": res})
}

// DeleteResource handles DELETE /resources/:id. Clients lose the
// resource through the deltas the event triggers.
func (a *API) DeleteResource(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapResourcesManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := a.stores.Resources.SoftDelete(ctx, sub.Account.ID, id); err != nil {
		a.storeFailure(c, err)
		return
	}
	a.publishChange(ctx, sub.Account.ID, pubsub.KindResourceDeleted,
		pubsub.ResourceChange{ResourceID: id})
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// policyRequest is the write shape shared by create and update.
type policyRequest struct {
	ActorGroupID uuid.UUID          `json:"actor_group_id"`
	ResourceID   uuid.UUID          `json:"resource_id"`
	Description  string             `json:"description"`
	Conditions   []policy.Condition `json:"conditions"`
}

func (r policyRequest) validate() string {
	if r.ActorGroupID == uuid.Nil || r.ResourceID == uuid.Nil {
		return "actor_group_id and resource_id are required"
	}
	for _, cond := range r.Conditions {
		if err := policy.Validate(cond); err != nil {
			return err.Error()
		}
	}
	return ""
}

// CreatePolicy handles POST /policies. A second enabled policy for the
// same (group, resource) pair is a conflict.
func (a *API) CreatePolicy(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapPoliciesManage) {
		return
	}

	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	p := &store.Policy{
		AccountID:    sub.Account.ID,
		ActorGroupID: req.ActorGroupID,
		ResourceID:   req.ResourceID,
		Description:  req.Description,
		Conditions:   req.Conditions,
	}
	ctx := c.Request.Context()
	if err := a.stores.Policies.Create(ctx, p); err != nil {
		a.storeFailure(c, err)
		return
	}
	a.publishChange(ctx, sub.Account.ID, pubsub.KindPolicyCreated, policyChange(p))
	c.JSON(http.StatusCreated, gin.H{"policy": p})
}

// ListPolicies handles GET /policies.
func (a *API) ListPolicies(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapPoliciesManage) {
		return
	}
	policies, err := a.stores.Policies.List(c.Request.Context(), sub.Account.ID)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies})
}

// GetPolicy handles GET /policies/:id.
func (a *API) GetPolicy(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapPoliciesManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	p, err := a.stores.Policies.GetByID(c.Request.Context(), sub.Account.ID, id)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// UpdatePolicy handles PUT /policies/:id.
func (a *API) UpdatePolicy(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapPoliciesManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	p := &store.Policy{
		ID:           id,
		AccountID:    sub.Account.ID,
		ActorGroupID: req.ActorGroupID,
		ResourceID:   req.ResourceID,
		Description:  req.Description,
		Conditions:   req.Conditions,
	}
	ctx := c.Request.Context()
	if err := a.stores.Policies.Update(ctx, p); err != nil {
		a.storeFailure(c, err)
		return
	}
	a.publishChange(ctx, sub.Account.ID, pubsub.KindPolicyUpdated, policyChange(p))
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// DisablePolicy handles POST /policies/:id/disable. Sessions that only
// saw a resource through this policy drop it.
func (a *API) DisablePolicy(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapPoliciesManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	p, err := a.stores.Policies.Disable(ctx, sub.Account.ID, id)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	a.publishChange(ctx, sub.Account.ID, pubsub.KindPolicyDisabled, policyChange(p))
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// EnablePolicy handles POST /policies/:id/enable.
func (a *API) EnablePolicy(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapPoliciesManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	p, err := a.stores.Policies.Enable(ctx, sub.Account.ID, id)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	a.publishChange(ctx, sub.Account.ID, pubsub.KindPolicyEnabled, policyChange(p))
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// DeletePolicy handles DELETE /policies/:id.
func (a *API) DeletePolicy(c *gin.Context) {
	sub := subjectFrom(c)
	if !a.authorize(c, sub, auth.CapPoliciesManage) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	p, err := a.stores.Policies.GetByID(ctx, sub.Account.ID, id)
	if err != nil {
		a.storeFailure(c, err)
		return
	}
	if err := a.stores.Policies.SoftDelete(ctx, sub.Account.ID, id); err != nil {
		a.storeFailure(c, err)
		return
	}
	a.publishChange(ctx, sub.Account.ID, pubsub.KindPolicyDeleted, policyChange(p))
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func policyChange(p *store.Policy) pubsub.PolicyChange {
	return pubsub.PolicyChange{
		PolicyID:     p.ID,
		ResourceID:   p.ResourceID,
		ActorGroupID: p.ActorGroupID,
	}
}
