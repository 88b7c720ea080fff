// Package portalapi is the Go SDK for the portal's REST API. It wraps
// the /v1 surface with typed methods and surfaces portal refusals as
// *APIError values.
package portalapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIError is a non-2xx response from the portal.
type APIError struct {
	Status             int
	Reason             string
	MissingPermissions []string
}

func (e *APIError) Error() string {
	if len(e.MissingPermissions) > 0 {
		return fmt.Sprintf("portal returned %d: %s (missing %s)",
			e.Status, e.Reason, strings.Join(e.MissingPermissions, ", "))
	}
	return fmt.Sprintf("portal returned %d: %s", e.Status, e.Reason)
}

// Client talks to one portal with one credential.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client, overriding any TLS options.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Development only.
func WithInsecureSkipVerify() Option {
	return func(c *Client) {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 10 * time.Second,
		}
	}
}

// New creates a Client for the portal at baseURL authenticating with
// an api-kind token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Reason: strings.TrimSpace(string(raw))}
		var payload struct {
			Error              string   `json:"error"`
			MissingPermissions []string `json:"missing_permissions"`
		}
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			apiErr.Reason = payload.Error
			apiErr.MissingPermissions = payload.MissingPermissions
		}
		return apiErr
	}

	if respBody != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ── Account ──────────────────────────────────────────────────────────

func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	var out struct {
		Account *Account `json:"account"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/account", nil, &out)
	return out.Account, err
}

func (c *Client) UpdateAccountConfig(ctx context.Context, req AccountConfigRequest) (*Account, error) {
	var out struct {
		Account *Account `json:"account"`
	}
	err := c.do(ctx, http.MethodPut, "/v1/account/config", req, &out)
	return out.Account, err
}

// ── Actors ───────────────────────────────────────────────────────────

func (c *Client) ListActors(ctx context.Context) ([]Actor, error) {
	var out struct {
		Actors []Actor `json:"actors"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/actors", nil, &out)
	return out.Actors, err
}

func (c *Client) CreateActor(ctx context.Context, req CreateActorRequest) (*Actor, error) {
	var out struct {
		Actor *Actor `json:"actor"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/actors", req, &out)
	return out.Actor, err
}

func (c *Client) UpdateActorRole(ctx context.Context, id uuid.UUID, role string) (*Actor, error) {
	var out struct {
		Actor *Actor `json:"actor"`
	}
	req := struct {
		Role string `json:"role"`
	}{role}
	err := c.do(ctx, http.MethodPut, "/v1/actors/"+id.String()+"/role", req, &out)
	return out.Actor, err
}

func (c *Client) DisableActor(ctx context.Context, id uuid.UUID) (*Actor, error) {
	var out struct {
		Actor *Actor `json:"actor"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/actors/"+id.String()+"/disable", nil, &out)
	return out.Actor, err
}

func (c *Client) EnableActor(ctx context.Context, id uuid.UUID) (*Actor, error) {
	var out struct {
		Actor *Actor `json:"actor"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/actors/"+id.String()+"/enable", nil, &out)
	return out.Actor, err
}

func (c *Client) DeleteActor(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/v1/actors/"+id.String(), nil, nil)
}

func (c *Client) ListActorDevices(ctx context.Context, id uuid.UUID) ([]Device, error) {
	var out struct {
		Clients []Device `json:"clients"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/actors/"+id.String()+"/clients", nil, &out)
	return out.Clients, err
}

// ── Groups ───────────────────────────────────────────────────────────

func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	var out struct {
		Groups []Group `json:"groups"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/groups", nil, &out)
	return out.Groups, err
}

func (c *Client) CreateGroup(ctx context.Context, name string) (*Group, error) {
	var out struct {
		Group *Group `json:"group"`
	}
	req := struct {
		Name string `json:"name"`
	}{name}
	err := c.do(ctx, http.MethodPost, "/v1/groups", req, &out)
	return out.Group, err
}

func (c *Client) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/v1/groups/"+id.String(), nil, nil)
}

func (c *Client) AddGroupMember(ctx context.Context, groupID, actorID uuid.UUID) error {
	return c.do(ctx, http.MethodPut,
		"/v1/groups/"+groupID.String()+"/actors/"+actorID.String(), nil, nil)
}

func (c *Client) RemoveGroupMember(ctx context.Context, groupID, actorID uuid.UUID) error {
	return c.do(ctx, http.MethodDelete,
		"/v1/groups/"+groupID.String()+"/actors/"+actorID.String(), nil, nil)
}

// ── Resources ────────────────────────────────────────────────────────

func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var out struct {
		Resources []Resource `json:"resources"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/resources", nil, &out)
	return out.Resources, err
}

func (c *Client) CreateResource(ctx context.Context, req ResourceRequest) (*Resource, error) {
	var out struct {
		Resource *Resource `json:"resource"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/resources", req, &out)
	return out.Resource, err
}

func (c *Client) UpdateResource(ctx context.Context, id uuid.UUID, req ResourceRequest) (*Resource, error) {
	var out struct {
		Resource *Resource `json:"resource"`
	}
	err := c.do(ctx, http.MethodPut, "/v1/resources/"+id.String(), req, &out)
	return out.Resource, err
}

func (c *Client) DeleteResource(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/v1/resources/"+id.String(), nil, nil)
}

// ── Policies ─────────────────────────────────────────────────────────

func (c *Client) ListPolicies(ctx context.Context) ([]Policy, error) {
	var out struct {
		Policies []Policy `json:"policies"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/policies", nil, &out)
	return out.Policies, err
}

func (c *Client) CreatePolicy(ctx context.Context, req PolicyRequest) (*Policy, error) {
	var out struct {
		Policy *Policy `json:"policy"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/policies", req, &out)
	return out.Policy, err
}

func (c *Client) DisablePolicy(ctx context.Context, id uuid.UUID) (*Policy, error) {
	var out struct {
		Policy *Policy `json:"policy"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/policies/"+id.String()+"/disable", nil, &out)
	return out.Policy, err
}

func (c *Client) EnablePolicy(ctx context.Context, id uuid.UUID) (*Policy, error) {
	var out struct {
		Policy *Policy `json:"policy"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/policies/"+id.String()+"/enable", nil, &out)
	return out.Policy, err
}

func (c *Client) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/v1/policies/"+id.String(), nil, nil)
}

// ── Sites and relays ─────────────────────────────────────────────────

func (c *Client) ListGatewayGroups(ctx context.Context) ([]GatewayGroup, error) {
	var out struct {
		GatewayGroups []GatewayGroup `json:"gateway_groups"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/gateway_groups", nil, &out)
	return out.GatewayGroups, err
}

func (c *Client) CreateGatewayGroup(ctx context.Context, name string) (*GatewayGroup, error) {
	var out struct {
		GatewayGroup *GatewayGroup `json:"gateway_group"`
	}
	req := struct {
		Name string `json:"name"`
	}{name}
	err := c.do(ctx, http.MethodPost, "/v1/gateway_groups", req, &out)
	return out.GatewayGroup, err
}

func (c *Client) DeleteGatewayGroup(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/v1/gateway_groups/"+id.String(), nil, nil)
}

func (c *Client) ListGateways(ctx context.Context) ([]Gateway, error) {
	var out struct {
		Gateways []Gateway `json:"gateways"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/gateways", nil, &out)
	return out.Gateways, err
}

func (c *Client) ListRelayGroups(ctx context.Context) ([]RelayGroup, error) {
	var out struct {
		RelayGroups []RelayGroup `json:"relay_groups"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/relay_groups", nil, &out)
	return out.RelayGroups, err
}

func (c *Client) CreateRelayGroup(ctx context.Context, name string) (*RelayGroup, error) {
	var out struct {
		RelayGroup *RelayGroup `json:"relay_group"`
	}
	req := struct {
		Name string `json:"name"`
	}{name}
	err := c.do(ctx, http.MethodPost, "/v1/relay_groups", req, &out)
	return out.RelayGroup, err
}

func (c *Client) DeleteRelayGroup(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/v1/relay_groups/"+id.String(), nil, nil)
}

func (c *Client) ListRelays(ctx context.Context) ([]Relay, error) {
	var out struct {
		Relays []Relay `json:"relays"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/relays", nil, &out)
	return out.Relays, err
}

// ── Tokens, devices, flows ───────────────────────────────────────────

func (c *Client) ListTokens(ctx context.Context) ([]Token, error) {
	var out struct {
		Tokens []Token `json:"tokens"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/tokens", nil, &out)
	return out.Tokens, err
}

// CreateToken mints a credential. The Encoded field of the result is
// the only time the secret is visible.
func (c *Client) CreateToken(ctx context.Context, req CreateTokenRequest) (*CreatedToken, error) {
	var out CreatedToken
	if err := c.do(ctx, http.MethodPost, "/v1/tokens", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RevokeToken(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/v1/tokens/"+id.String(), nil, nil)
}

func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var out struct {
		Clients []Device `json:"clients"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/clients", nil, &out)
	return out.Clients, err
}

// ListFlows returns recent flow audit records, newest first. A zero
// clientID returns flows for the whole account.
func (c *Client) ListFlows(ctx context.Context, clientID uuid.UUID, limit int) ([]Flow, error) {
	q := url.Values{}
	if clientID != uuid.Nil {
		q.Set("client_id", clientID.String())
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/v1/flows"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Flows []Flow `json:"flows"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Flows, err
}
