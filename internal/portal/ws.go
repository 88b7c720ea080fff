package portal

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/MeshPortal/internal/auth"
	"github.com/jmerrifield20/MeshPortal/internal/relaypool"
	"github.com/jmerrifield20/MeshPortal/internal/resolver"
	"github.com/jmerrifield20/MeshPortal/internal/session"
	"github.com/jmerrifield20/MeshPortal/internal/store"
	"github.com/jmerrifield20/MeshPortal/internal/wire"
)

// authContext extracts the request-scoped facts recorded on the
// Subject: remote address, agent string and the geo headers a fronting
// load balancer injects.
func authContext(c *gin.Context) auth.Context {
	actx := auth.Context{
		UserAgent: c.Request.UserAgent(),
		Region:    c.GetHeader("X-Geo-Location-Region"),
		City:      c.GetHeader("X-Geo-Location-City"),
	}
	if ip, err := netip.ParseAddr(c.ClientIP()); err == nil {
		actx.RemoteIP = ip
	}
	if lat, lon, ok := parseCoordinates(c.GetHeader("X-Geo-Location-Coordinates")); ok {
		actx.Lat = &lat
		actx.Lon = &lon
	}
	return actx
}

// parseCoordinates splits a "lat,lon" header value.
func parseCoordinates(s string) (float64, float64, bool) {
	lat, lon, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, false
	}
	latF, err1 := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	lonF, err2 := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return latF, lonF, true
}

// agentVersion extracts the version from a "<agent>/<semver>" user
// agent string.
func agentVersion(userAgent string) string {
	if i := strings.LastIndexByte(userAgent, '/'); i >= 0 {
		return userAgent[i+1:]
	}
	return userAgent
}

// abortWS refuses an upgrade before the protocol switch.
func abortWS(c *gin.Context, status int, reason string) {
	c.AbortWithStatusJSON(status, gin.H{"error": reason})
}

// abortWSAuth maps authentication failures onto upgrade refusals.
func abortWSAuth(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		abortWS(c, http.StatusUnauthorized, wire.ReasonTokenExpired)
	case errors.Is(err, auth.ErrDisabled):
		abortWS(c, http.StatusForbidden, wire.ReasonDisabled)
	case errors.Is(err, auth.ErrNotFound):
		abortWS(c, http.StatusNotFound, wire.ReasonNotFound)
	case errors.Is(err, auth.ErrInvalidToken):
		abortWS(c, http.StatusUnauthorized, wire.ReasonUnauthorized)
	default:
		abortWS(c, http.StatusInternalServerError, wire.ReasonRetryLater)
	}
}

// authenticateWS resolves the token query parameter into a Subject of
// the expected kind.
func (s *Server) authenticateWS(c *gin.Context, kind store.TokenKind) *auth.Subject {
	token := c.Query("token")
	if token == "" {
		abortWS(c, http.StatusUnauthorized, wire.ReasonUnauthorized)
		return nil
	}
	subject, err := s.authn.Authenticate(c.Request.Context(), token, authContext(c))
	if err != nil {
		abortWSAuth(c, err)
		return nil
	}
	if subject.TokenKind != kind {
		abortWS(c, http.StatusForbidden, wire.ReasonForbidden)
		return nil
	}
	return subject
}

// allocateAddresses claims tunnel addresses for a principal that does
// not have them yet.
func (s *Server) allocateAddresses(c *gin.Context, accountID, id uuid.UUID) (netip.Addr, netip.Addr, error) {
	ctx := c.Request.Context()
	ipv4, err := s.stores.Addresses.Allocate(ctx, accountID,
		s.cfg.IPv4Pool, store.OffsetFor(id, s.cfg.IPv4Pool), nil)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	ipv6, err := s.stores.Addresses.Allocate(ctx, accountID,
		s.cfg.IPv6Pool, store.OffsetFor(id, s.cfg.IPv6Pool), nil)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	return ipv4, ipv6, nil
}

// HandleClientWS upgrades GET /client into a client session.
func (s *Server) HandleClientWS(c *gin.Context) {
	subject := s.authenticateWS(c, store.TokenKindClient)
	if subject == nil {
		return
	}

	clientVersion, err := resolver.ParseVersion(agentVersion(c.Request.UserAgent()))
	if err != nil {
		abortWS(c, http.StatusUnprocessableEntity, wire.ReasonInvalidVersion)
		return
	}

	externalID := c.Query("external_id")
	publicKey := c.Query("public_key")
	if externalID == "" || publicKey == "" {
		abortWS(c, http.StatusBadRequest, wire.ReasonInvalid)
		return
	}

	ctx := c.Request.Context()
	now := time.Now().UTC()
	clnt := &store.Client{
		AccountID:       subject.Account.ID,
		ActorID:         subject.Actor.ID,
		ExternalID:      externalID,
		Name:            c.Query("name"),
		PublicKey:       publicKey,
		LastSeenVersion: clientVersion.String(),
		LastSeenRegion:  subject.Context.Region,
		LastSeenCity:    subject.Context.City,
		Lat:             subject.Context.Lat,
		Lon:             subject.Context.Lon,
		LastSeenAt:      &now,
	}
	if subject.Context.RemoteIP.IsValid() {
		ip := subject.Context.RemoteIP
		clnt.LastSeenRemoteIP = &ip
	}
	if err := s.stores.Clients.Upsert(ctx, clnt); err != nil {
		s.logger.Error("upsert client", zap.Error(err))
		abortWS(c, http.StatusInternalServerError, wire.ReasonRetryLater)
		return
	}

	if clnt.IPv4 == nil || clnt.IPv6 == nil {
		ipv4, ipv6, err := s.allocateAddresses(c, subject.Account.ID, clnt.ID)
		if err != nil {
			s.logger.Error("allocate client addresses", zap.Error(err))
			abortWS(c, http.StatusInternalServerError, wire.ReasonRetryLater)
			return
		}
		if err := s.stores.Clients.SetAddresses(ctx, subject.Account.ID, clnt.ID, ipv4, ipv6); err != nil {
			s.logger.Error("persist client addresses", zap.Error(err))
			abortWS(c, http.StatusInternalServerError, wire.ReasonRetryLater)
			return
		}
		clnt.IPv4 = &ipv4
		clnt.IPv6 = &ipv6
	}

	groups, err := s.stores.RelayGroups.List(ctx, subject.Account.ID)
	if err != nil {
		s.logger.Error("list relay groups", zap.Error(err))
		abortWS(c, http.StatusInternalServerError, wire.ReasonRetryLater)
		return
	}
	hasDedicatedRelays := len(groups) > 0

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	SessionOpened("client")
	defer SessionClosed("client")

	sess := session.NewClientSession(session.NewWSConn(ws), subject, clnt, clientVersion, hasDedicatedRelays, s.deps)
	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("client session ended", zap.Error(err))
	}
}

// HandleGatewayWS upgrades GET /gateway into a gateway session.
func (s *Server) HandleGatewayWS(c *gin.Context) {
	subject := s.authenticateWS(c, store.TokenKindGatewayGroup)
	if subject == nil {
		return
	}

	gatewayVersion, err := resolver.ParseVersion(agentVersion(c.Request.UserAgent()))
	if err != nil {
		abortWS(c, http.StatusUnprocessableEntity, wire.ReasonInvalidVersion)
		return
	}

	externalID := c.Query("external_id")
	publicKey := c.Query("public_key")
	if externalID == "" || publicKey == "" {
		abortWS(c, http.StatusBadRequest, wire.ReasonInvalid)
		return
	}

	ctx := c.Request.Context()
	now := time.Now().UTC()
	gw := &store.Gateway{
		AccountID:       subject.Account.ID,
		GroupID:         *subject.GatewayGroupID,
		ExternalID:      externalID,
		Name:            c.Query("name"),
		PublicKey:       publicKey,
		LastSeenVersion: gatewayVersion.String(),
		LastSeenAt:      &now,
	}
	if subject.Context.RemoteIP.IsValid() {
		ip := subject.Context.RemoteIP
		gw.LastSeenRemoteIP = &ip
	}
	if err := s.stores.Gateways.Upsert(ctx, gw); err != nil {
		s.logger.Error("upsert gateway", zap.Error(err))
		abortWS(c, http.StatusInternalServerError, wire.ReasonRetryLater)
		return
	}

	if gw.IPv4 == nil || gw.IPv6 == nil {
		ipv4, ipv6, err := s.allocateAddresses(c, subject.Account.ID, gw.ID)
		if err != nil {
			s.logger.Error("allocate gateway addresses", zap.Error(err))
			abortWS(c, http.StatusInternalServerError, wire.ReasonRetryLater)
			return
		}
		if err := s.stores.Gateways.SetAddresses(ctx, subject.Account.ID, gw.ID, ipv4, ipv6); err != nil {
			s.logger.Error("persist gateway addresses", zap.Error(err))
			abortWS(c, http.StatusInternalServerError, wire.ReasonRetryLater)
			return
		}
		gw.IPv4 = &ipv4
		gw.IPv6 = &ipv6
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	SessionOpened("gateway")
	defer SessionClosed("gateway")

	sess := session.NewGatewaySession(session.NewWSConn(ws), subject, gw, s.deps)
	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("gateway session ended", zap.Error(err))
	}
}

// HandleRelayWS upgrades GET /relay into a relay session.
func (s *Server) HandleRelayWS(c *gin.Context) {
	subject := s.authenticateWS(c, store.TokenKindRelayGroup)
	if subject == nil {
		return
	}

	ipv4 := parseOptionalAddr(c.Query("ipv4"))
	ipv6 := parseOptionalAddr(c.Query("ipv6"))
	if ipv4 == nil && ipv6 == nil {
		abortWS(c, http.StatusBadRequest, wire.ReasonInvalid)
		return
	}
	port, err := strconv.ParseUint(c.DefaultQuery("port", "3478"), 10, 16)
	if err != nil {
		abortWS(c, http.StatusBadRequest, wire.ReasonInvalid)
		return
	}
	lat, _ := strconv.ParseFloat(c.Query("lat"), 64)
	lon, _ := strconv.ParseFloat(c.Query("lon"), 64)

	ctx := c.Request.Context()
	group, err := s.stores.RelayGroups.GetByID(ctx, *subject.RelayGroupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			abortWS(c, http.StatusNotFound, wire.ReasonNotFound)
			return
		}
		s.logger.Error("load relay group", zap.Error(err))
		abortWS(c, http.StatusInternalServerError, wire.ReasonRetryLater)
		return
	}

	now := time.Now().UTC()
	relay := &store.Relay{
		GroupID:         group.ID,
		AccountID:       group.AccountID,
		IPv4:            ipv4,
		IPv6:            ipv6,
		Port:            uint16(port),
		Lat:             lat,
		Lon:             lon,
		LastSeenVersion: agentVersion(c.Request.UserAgent()),
		LastSeenAt:      &now,
	}
	if err := s.stores.Relays.Upsert(ctx, relay); err != nil {
		s.logger.Error("upsert relay", zap.Error(err))
		abortWS(c, http.StatusInternalServerError, wire.ReasonRetryLater)
		return
	}

	secret, err := newStampSecret()
	if err != nil {
		s.logger.Error("generate stamp secret", zap.Error(err))
		abortWS(c, http.StatusInternalServerError, wire.ReasonRetryLater)
		return
	}

	descriptor := relaypool.Descriptor{
		ID:          relay.ID,
		AccountID:   relay.AccountID,
		IPv4:        relay.IPv4,
		IPv6:        relay.IPv6,
		Port:        relay.Port,
		Lat:         relay.Lat,
		Lon:         relay.Lon,
		StampSecret: secret,
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	SessionOpened("relay")
	defer SessionClosed("relay")

	sess := session.NewRelaySession(session.NewWSConn(ws), subject, descriptor, s.deps)
	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("relay session ended", zap.Error(err))
	}
}

func parseOptionalAddr(s string) *netip.Addr {
	if s == "" {
		return nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return nil
	}
	return &addr
}

// newStampSecret mints the per-connection secret TURN credentials
// derive from. It lives only as long as the session.
func newStampSecret() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
