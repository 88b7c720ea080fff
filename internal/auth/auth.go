// Package auth resolves opaque bearer tokens into Subjects and
// enforces capability checks on their behalf.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/jmerrifield20/MeshPortal/internal/store"
)

var (
	// ErrInvalidToken covers malformed, unknown, revoked and
	// wrong-secret credentials alike so callers cannot probe which.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned past the credential's expiry.
	ErrExpiredToken = errors.New("token expired")
	// ErrDisabled is returned when the account or actor behind an
	// otherwise valid credential is disabled.
	ErrDisabled = errors.New("disabled")
	// ErrNotFound is returned when an entity behind the credential
	// has been deleted.
	ErrNotFound = errors.New("not found")
)

// Context carries the request-scoped facts recorded on the Subject.
type Context struct {
	RemoteIP  netip.Addr
	UserAgent string
	Region    string
	City      string
	Lat       *float64
	Lon       *float64
}

// Subject is the authenticated principal of one session or request.
// It is derived per authentication and never persisted.
type Subject struct {
	Account        *store.Account
	Actor          *store.Actor
	Identity       *store.Identity
	TokenID        uuid.UUID
	TokenKind      store.TokenKind
	GatewayGroupID *uuid.UUID
	RelayGroupID   *uuid.UUID
	Permissions    CapabilitySet
	Context        Context
	// ExpiresAt is zero for credentials without an expiry.
	ExpiresAt time.Time
}

// tokenStore is the credential lookup interface.
// *store.TokenRepository satisfies this interface.
type tokenStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*store.Token, error)
	TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error
}

// accountStore resolves tenant roots.
// *store.AccountRepository satisfies this interface.
type accountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*store.Account, error)
}

// actorStore resolves principals.
// *store.ActorRepository satisfies this interface.
type actorStore interface {
	GetByID(ctx context.Context, accountID, id uuid.UUID) (*store.Actor, error)
}

// identityStore resolves provider bindings.
// *store.IdentityRepository satisfies this interface.
type identityStore interface {
	GetByID(ctx context.Context, accountID, id uuid.UUID) (*store.Identity, error)
	Touch(ctx context.Context, accountID, id uuid.UUID, at time.Time) error
}

// Authenticator turns bearer tokens into Subjects.
type Authenticator struct {
	tokens     tokenStore
	accounts   accountStore
	actors     actorStore
	identities identityStore
	clock      clockwork.Clock
	logger     *zap.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(tokens tokenStore, accounts accountStore, actors actorStore, identities identityStore, clock clockwork.Clock, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		tokens:     tokens,
		accounts:   accounts,
		actors:     actors,
		identities: identities,
		clock:      clock,
		logger:     logger,
	}
}

// Authenticate resolves an encoded credential to a Subject. The whole
// chain behind the token must be live: the token unrevoked and
// unexpired, the account and actor neither disabled nor deleted.
func (a *Authenticator) Authenticate(ctx context.Context, encoded string, actx Context) (*Subject, error) {
	id, secret, err := ParseToken(encoded)
	if err != nil {
		return nil, err
	}

	token, err := a.tokens.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("load token: %w", err)
	}
	if token.Hash == nil || !secretMatches(secret, *token.Hash) {
		return nil, ErrInvalidToken
	}

	now := a.clock.Now()
	if !token.ExpiresAt.IsZero() && !token.ExpiresAt.After(now) {
		return nil, ErrExpiredToken
	}

	account, err := a.accounts.GetByID(ctx, token.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account.DisabledAt != nil {
		return nil, ErrDisabled
	}

	subject := &Subject{
		Account:   account,
		TokenID:   token.ID,
		TokenKind: token.Kind,
		Context:   actx,
		ExpiresAt: token.ExpiresAt,
	}

	switch token.Kind {
	case store.TokenKindClient, store.TokenKindAPI:
		if token.ActorID == nil {
			return nil, ErrInvalidToken
		}
		actor, err := a.actors.GetByID(ctx, account.ID, *token.ActorID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("load actor: %w", err)
		}
		if actor.DisabledAt != nil {
			return nil, ErrDisabled
		}
		subject.Actor = actor
		subject.Permissions = CapabilitiesForRole(actor.Role)

		if token.IdentityID != nil {
			identity, err := a.identities.GetByID(ctx, account.ID, *token.IdentityID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil, ErrNotFound
				}
				return nil, fmt.Errorf("load identity: %w", err)
			}
			subject.Identity = identity
			if err := a.identities.Touch(ctx, account.ID, identity.ID, now); err != nil {
				a.logger.Warn("failed to touch identity",
					zap.String("identity_id", identity.ID.String()),
					zap.Error(err))
			}
		}

	case store.TokenKindGatewayGroup:
		if token.GatewayGroupID == nil {
			return nil, ErrInvalidToken
		}
		subject.GatewayGroupID = token.GatewayGroupID
		subject.Permissions = NewCapabilitySet(CapSessionsConnect)

	case store.TokenKindRelayGroup:
		if token.RelayGroupID == nil {
			return nil, ErrInvalidToken
		}
		subject.RelayGroupID = token.RelayGroupID
		subject.Permissions = NewCapabilitySet(CapSessionsConnect)

	default:
		return nil, ErrInvalidToken
	}

	if err := a.tokens.TouchLastSeen(ctx, token.ID, now); err != nil {
		a.logger.Warn("failed to touch token",
			zap.String("token_id", token.ID.String()),
			zap.Error(err))
	}
	return subject, nil
}
