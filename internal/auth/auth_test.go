package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/jmerrifield20/MeshPortal/internal/auth"
	"github.com/jmerrifield20/MeshPortal/internal/store"
)

type fakeTokens struct {
	byID    map[uuid.UUID]*store.Token
	touched int
}

func (f *fakeTokens) GetByID(_ context.Context, id uuid.UUID) (*store.Token, error) {
	if t, ok := f.byID[id]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeTokens) TouchLastSeen(context.Context, uuid.UUID, time.Time) error {
	f.touched++
	return nil
}

type fakeAccounts struct {
	byID map[uuid.UUID]*store.Account
}

func (f *fakeAccounts) GetByID(_ context.Context, id uuid.UUID) (*store.Account, error) {
	if a, ok := f.byID[id]; ok {
		return a, nil
	}
	return nil, store.ErrNotFound
}

type fakeActors struct {
	byID map[uuid.UUID]*store.Actor
}

func (f *fakeActors) GetByID(_ context.Context, _, id uuid.UUID) (*store.Actor, error) {
	if a, ok := f.byID[id]; ok {
		return a, nil
	}
	return nil, store.ErrNotFound
}

type fakeIdentities struct {
	byID    map[uuid.UUID]*store.Identity
	touched int
}

func (f *fakeIdentities) GetByID(_ context.Context, _, id uuid.UUID) (*store.Identity, error) {
	if i, ok := f.byID[id]; ok {
		return i, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeIdentities) Touch(context.Context, uuid.UUID, uuid.UUID, time.Time) error {
	f.touched++
	return nil
}

type fixture struct {
	auth       *auth.Authenticator
	clock      clockwork.FakeClock
	tokens     *fakeTokens
	accounts   *fakeAccounts
	actors     *fakeActors
	identities *fakeIdentities

	account *store.Account
	actor   *store.Actor
	token   *store.Token
	encoded string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		clock:      clockwork.NewFakeClock(),
		tokens:     &fakeTokens{byID: map[uuid.UUID]*store.Token{}},
		accounts:   &fakeAccounts{byID: map[uuid.UUID]*store.Account{}},
		actors:     &fakeActors{byID: map[uuid.UUID]*store.Actor{}},
		identities: &fakeIdentities{byID: map[uuid.UUID]*store.Identity{}},
	}
	f.auth = auth.NewAuthenticator(f.tokens, f.accounts, f.actors, f.identities, f.clock, zap.NewNop())

	f.account = &store.Account{ID: uuid.New(), Slug: "acme", Name: "Acme"}
	f.accounts.byID[f.account.ID] = f.account

	f.actor = &store.Actor{
		ID:        uuid.New(),
		AccountID: f.account.ID,
		Type:      store.ActorTypeUser,
		Role:      store.RoleUnprivileged,
	}
	f.actors.byID[f.actor.ID] = f.actor

	generated, err := auth.GenerateToken()
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	hash := generated.Hash
	f.token = &store.Token{
		ID:        generated.ID,
		AccountID: f.account.ID,
		Kind:      store.TokenKindClient,
		Hash:      &hash,
		ActorID:   &f.actor.ID,
		ExpiresAt: f.clock.Now().Add(time.Hour),
	}
	f.tokens.byID[f.token.ID] = f.token
	f.encoded = generated.Encoded
	return f
}

func TestAuthenticateClientToken(t *testing.T) {
	f := newFixture(t)

	subject, err := f.auth.Authenticate(context.Background(), f.encoded, auth.Context{UserAgent: "Client/1.2.0"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if subject.Account.ID != f.account.ID {
		t.Errorf("account = %s, want %s", subject.Account.ID, f.account.ID)
	}
	if subject.Actor.ID != f.actor.ID {
		t.Errorf("actor = %s, want %s", subject.Actor.ID, f.actor.ID)
	}
	if subject.TokenID != f.token.ID {
		t.Errorf("token id = %s, want %s", subject.TokenID, f.token.ID)
	}
	if !subject.Permissions.Has(auth.CapSessionsConnect) {
		t.Error("unprivileged subject should hold sessions:connect")
	}
	if subject.Permissions.Has(auth.CapActorsManage) {
		t.Error("unprivileged subject must not hold actors:manage")
	}
	if f.tokens.touched != 1 {
		t.Errorf("token touched %d times, want 1", f.tokens.touched)
	}
}

func TestAuthenticateRecordsIdentity(t *testing.T) {
	f := newFixture(t)

	identity := &store.Identity{ID: uuid.New(), AccountID: f.account.ID, ActorID: f.actor.ID}
	f.identities.byID[identity.ID] = identity
	f.token.IdentityID = &identity.ID

	subject, err := f.auth.Authenticate(context.Background(), f.encoded, auth.Context{})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Identity == nil || subject.Identity.ID != identity.ID {
		t.Errorf("identity not attached: %+v", subject.Identity)
	}
	if f.identities.touched != 1 {
		t.Errorf("identity touched %d times, want 1", f.identities.touched)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for name, encoded := range map[string]string{
		"empty":          "",
		"no separator":   "justonepart",
		"bad id":         "not-a-uuid.secret",
		"missing secret": uuid.NewString() + ".",
		"unknown id":     uuid.NewString() + ".c2VjcmV0",
		"wrong secret":   f.token.ID.String() + ".d3JvbmdzZWNyZXQ",
	} {
		if _, err := f.auth.Authenticate(ctx, encoded, auth.Context{}); !errors.Is(err, auth.ErrInvalidToken) {
			t.Errorf("%s: got %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestAuthenticateRejectsRevokedToken(t *testing.T) {
	f := newFixture(t)
	f.token.Hash = nil

	if _, err := f.auth.Authenticate(context.Background(), f.encoded, auth.Context{}); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(2 * time.Hour)

	if _, err := f.auth.Authenticate(context.Background(), f.encoded, auth.Context{}); !errors.Is(err, auth.ErrExpiredToken) {
		t.Errorf("got %v, want ErrExpiredToken", err)
	}
}

func TestAuthenticateTokenWithoutExpiryNeverExpires(t *testing.T) {
	f := newFixture(t)
	f.token.ExpiresAt = time.Time{}
	f.clock.Advance(100000 * time.Hour)

	if _, err := f.auth.Authenticate(context.Background(), f.encoded, auth.Context{}); err != nil {
		t.Errorf("authenticate: %v", err)
	}
}

func TestAuthenticateDisabledChain(t *testing.T) {
	t.Run("account", func(t *testing.T) {
		f := newFixture(t)
		now := f.clock.Now()
		f.account.DisabledAt = &now

		if _, err := f.auth.Authenticate(context.Background(), f.encoded, auth.Context{}); !errors.Is(err, auth.ErrDisabled) {
			t.Errorf("got %v, want ErrDisabled", err)
		}
	})

	t.Run("actor", func(t *testing.T) {
		f := newFixture(t)
		now := f.clock.Now()
		f.actor.DisabledAt = &now

		if _, err := f.auth.Authenticate(context.Background(), f.encoded, auth.Context{}); !errors.Is(err, auth.ErrDisabled) {
			t.Errorf("got %v, want ErrDisabled", err)
		}
	})
}

func TestAuthenticateDeletedChain(t *testing.T) {
	t.Run("account", func(t *testing.T) {
		f := newFixture(t)
		delete(f.accounts.byID, f.account.ID)

		if _, err := f.auth.Authenticate(context.Background(), f.encoded, auth.Context{}); !errors.Is(err, auth.ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("actor", func(t *testing.T) {
		f := newFixture(t)
		delete(f.actors.byID, f.actor.ID)

		if _, err := f.auth.Authenticate(context.Background(), f.encoded, auth.Context{}); !errors.Is(err, auth.ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})
}

func TestAuthenticateGatewayGroupToken(t *testing.T) {
	f := newFixture(t)

	groupID := uuid.New()
	f.token.Kind = store.TokenKindGatewayGroup
	f.token.ActorID = nil
	f.token.GatewayGroupID = &groupID

	subject, err := f.auth.Authenticate(context.Background(), f.encoded, auth.Context{})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.GatewayGroupID == nil || *subject.GatewayGroupID != groupID {
		t.Errorf("gateway group = %v, want %s", subject.GatewayGroupID, groupID)
	}
	if subject.Actor != nil {
		t.Error("gateway subject must not carry an actor")
	}
	if !subject.Permissions.Has(auth.CapSessionsConnect) || subject.Permissions.Has(auth.CapResourcesView) {
		t.Errorf("gateway permissions = %v", subject.Permissions)
	}
}

func TestAuthenticateRelayGroupToken(t *testing.T) {
	f := newFixture(t)

	groupID := uuid.New()
	f.token.Kind = store.TokenKindRelayGroup
	f.token.ActorID = nil
	f.token.RelayGroupID = &groupID

	subject, err := f.auth.Authenticate(context.Background(), f.encoded, auth.Context{})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.RelayGroupID == nil || *subject.RelayGroupID != groupID {
		t.Errorf("relay group = %v, want %s", subject.RelayGroupID, groupID)
	}
}
