package auth_test

import (
	"errors"
	"testing"

	"github.com/jmerrifield20/MeshPortal/internal/auth"
	"github.com/jmerrifield20/MeshPortal/internal/store"
)

func TestAuthorizeOneOfSemantics(t *testing.T) {
	subject := &auth.Subject{
		Permissions: auth.NewCapabilitySet(auth.CapResourcesView),
	}

	// One held capability among the candidates is enough.
	if err := auth.Authorize(subject, auth.CapResourcesManage, auth.CapResourcesView); err != nil {
		t.Errorf("authorize with one matching capability: %v", err)
	}

	err := auth.Authorize(subject, auth.CapActorsManage, auth.CapPoliciesManage)
	var unauthorized *auth.UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("got %v, want UnauthorizedError", err)
	}
	if len(unauthorized.Missing) != 2 {
		t.Errorf("missing = %v, want both candidates", unauthorized.Missing)
	}
}

func TestCheckPrivilegeEscalation(t *testing.T) {
	admin := &auth.Subject{Permissions: auth.CapabilitiesForRole(store.RoleAdmin)}
	unprivileged := &auth.Subject{Permissions: auth.CapabilitiesForRole(store.RoleUnprivileged)}

	if err := auth.CheckPrivilegeEscalation(admin, store.RoleAdmin); err != nil {
		t.Errorf("admin granting admin: %v", err)
	}
	if err := auth.CheckPrivilegeEscalation(admin, store.RoleUnprivileged); err != nil {
		t.Errorf("admin granting unprivileged: %v", err)
	}

	err := auth.CheckPrivilegeEscalation(unprivileged, store.RoleAdmin)
	var escalation *auth.PrivilegeEscalationError
	if !errors.As(err, &escalation) {
		t.Fatalf("got %v, want PrivilegeEscalationError", err)
	}
	if len(escalation.Missing) == 0 {
		t.Error("escalation error must list the missing capabilities")
	}
	for _, c := range escalation.Missing {
		if unprivileged.Permissions.Has(c) {
			t.Errorf("capability %s reported missing but held", c)
		}
	}
}

func TestCapabilitiesForRole(t *testing.T) {
	admin := auth.CapabilitiesForRole(store.RoleAdmin)
	for _, c := range []auth.Capability{
		auth.CapAccountManage, auth.CapActorsManage, auth.CapTokensManage,
		auth.CapResourcesView, auth.CapSessionsConnect,
	} {
		if !admin.Has(c) {
			t.Errorf("admin missing %s", c)
		}
	}

	unprivileged := auth.CapabilitiesForRole(store.RoleUnprivileged)
	if !unprivileged.Has(auth.CapResourcesView) || !unprivileged.Has(auth.CapSessionsConnect) {
		t.Errorf("unprivileged set = %v", unprivileged)
	}
	if unprivileged.Has(auth.CapResourcesManage) {
		t.Error("unprivileged must not manage resources")
	}

	if got := auth.CapabilitiesForRole(store.ActorRole("bogus")); len(got) != 0 {
		t.Errorf("unknown role set = %v, want empty", got)
	}
}
