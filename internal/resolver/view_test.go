package resolver

import (
	"testing"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"

	"github.com/jmerrifield20/MeshPortal/internal/store"
	"github.com/jmerrifield20/MeshPortal/internal/wire"
)

func TestLegacyDNSAddress(t *testing.T) {
	tests := []struct {
		address string
		want    string
		ok      bool
	}{
		{"**.glob.com", "*.glob.com", true},
		{"*.q.com", "?.q.com", true},
		{"?.q.com", "?.q.com", true},
		{"foo.*.ex.com", "", false},
		{"foo.**.glob.com", "", false},
		{"us-east?-d.glob.com", "", false},
		{"app.example.com", "app.example.com", true},
		{"**.a.*.b.com", "", false},
	}
	for _, tt := range tests {
		got, ok := legacyDNSAddress(tt.address)
		if ok != tt.ok || got != tt.want {
			t.Errorf("legacyDNSAddress(%q) = %q, %v, want %q, %v",
				tt.address, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRenderViewWithholdsLegacyIncompatibleGlobs(t *testing.T) {
	legacy := version.Must(version.NewVersion("1.1.99"))
	res := &store.Resource{
		ID:      uuid.New(),
		Type:    store.ResourceTypeDNS,
		Name:    "wildcard",
		Address: "foo.*.ex.com",
	}

	if _, ok := RenderView(res, legacy); ok {
		t.Fatal("non-leading glob rendered for a pre-1.2 client")
	}

	modern := version.Must(version.NewVersion("1.2.0"))
	view, ok := RenderView(res, modern)
	if !ok {
		t.Fatal("resource withheld from a 1.2 client")
	}
	if view.Address != "foo.*.ex.com" {
		t.Errorf("address = %q, want it verbatim", view.Address)
	}
}

func TestRenderViewRewritesLeadingGlobsForLegacyClients(t *testing.T) {
	legacy := version.Must(version.NewVersion("1.1.99"))
	res := &store.Resource{
		ID:      uuid.New(),
		Type:    store.ResourceTypeDNS,
		Name:    "glob",
		Address: "**.glob.com",
	}

	view, ok := RenderView(res, legacy)
	if !ok {
		t.Fatal("leading multi-label glob withheld from a pre-1.2 client")
	}
	if view.Address != "*.glob.com" {
		t.Errorf("address = %q, want %q", view.Address, "*.glob.com")
	}
}

func TestRenderViewMapsIPToSingleHostCIDR(t *testing.T) {
	v := version.Must(version.NewVersion("1.3.0"))
	tests := []struct {
		address string
		want    string
	}{
		{"10.1.2.3", "10.1.2.3/32"},
		{"fd00:2021:1111::1", "fd00:2021:1111::1/128"},
	}
	for _, tt := range tests {
		res := &store.Resource{ID: uuid.New(), Type: store.ResourceTypeIP, Name: "host", Address: tt.address}
		view, ok := RenderView(res, v)
		if !ok {
			t.Fatalf("RenderView(%q) withheld", tt.address)
		}
		if view.Type != wire.ResourceTypeCIDR {
			t.Errorf("type = %q, want %q", view.Type, wire.ResourceTypeCIDR)
		}
		if view.Address != tt.want {
			t.Errorf("address = %q, want %q", view.Address, tt.want)
		}
	}
}

func TestRenderViewDropsPortsOnICMP(t *testing.T) {
	v := version.Must(version.NewVersion("1.3.0"))
	res := &store.Resource{
		ID:      uuid.New(),
		Type:    store.ResourceTypeCIDR,
		Name:    "net",
		Address: "10.0.0.0/24",
		Filters: []store.Filter{
			{Protocol: wire.ProtocolTCP, PortRangeStart: 80, PortRangeEnd: 443},
			{Protocol: wire.ProtocolICMP, PortRangeStart: 1, PortRangeEnd: 5},
		},
	}

	view, ok := RenderView(res, v)
	if !ok {
		t.Fatal("RenderView withheld a cidr resource")
	}
	if len(view.Filters) != 2 {
		t.Fatalf("got %d filters, want 2", len(view.Filters))
	}
	if view.Filters[0].PortRangeStart != 80 || view.Filters[0].PortRangeEnd != 443 {
		t.Errorf("tcp filter lost its port range: %+v", view.Filters[0])
	}
	if view.Filters[1].PortRangeStart != 0 || view.Filters[1].PortRangeEnd != 0 {
		t.Errorf("icmp filter kept a port range: %+v", view.Filters[1])
	}
}

func TestRenderViewCarriesGatewayGroups(t *testing.T) {
	v := version.Must(version.NewVersion("1.3.0"))
	groupID := uuid.New()
	res := &store.Resource{
		ID:            uuid.New(),
		Type:          store.ResourceTypeDNS,
		Name:          "wiki",
		Address:       "wiki.corp.example.com",
		GatewayGroups: []store.GatewayGroup{{ID: groupID, Name: "hq"}},
	}

	view, ok := RenderView(res, v)
	if !ok {
		t.Fatal("RenderView withheld")
	}
	if len(view.GatewayGroups) != 1 || view.GatewayGroups[0].ID != groupID || view.GatewayGroups[0].Name != "hq" {
		t.Errorf("gateway groups = %+v, want [{%s hq}]", view.GatewayGroups, groupID)
	}
}
