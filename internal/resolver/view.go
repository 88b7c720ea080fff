package resolver

import (
	"net/netip"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/jmerrifield20/MeshPortal/internal/store"
	"github.com/jmerrifield20/MeshPortal/internal/wire"
)

// RenderView renders a resource for a client at the given version.
// ok is false when the address cannot be represented for that client
// and the resource must be withheld.
func RenderView(res *store.Resource, client *version.Version) (wire.ResourceView, bool) {
	view := wire.ResourceView{
		ID:                 res.ID,
		Type:               string(res.Type),
		Name:               res.Name,
		Address:            res.Address,
		AddressDescription: res.AddressDescription,
		GatewayGroups:      make([]wire.GatewayGroupView, 0, len(res.GatewayGroups)),
		Filters:            make([]wire.FilterView, 0, len(res.Filters)),
	}

	switch res.Type {
	case store.ResourceTypeIP:
		// Single addresses go out as one-host cidr views so agents
		// only ever see two address schemes.
		addr, err := netip.ParseAddr(res.Address)
		if err != nil {
			return wire.ResourceView{}, false
		}
		view.Type = wire.ResourceTypeCIDR
		view.Address = netip.PrefixFrom(addr, addr.BitLen()).String()
	case store.ResourceTypeDNS:
		if client.LessThan(legacyGlobCutoff) {
			address, ok := legacyDNSAddress(res.Address)
			if !ok {
				return wire.ResourceView{}, false
			}
			view.Address = address
		}
	}

	for _, g := range res.GatewayGroups {
		view.GatewayGroups = append(view.GatewayGroups, wire.GatewayGroupView{ID: g.ID, Name: g.Name})
	}
	for _, f := range res.Filters {
		fv := wire.FilterView{Protocol: f.Protocol}
		if f.Protocol != wire.ProtocolICMP {
			fv.PortRangeStart = f.PortRangeStart
			fv.PortRangeEnd = f.PortRangeEnd
		}
		view.Filters = append(view.Filters, fv)
	}
	return view, true
}

// legacyDNSAddress translates a dns address into the glob dialect
// spoken by clients before 1.2. Their star already matched across
// labels and ? matched a whole label, so a leading ** narrows to *
// and a leading * narrows to ?. Globs anywhere else have no legacy
// spelling and the resource is withheld.
func legacyDNSAddress(address string) (string, bool) {
	if rest, ok := strings.CutPrefix(address, "**."); ok {
		if containsGlob(rest) {
			return "", false
		}
		return "*." + rest, true
	}
	if rest, ok := strings.CutPrefix(address, "*."); ok {
		if containsGlob(rest) {
			return "", false
		}
		return "?." + rest, true
	}
	if rest, ok := strings.CutPrefix(address, "?."); ok {
		if containsGlob(rest) {
			return "", false
		}
		return "?." + rest, true
	}
	if containsGlob(address) {
		return "", false
	}
	return address, true
}

func containsGlob(s string) bool {
	return strings.ContainsAny(s, "*?")
}
