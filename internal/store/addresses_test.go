package store

import (
	"net/netip"
	"testing"

	"github.com/google/uuid"
)

func usedSet(addrs ...string) func(netip.Addr) bool {
	set := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		set[netip.MustParseAddr(a)] = struct{}{}
	}
	return func(a netip.Addr) bool {
		_, ok := set[a]
		return ok
	}
}

func TestNextAvailableSkipsNetworkGatewayBroadcast(t *testing.T) {
	// A /30 has four addresses; network, first host and broadcast are
	// reserved, leaving .2 as the only assignable one.
	pool := netip.MustParsePrefix("100.64.0.0/30")

	got, ok := NextAvailable(pool, 0, usedSet())
	if !ok {
		t.Fatal("expected an address from an empty /30")
	}
	if want := netip.MustParseAddr("100.64.0.2"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	if _, ok := NextAvailable(pool, 0, usedSet("100.64.0.2")); ok {
		t.Error("expected none once .2 is taken")
	}
}

func TestNextAvailableReleasedAddressIsReusable(t *testing.T) {
	pool := netip.MustParsePrefix("100.64.0.0/30")

	if _, ok := NextAvailable(pool, 0, usedSet("100.64.0.2")); ok {
		t.Fatal("pool should be full")
	}
	got, ok := NextAvailable(pool, 0, usedSet())
	if !ok {
		t.Fatal("expected .2 after release")
	}
	if want := netip.MustParseAddr("100.64.0.2"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNextAvailableSingleHostIPv6(t *testing.T) {
	pool := netip.MustParsePrefix("fd00:2021:1111::/126")

	got, ok := NextAvailable(pool, 0, usedSet())
	if !ok {
		t.Fatal("expected the single assignable host")
	}
	if want := netip.MustParseAddr("fd00:2021:1111::2"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	if _, ok := NextAvailable(pool, 0, usedSet("fd00:2021:1111::2")); ok {
		t.Error("expected none once the single host is taken")
	}
}

func TestNextAvailableFullPool(t *testing.T) {
	pool := netip.MustParsePrefix("fd00:2021:1111::/120")

	taken := make(map[netip.Addr]struct{})
	for {
		addr, ok := NextAvailable(pool, 0, func(a netip.Addr) bool {
			_, dup := taken[a]
			return dup
		})
		if !ok {
			break
		}
		if _, dup := taken[addr]; dup {
			t.Fatalf("allocator returned %s twice", addr)
		}
		taken[addr] = struct{}{}
	}

	// 256 addresses minus network, gateway and broadcast.
	if got, want := len(taken), 253; got != want {
		t.Errorf("allocated %d addresses, want %d", got, want)
	}
	if _, ok := taken[netip.MustParseAddr("fd00:2021:1111::")]; ok {
		t.Error("network address was allocated")
	}
	if _, ok := taken[netip.MustParseAddr("fd00:2021:1111::1")]; ok {
		t.Error("gateway address was allocated")
	}
	if _, ok := taken[netip.MustParseAddr("fd00:2021:1111::ff")]; ok {
		t.Error("broadcast address was allocated")
	}
}

func TestNextAvailableStartsAtOffset(t *testing.T) {
	pool := netip.MustParsePrefix("10.0.0.0/24")

	got, ok := NextAvailable(pool, 100, usedSet())
	if !ok {
		t.Fatal("expected an address")
	}
	if want := netip.MustParseAddr("10.0.0.100"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNextAvailableScansBackwardWhenForwardExhausted(t *testing.T) {
	pool := netip.MustParsePrefix("10.0.0.0/24")

	// Everything from the offset to the end of the pool is taken, so
	// the scan must walk back below the offset.
	got, ok := NextAvailable(pool, 250, usedSet(
		"10.0.0.250", "10.0.0.251", "10.0.0.252", "10.0.0.253", "10.0.0.254",
	))
	if !ok {
		t.Fatal("expected the backward scan to find an address")
	}
	if want := netip.MustParseAddr("10.0.0.249"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNextAvailableOffsetWrapsPoolSize(t *testing.T) {
	pool := netip.MustParsePrefix("10.0.0.0/30")

	got, ok := NextAvailable(pool, 1<<40, usedSet())
	if !ok {
		t.Fatal("expected an address despite the oversized offset")
	}
	if want := netip.MustParseAddr("10.0.0.2"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNextAvailableCarriesAcrossByteBoundary(t *testing.T) {
	pool := netip.MustParsePrefix("fd00::/112")

	got, ok := NextAvailable(pool, 0x1ff, usedSet())
	if !ok {
		t.Fatal("expected an address")
	}
	if want := netip.MustParseAddr("fd00::1ff"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNextAvailableRejectsTinyPools(t *testing.T) {
	for _, cidr := range []string{"10.0.0.0/31", "10.0.0.0/32", "fd00::/127", "fd00::/128"} {
		if _, ok := NextAvailable(netip.MustParsePrefix(cidr), 0, usedSet()); ok {
			t.Errorf("%s: expected no assignable hosts", cidr)
		}
	}
}

func TestOffsetForIsStable(t *testing.T) {
	pool := netip.MustParsePrefix("100.64.0.0/11")
	id := uuid.MustParse("2674b5e8-1cdc-4a9e-a668-cb7cbfe08d6c")

	a := OffsetFor(id, pool)
	b := OffsetFor(id, pool)
	if a != b {
		t.Errorf("offset not stable: %d vs %d", a, b)
	}
	if limit := uint64(1) << 21; a >= limit {
		t.Errorf("offset %d outside pool of %d hosts", a, limit)
	}
}
