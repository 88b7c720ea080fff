package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-version"
)

// ErrInvalidVersion marks a reported version that is not semver.
// Agents built from source report "development" or "unknown"; those
// are rejected at join rather than guessed at.
var ErrInvalidVersion = errors.New("resolver: invalid version")

var (
	legacyGlobCutoff = version.Must(version.NewVersion("1.2.0"))
	modernGateways   = version.Must(version.NewVersion("1.1.0"))

	anyGateway    = version.MustConstraints(version.NewConstraint("> 0.0.0"))
	modernGateway = version.MustConstraints(version.NewConstraint(">= 1.1.0"))
)

// ParseVersion parses the semver an agent reports in its User-Agent.
func ParseVersion(s string) (*version.Version, error) {
	if s == "" {
		return nil, ErrInvalidVersion
	}
	v, err := version.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	return v, nil
}

// GatewayConstraint returns the version band a gateway must fall in to
// serve a client at the given version. Clients before 1.1 work with
// any gateway; 1.1 and later require gateways that speak the revised
// handshake.
func GatewayConstraint(client *version.Version) version.Constraints {
	if client.LessThan(modernGateways) {
		return anyGateway
	}
	return modernGateway
}

// AddressConstraint returns the additional gateway requirement implied
// by the resource address. Wildcards past the leading label only match
// on gateways from 1.1 up; plain addresses and leading-only globs
// impose nothing.
func AddressConstraint(address string) (version.Constraints, bool) {
	rest := ""
	if i := strings.IndexByte(address, '.'); i >= 0 {
		rest = address[i+1:]
	}
	if strings.ContainsAny(rest, "*?") {
		return modernGateway, true
	}
	return nil, false
}

// Compatible reports whether a reported gateway version satisfies
// every given constraint set. Versions that do not parse never match.
func Compatible(reported string, constraints ...version.Constraints) bool {
	v, err := ParseVersion(reported)
	if err != nil {
		return false
	}
	for _, c := range constraints {
		if c != nil && !c.Check(v) {
			return false
		}
	}
	return true
}
