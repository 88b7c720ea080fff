// Package policy evaluates access-policy conditions against a client's
// connection context. A policy with no conditions admits everyone the
// membership graph already let through.
package policy

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Condition properties.
const (
	PropertyRemoteIPLocationRegion = "remote_ip_location_region"
	PropertyRemoteIP               = "remote_ip"
	PropertyProviderID             = "provider_id"
	PropertyCurrentUTCDateTime     = "current_utc_datetime"
)

// Condition operators.
const (
	OpIsIn                    = "is_in"
	OpIsNotIn                 = "is_not_in"
	OpIsInCIDR                = "is_in_cidr"
	OpIsNotInCIDR             = "is_not_in_cidr"
	OpIsInDayOfWeekTimeRanges = "is_in_day_of_week_time_ranges"
)

// Condition is one gate on a policy. Values are interpreted per
// property: region codes, CIDRs, provider UUIDs, or time-of-week
// strings (see ParseTimeOfWeek).
type Condition struct {
	Property string   `json:"property"`
	Operator string   `json:"operator"`
	Values   []string `json:"values"`
}

// Context carries the client-side facts conditions are checked against.
type Context struct {
	RemoteIP   netip.Addr
	Region     string
	ProviderID *uuid.UUID
}

// Conforms evaluates all conditions as a conjunction and returns the
// properties that failed, deduplicated in first-failure order. An
// empty result means the context is admitted.
func Conforms(conds []Condition, cctx Context, now time.Time) []string {
	var violated []string
	seen := make(map[string]bool)

	for _, cond := range conds {
		if conforms(cond, cctx, now) {
			continue
		}
		if !seen[cond.Property] {
			seen[cond.Property] = true
			violated = append(violated, cond.Property)
		}
	}
	return violated
}

func conforms(cond Condition, cctx Context, now time.Time) bool {
	switch cond.Property {
	case PropertyRemoteIPLocationRegion:
		in := contains(cond.Values, cctx.Region) && cctx.Region != ""
		return applyMembership(cond.Operator, in)

	case PropertyRemoteIP:
		in := anyCIDRContains(cond.Values, cctx.RemoteIP)
		switch cond.Operator {
		case OpIsInCIDR:
			return in
		case OpIsNotInCIDR:
			return !in
		}
		return false

	case PropertyProviderID:
		in := cctx.ProviderID != nil && contains(cond.Values, cctx.ProviderID.String())
		return applyMembership(cond.Operator, in)

	case PropertyCurrentUTCDateTime:
		if cond.Operator != OpIsInDayOfWeekTimeRanges {
			return false
		}
		return anyRangeAdmits(cond.Values, now)
	}

	// Unknown properties never admit; a misconfigured policy fails closed.
	return false
}

// Validate checks a condition at write time so malformed values are
// rejected before they can silently fail closed during evaluation.
func Validate(cond Condition) error {
	switch cond.Property {
	case PropertyRemoteIPLocationRegion:
		if cond.Operator != OpIsIn && cond.Operator != OpIsNotIn {
			return fmt.Errorf("unsupported operator %q for %s", cond.Operator, cond.Property)
		}
		for _, v := range cond.Values {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("%s: empty region code", cond.Property)
			}
		}
	case PropertyRemoteIP:
		if cond.Operator != OpIsInCIDR && cond.Operator != OpIsNotInCIDR {
			return fmt.Errorf("unsupported operator %q for %s", cond.Operator, cond.Property)
		}
		for _, v := range cond.Values {
			if _, err := netip.ParsePrefix(v); err != nil {
				return fmt.Errorf("%s: %q is not a CIDR", cond.Property, v)
			}
		}
	case PropertyProviderID:
		if cond.Operator != OpIsIn && cond.Operator != OpIsNotIn {
			return fmt.Errorf("unsupported operator %q for %s", cond.Operator, cond.Property)
		}
		for _, v := range cond.Values {
			if _, err := uuid.Parse(v); err != nil {
				return fmt.Errorf("%s: %q is not a UUID", cond.Property, v)
			}
		}
	case PropertyCurrentUTCDateTime:
		if cond.Operator != OpIsInDayOfWeekTimeRanges {
			return fmt.Errorf("unsupported operator %q for %s", cond.Operator, cond.Property)
		}
		for _, v := range cond.Values {
			if _, err := ParseTimeOfWeek(v); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown property %q", cond.Property)
	}
	return nil
}

func applyMembership(op string, in bool) bool {
	switch op {
	case OpIsIn:
		return in
	case OpIsNotIn:
		return !in
	}
	return false
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func anyCIDRContains(cidrs []string, addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, c := range cidrs {
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			continue
		}
		if prefix.Addr().Is4() != addr.Is4() {
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func anyRangeAdmits(values []string, now time.Time) bool {
	for _, v := range values {
		dr, err := ParseTimeOfWeek(v)
		if err != nil {
			continue
		}
		if dr.Admits(now) {
			return true
		}
	}
	return false
}
