// Package netrange expands operator-supplied IP and port specifications
// into concrete network endpoints.
//
// An IP token is either one literal address or a CIDR block; a port
// token is either one literal port or an inclusive "start-end" range.
// Expansion is pure and deterministic: the same tokens always produce
// the same ordered endpoint list or the same error.
package netrange

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"nodewarden/internal/domain"
)

// Sentinel errors for range validation. All are detected before any
// storage mutation; the API layer reports them as 422-class failures.
var (
	// ErrCIDROutOfRange indicates a CIDR block that would derive more
	// addresses than the policy admits.
	ErrCIDROutOfRange = errors.New("cidr out of range")

	// ErrPortOutOfRange indicates a port outside 1..65535 or a range
	// whose end precedes its start.
	ErrPortOutOfRange = errors.New("port out of range")

	// ErrTooManyPorts indicates a port range that would derive more
	// ports than the policy admits.
	ErrTooManyPorts = errors.New("too many ports in range")

	// ErrInvalidPortMapping indicates a token combination the policy
	// disallows, such as a port range paired with a multi-address CIDR
	// when SinglePortPerCIDR is set.
	ErrInvalidPortMapping = errors.New("invalid port mapping")
)

// Policy bounds how large an expansion may grow.
type Policy struct {
	// MaxAddresses caps the number of usable addresses a CIDR may
	// derive.
	MaxAddresses int

	// MaxPorts caps the number of ports a range may derive.
	MaxPorts int

	// SinglePortPerCIDR, when set, rejects a port range combined with
	// a CIDR that derives more than one address.
	SinglePortPerCIDR bool
}

// DefaultPolicy returns the standard expansion limits.
func DefaultPolicy() Policy {
	return Policy{MaxAddresses: 256, MaxPorts: 1000}
}

// Expand returns the ordered, deduplicated cross-product of the
// addresses derived from ipToken and the ports derived from portToken.
func Expand(ipToken, portToken string, policy Policy) ([]domain.Endpoint, error) {
	ports, err := expandPorts(portToken, policy)
	if err != nil {
		return nil, err
	}

	addrs, err := expandAddresses(ipToken, policy)
	if err != nil {
		return nil, err
	}

	if policy.SinglePortPerCIDR && len(addrs) > 1 && len(ports) > 1 {
		return nil, fmt.Errorf("%w: a port range cannot be combined with CIDR %q", ErrInvalidPortMapping, ipToken)
	}

	seen := make(map[domain.Endpoint]struct{}, len(addrs)*len(ports))
	endpoints := make([]domain.Endpoint, 0, len(addrs)*len(ports))
	for _, addr := range addrs {
		for _, port := range ports {
			ep := domain.Endpoint{IP: addr, Port: port}
			if _, dup := seen[ep]; dup {
				continue
			}
			seen[ep] = struct{}{}
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints, nil
}

// expandPorts parses a port token into an ordered list of ports.
func expandPorts(token string, policy Policy) ([]int, error) {
	start, end, isRange, err := parsePortToken(token)
	if err != nil {
		return nil, err
	}

	if start < 1 || start > 65535 || end < 1 || end > 65535 {
		return nil, fmt.Errorf("%w: %q must stay within 1..65535", ErrPortOutOfRange, token)
	}
	if isRange && end < start {
		return nil, fmt.Errorf("%w: %q ends before it starts", ErrPortOutOfRange, token)
	}
	if count := end - start + 1; policy.MaxPorts > 0 && count > policy.MaxPorts {
		return nil, fmt.Errorf("%w: %q derives %d ports, limit is %d", ErrTooManyPorts, token, count, policy.MaxPorts)
	}

	ports := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		ports = append(ports, p)
	}
	return ports, nil
}

func parsePortToken(token string) (start, end int, isRange bool, err error) {
	token = strings.TrimSpace(token)
	if lo, hi, ok := strings.Cut(token, "-"); ok {
		start, err = strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return 0, 0, true, fmt.Errorf("%w: invalid range start %q", ErrPortOutOfRange, lo)
		}
		end, err = strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return 0, 0, true, fmt.Errorf("%w: invalid range end %q", ErrPortOutOfRange, hi)
		}
		return start, end, true, nil
	}

	start, err = strconv.Atoi(token)
	if err != nil {
		return 0, 0, false, fmt.Errorf("%w: invalid port %q", ErrPortOutOfRange, token)
	}
	return start, start, false, nil
}

// expandAddresses parses an IP token into an ordered list of usable
// addresses. For an IPv4 CIDR narrower than /31 the network and
// broadcast addresses are skipped.
func expandAddresses(token string, policy Policy) ([]string, error) {
	token = strings.TrimSpace(token)

	if !strings.Contains(token, "/") {
		addr, err := netip.ParseAddr(token)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid address %q", ErrInvalidPortMapping, token)
		}
		return []string{addr.String()}, nil
	}

	prefix, err := netip.ParsePrefix(token)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cidr %q", ErrInvalidPortMapping, token)
	}
	prefix = prefix.Masked()

	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	// Reject absurdly wide blocks before iterating anything.
	if hostBits > 16 {
		return nil, fmt.Errorf("%w: %q is wider than the %d-address limit", ErrCIDROutOfRange, token, policy.MaxAddresses)
	}

	total := 1 << hostBits
	skipEdges := prefix.Addr().Is4() && hostBits >= 2

	usable := total
	if skipEdges {
		usable = total - 2
	}
	if policy.MaxAddresses > 0 && usable > policy.MaxAddresses {
		return nil, fmt.Errorf("%w: %q derives %d addresses, limit is %d", ErrCIDROutOfRange, token, usable, policy.MaxAddresses)
	}

	addrs := make([]string, 0, usable)
	addr := prefix.Addr()
	for i := 0; i < total; i, addr = i+1, addr.Next() {
		if skipEdges && (i == 0 || i == total-1) {
			continue
		}
		addrs = append(addrs, addr.String())
	}
	return addrs, nil
}
