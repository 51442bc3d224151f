/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/acronis/go-admission/ratelimit"
)

const (
	headerForwardedFor = "X-Forwarded-For"
	headerRealIP       = "X-Real-IP"
)

// Caller identifies the originator of a request.
type Caller struct {
	// ID is the authenticated user id or, for anonymous callers, their network address.
	ID   string
	Role string
	Tier ratelimit.Tier
	// Authenticated is false when ID is a network address.
	Authenticated bool
}

type callerCtxKey struct{}

// NewContextWithCaller creates a new context with the caller resolved by an identity layer.
// Such a caller takes precedence over the identity headers.
func NewContextWithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerCtxKey{}, caller)
}

// GetCallerFromContext extracts the caller from the context.
func GetCallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerCtxKey{}).(Caller)
	return caller, ok
}

// roleSet is a case-insensitive set of roles.
type roleSet map[string]struct{}

func newRoleSet(roles []string) roleSet {
	s := make(roleSet, len(roles))
	for _, role := range roles {
		s[strings.ToLower(role)] = struct{}{}
	}
	return s
}

func (s roleSet) has(role string) bool {
	if role == "" {
		return false
	}
	_, ok := s[strings.ToLower(role)]
	return ok
}

type callerResolver struct {
	userHeader     string
	roleHeader     string
	elevatedRoles  roleSet
	trustedProxies []*net.IPNet
}

func newCallerResolver(cfg IdentityConfig, elevatedRoles []string) (*callerResolver, error) {
	trustedProxies, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	return &callerResolver{
		userHeader:     cfg.UserHeader,
		roleHeader:     cfg.RoleHeader,
		elevatedRoles:  newRoleSet(elevatedRoles),
		trustedProxies: trustedProxies,
	}, nil
}

// parseTrustedProxies accepts both single addresses and CIDR blocks.
func parseTrustedProxies(proxies []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(proxies))
	for _, proxy := range proxies {
		proxy = strings.TrimSpace(proxy)
		if !strings.Contains(proxy, "/") {
			ip := net.ParseIP(proxy)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy address %q", proxy)
			}
			bits := 8 * net.IPv6len
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 8*net.IPv4len
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy network %q: %w", proxy, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

func (cr *callerResolver) resolve(r *http.Request) Caller {
	caller, ok := GetCallerFromContext(r.Context())
	if !ok {
		caller = Caller{}
		if cr.userHeader != "" {
			caller.ID = strings.TrimSpace(r.Header.Get(cr.userHeader))
		}
		if cr.roleHeader != "" {
			caller.Role = strings.TrimSpace(r.Header.Get(cr.roleHeader))
		}
		caller.Authenticated = caller.ID != ""
	}
	if caller.ID == "" {
		caller.ID = cr.networkAddr(r)
		caller.Authenticated = false
	}
	if cr.elevatedRoles.has(caller.Role) {
		caller.Tier = ratelimit.TierElevated
	} else {
		caller.Tier = ratelimit.TierStandard
	}
	return caller
}

// networkAddr returns the address of the peer. Proxy headers are client-controlled,
// so they are honored only when the peer is a trusted proxy.
// The client is then the rightmost X-Forwarded-For hop that is not a trusted proxy itself.
func (cr *callerResolver) networkAddr(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !cr.isTrustedProxy(peer) {
		return peer
	}
	if xff := r.Header.Values(headerForwardedFor); len(xff) != 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !cr.isTrustedProxy(hop) || i == 0 {
				return hop
			}
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get(headerRealIP)); realIP != "" {
		return realIP
	}
	return peer
}

func (cr *callerResolver) isTrustedProxy(addr string) bool {
	if len(cr.trustedProxies) == 0 {
		return false
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, ipNet := range cr.trustedProxies {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}
