package constraint

import (
	"fmt"
	"log/slog"
	"net"
	"slices"

	"github.com/aegisproxy/aegis/internal/config"
	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/directive"
)

type geoRange struct {
	network *net.IPNet
	country string
}

// GeoRestrictor admits requests whose client IP resolves to one of the
// directive's allowed countries. Resolution uses the configured CIDR
// table; an unknown or missing client IP fails closed.
type GeoRestrictor struct {
	ranges []geoRange
	logger *slog.Logger
}

// NewGeoRestrictor creates the geo admission processor from the CIDR
// table in config. Invalid CIDRs are rejected at startup.
func NewGeoRestrictor(cfg config.GeoConfig, logger *slog.Logger) (*GeoRestrictor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &GeoRestrictor{logger: logger.With("component", "constraint.GeoRestrictor")}
	for _, r := range cfg.Ranges {
		_, network, err := net.ParseCIDR(r.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid geo CIDR %q: %w", r.CIDR, err)
		}
		g.ranges = append(g.ranges, geoRange{network: network, country: r.Country})
	}
	return g, nil
}

func (g *GeoRestrictor) Name() string { return "geo_restrict" }

func (g *GeoRestrictor) CanProcess(f directive.Family) bool {
	return f == directive.FamilyGeoRestrict
}

// CountryFor resolves an IP to a country code via the CIDR table.
func (g *GeoRestrictor) CountryFor(ip string) (string, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", false
	}
	for _, r := range g.ranges {
		if r.network.Contains(parsed) {
			return r.country, true
		}
	}
	return "", false
}

func (g *GeoRestrictor) Admit(dctx *decision.Context, dir string) error {
	allowed, err := directive.ParseGeoRestrict(dir)
	if err != nil {
		return decision.NewError(decision.CodeConstraintViolated,
			fmt.Sprintf("malformed geo-restrict directive %q", dir))
	}

	ip := dctx.ClientIP()
	if ip == "" {
		return decision.NewError(decision.CodeConstraintViolated,
			"geo restriction applies but client IP is unknown").
			WithDetail("allowed_countries", allowed)
	}

	country, ok := g.CountryFor(ip)
	if !ok {
		g.logger.Warn("client IP not in geo table", "agent", dctx.Agent, "client_ip", ip)
		return decision.NewError(decision.CodeConstraintViolated,
			fmt.Sprintf("client IP %s has no known country", ip)).
			WithDetail("allowed_countries", allowed)
	}

	if !slices.Contains(allowed, country) {
		return decision.NewError(decision.CodeConstraintViolated,
			fmt.Sprintf("access from %s is not permitted", country)).
			WithDetail("country", country).
			WithDetail("allowed_countries", allowed)
	}
	return nil
}
