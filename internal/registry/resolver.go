package registry

import (
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Route is one custom routing rule. Pattern is an exact identifier or a glob
// with at most one "*"; Target is the backend identifier to substitute.
type Route struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Target  string `json:"target" yaml:"target"`
}

// Resolution is the outcome of resolving a requested model identifier.
type Resolution struct {
	// Model is the canonical backend identifier.
	Model string
	// Family selects quota accounting and envelope behaviour.
	Family Family
	// Tier and Budget describe the requested reasoning effort.
	Tier   ThinkingTier
	Budget int
	// Descriptor is the matched catalog entry, nil for pass-through ids.
	Descriptor *ModelDescriptor
}

// Resolver owns the static catalog plus the operator-controlled route table.
// Route lookups happen before the static catalog; the table is replaceable at
// runtime via SetRoutes.
type Resolver struct {
	catalog  *Catalog
	fallback string

	mu     sync.RWMutex
	routes []Route
}

// NewResolver builds a resolver over the catalog. fallbackModel is the
// last-resort identifier; when empty, DefaultFallbackModel is used.
func NewResolver(catalog *Catalog, fallbackModel string) *Resolver {
	if fallbackModel == "" {
		fallbackModel = DefaultFallbackModel
	}
	return &Resolver{catalog: catalog, fallback: fallbackModel}
}

// Catalog exposes the underlying immutable catalog.
func (r *Resolver) Catalog() *Catalog { return r.catalog }

// SetRoutes atomically replaces the custom route table. Patterns with more
// than one wildcard are rejected.
func (r *Resolver) SetRoutes(routes []Route) error {
	cleaned := make([]Route, 0, len(routes))
	for _, rt := range routes {
		pattern := strings.TrimSpace(rt.Pattern)
		target := strings.TrimSpace(rt.Target)
		if pattern == "" || target == "" {
			continue
		}
		if strings.Count(pattern, "*") > 1 {
			return fmt.Errorf("route pattern %q: at most one wildcard allowed", pattern)
		}
		cleaned = append(cleaned, Route{Pattern: pattern, Target: target})
	}
	r.mu.Lock()
	r.routes = cleaned
	r.mu.Unlock()
	log.Debugf("resolver: route table replaced, %d rules", len(cleaned))
	return nil
}

// Routes returns a copy of the current route table in insertion order.
func (r *Resolver) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// Resolve maps a requested identifier to a canonical backend model. An
// optional "provider:" prefix is stripped first. Lookup order: exact route,
// wildcard route, static catalog, tier-suffix fallback, family inference.
// Resolve never fails; a stable baseline is the worst case.
func (r *Resolver) Resolve(requested string) Resolution {
	id := strings.TrimSpace(requested)
	if idx := strings.Index(id, ":"); idx >= 0 {
		id = id[idx+1:]
	}

	if target := r.routeTarget(id); target != "" {
		res := r.resolveStatic(target)
		log.Debugf("resolver: %q routed to %q", id, res.Model)
		return res
	}
	return r.resolveStatic(id)
}

// routeTarget consults the custom table: exact matches win over wildcard
// matches; wildcard rules apply in insertion order, first hit wins.
func (r *Resolver) routeTarget(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes {
		if !strings.Contains(rt.Pattern, "*") && rt.Pattern == id {
			return rt.Target
		}
	}
	for _, rt := range r.routes {
		if strings.Contains(rt.Pattern, "*") && wildcardMatch(rt.Pattern, id) {
			return rt.Target
		}
	}
	return ""
}

// wildcardMatch implements the single-star glob: "X*Y" matches any string
// with prefix X and suffix Y that is long enough to contain both.
func wildcardMatch(pattern, s string) bool {
	star := strings.Index(pattern, "*")
	if star < 0 {
		return pattern == s
	}
	prefix := pattern[:star]
	suffix := pattern[star+1:]
	if len(s) < len(prefix)+len(suffix) {
		return false
	}
	return strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix)
}

var tierSuffixes = []struct {
	Suffix string
	Tier   ThinkingTier
}{
	{"-high", TierHigh},
	{"-medium", TierMedium},
	{"-low", TierLow},
}

func (r *Resolver) resolveStatic(id string) Resolution {
	if d, ok := r.catalog.Lookup(id); ok {
		return Resolution{
			Model:      d.BackendID,
			Family:     d.Family,
			Tier:       d.Tier,
			Budget:     d.Budget(),
			Descriptor: d,
		}
	}

	for _, ts := range tierSuffixes {
		if strings.HasSuffix(id, ts.Suffix) && len(id) > len(ts.Suffix) {
			base := strings.TrimSuffix(id, ts.Suffix)
			return Resolution{
				Model:  base,
				Family: inferFamily(base),
				Tier:   ts.Tier,
				Budget: TierBudget(ts.Tier),
			}
		}
	}

	if looksLikeClaude(id) {
		d, _ := r.catalog.Lookup(defaultClaudeModel)
		return Resolution{Model: defaultClaudeModel, Family: FamilyClaude, Tier: TierNone, Descriptor: d}
	}
	if id != "" {
		// The Gemini side of the backend tolerates unknown model strings, so
		// unmatched ids pass through untouched.
		return Resolution{Model: id, Family: FamilyGemini, Tier: TierNone}
	}
	return Resolution{Model: r.fallback, Family: FamilyGemini, Tier: TierNone}
}

func looksLikeClaude(id string) bool {
	return strings.Contains(strings.ToLower(id), "claude")
}

func inferFamily(id string) Family {
	if looksLikeClaude(id) {
		return FamilyClaude
	}
	return FamilyGemini
}

// IsThinkingCapable reports whether an identifier resolves to a Claude-family
// model with a non-trivial thinking tier. Only those models accept the
// interleaved-thinking capability header.
func (r *Resolver) IsThinkingCapable(id string) bool {
	res := r.Resolve(id)
	return res.Family == FamilyClaude && res.Tier != TierNone
}

// IsImageCapable reports whether the identifier or its catalog entry is
// flagged for image output.
func (r *Resolver) IsImageCapable(id string) bool {
	res := r.Resolve(id)
	if res.Descriptor != nil && res.Descriptor.ImageOutput {
		return true
	}
	return strings.Contains(strings.ToLower(res.Model), "image")
}
