package registry

import "strings"

// DefaultFallbackModel is the stable baseline identifier returned when
// resolution cannot produce anything better. Overridable via configuration.
const DefaultFallbackModel = "gemini-3-flash"

// defaultClaudeModel is the baseline used when an unknown identifier merely
// looks like a Claude model.
const defaultClaudeModel = "claude-sonnet-4-5"

// Catalog is the immutable model table built at process start.
type Catalog struct {
	byID  map[string]*ModelDescriptor
	order []string
}

// baseDescriptors returns the hand-maintained portion of the catalog. Image
// model variants are generated on top of it by NewCatalog.
func baseDescriptors() []*ModelDescriptor {
	return []*ModelDescriptor{
		{
			ID:              "claude-sonnet-4-5",
			BackendID:       "claude-sonnet-4-5",
			Family:          FamilyClaude,
			Tier:            TierNone,
			ContextWindow:   180000,
			MaxOutputTokens: 64000,
			FunctionCalling: true,
			DisplayName:     "Claude Sonnet 4.5",
		},
		{
			ID:              "claude-sonnet-4-5-thinking",
			BackendID:       "claude-sonnet-4-5-thinking",
			Family:          FamilyClaude,
			Tier:            TierMedium,
			ContextWindow:   180000,
			MaxOutputTokens: 64000,
			FunctionCalling: true,
			DisplayName:     "Claude Sonnet 4.5 Thinking",
		},
		{
			ID:              "claude-opus-4-5-thinking",
			BackendID:       "claude-opus-4-5-thinking",
			Family:          FamilyClaude,
			Tier:            TierHigh,
			ContextWindow:   180000,
			MaxOutputTokens: 64000,
			FunctionCalling: true,
			DisplayName:     "Claude Opus 4.5 Thinking",
		},
		{
			ID:              "gemini-3-pro",
			BackendID:       "gemini-3-pro-high",
			Family:          FamilyGemini,
			Tier:            TierHigh,
			ContextWindow:   1048576,
			MaxOutputTokens: 65536,
			FunctionCalling: true,
			DisplayName:     "Gemini 3 Pro",
		},
		{
			ID:              "gemini-3-pro-high",
			BackendID:       "gemini-3-pro-high",
			Family:          FamilyGemini,
			Tier:            TierHigh,
			ContextWindow:   1048576,
			MaxOutputTokens: 65536,
			FunctionCalling: true,
			DisplayName:     "Gemini 3 Pro High",
		},
		{
			ID:              "gemini-3-pro-low",
			BackendID:       "gemini-3-pro-low",
			Family:          FamilyGemini,
			Tier:            TierLow,
			ContextWindow:   1048576,
			MaxOutputTokens: 65536,
			FunctionCalling: true,
			DisplayName:     "Gemini 3 Pro Low",
		},
		{
			ID:              "gemini-3-flash",
			BackendID:       "gemini-3-flash",
			Family:          FamilyGemini,
			Tier:            TierNone,
			ContextWindow:   1048576,
			MaxOutputTokens: 65536,
			FunctionCalling: true,
			DisplayName:     "Gemini 3 Flash",
		},
		{
			ID:              "gemini-2.5-flash",
			BackendID:       "gemini-2.5-flash",
			Family:          FamilyGemini,
			Tier:            TierNone,
			ContextWindow:   1048576,
			MaxOutputTokens: 65536,
			FunctionCalling: true,
			DisplayName:     "Gemini 2.5 Flash",
		},
		{
			ID:              "gemini-2.5-flash-thinking",
			BackendID:       "gemini-2.5-flash-thinking",
			Family:          FamilyGemini,
			Tier:            TierLow,
			ContextWindow:   1048576,
			MaxOutputTokens: 65536,
			FunctionCalling: true,
			DisplayName:     "Gemini 2.5 Flash Thinking",
		},
		{
			ID:              "gemini-2.5-flash-lite",
			BackendID:       "gemini-2.5-flash-lite",
			Family:          FamilyGemini,
			Tier:            TierNone,
			ContextWindow:   1048576,
			MaxOutputTokens: 65536,
			FunctionCalling: true,
			DisplayName:     "Gemini 2.5 Flash Lite",
		},
		{
			ID:              "gpt-oss-120b-medium",
			BackendID:       "gpt-oss-120b-medium",
			Family:          FamilyClaude,
			Tier:            TierNone,
			ContextWindow:   131072,
			MaxOutputTokens: 32768,
			FunctionCalling: true,
			DisplayName:     "GPT-OSS 120B Medium",
		},
		{
			ID:              "gemini-3-pro-image",
			BackendID:       "gemini-3-pro-image",
			Family:          FamilyGemini,
			Tier:            TierNone,
			ContextWindow:   32768,
			MaxOutputTokens: 8192,
			ImageOutput:     true,
			DisplayName:     "Gemini 3 Pro Image",
		},
	}
}

// imageResolutionSuffixes maps identifier suffix tokens to resolutions. The
// empty token is the plain base identifier.
var imageResolutionSuffixes = []struct {
	Token string
	Label string
}{
	{"", ""},
	{"-2k", "2K"},
	{"-4k", "4K"},
}

// imageRatioSuffixes maps identifier suffix tokens to aspect ratios. A bare
// base id and an explicit "-1x1" id are distinct identifiers with identical
// backend behaviour.
var imageRatioSuffixes = []struct {
	Token string
	Label string
}{
	{"", ""},
	{"-1x1", "1:1"},
	{"-4x3", "4:3"},
	{"-3x4", "3:4"},
	{"-16x9", "16:9"},
	{"-9x16", "9:16"},
	{"-21x9", "21:9"},
}

// NewCatalog builds the catalog from the static table plus the generated
// image-model variants (full resolution x aspect-ratio cross product).
func NewCatalog() *Catalog {
	c := &Catalog{byID: make(map[string]*ModelDescriptor)}
	for _, d := range baseDescriptors() {
		c.add(d)
		if !d.ImageOutput {
			continue
		}
		for _, res := range imageResolutionSuffixes {
			for _, ratio := range imageRatioSuffixes {
				if res.Token == "" && ratio.Token == "" {
					continue // the base id itself, already added
				}
				variant := *d
				variant.ID = d.ID + res.Token + ratio.Token
				variant.DisplayName = imageVariantLabel(d.DisplayName, res.Label, ratio.Label)
				c.add(&variant)
			}
		}
	}
	return c
}

func imageVariantLabel(base, res, ratio string) string {
	label := base
	if res != "" {
		label += " " + res
	}
	if ratio != "" {
		label += " " + ratio
	}
	return label
}

func (c *Catalog) add(d *ModelDescriptor) {
	if _, exists := c.byID[d.ID]; exists {
		return
	}
	c.byID[d.ID] = d
	c.order = append(c.order, d.ID)
}

// Lookup returns the descriptor for an exact identifier match.
func (c *Catalog) Lookup(id string) (*ModelDescriptor, bool) {
	d, ok := c.byID[id]
	return d, ok
}

// IDs returns all catalog identifiers in table order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Descriptors returns all descriptors in table order.
func (c *Catalog) Descriptors() []*ModelDescriptor {
	out := make([]*ModelDescriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// ParseImageVariant extracts the resolution and aspect ratio embedded in an
// image model identifier. Matching is substring containment on the lower-cased
// id, not suffix anchored, so "-hd" and "-4k" both resolve to 4K. The default
// aspect ratio is 1:1.
func ParseImageVariant(id string) ImageVariant {
	lower := strings.ToLower(id)
	v := ImageVariant{Resolution: ResolutionDefault, AspectRatio: RatioSquare}
	switch {
	case strings.Contains(lower, "-4k"), strings.Contains(lower, "-hd"):
		v.Resolution = Resolution4K
	case strings.Contains(lower, "-2k"):
		v.Resolution = Resolution2K
	}
	// Longer tokens first so "21x9" is not shadowed by shorter matches.
	ratios := []struct {
		token string
		ratio ImageAspectRatio
	}{
		{"21x9", RatioUltraWide},
		{"16x9", RatioWide},
		{"9x16", RatioTall},
		{"4x3", RatioLandscape},
		{"3x4", RatioPortrait},
		{"1x1", RatioSquare},
	}
	for _, r := range ratios {
		if strings.Contains(lower, r.token) {
			v.AspectRatio = r.ratio
			break
		}
	}
	return v
}
