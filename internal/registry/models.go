// Package registry provides the model catalog and identifier resolution for the
// gateway. It maps client-requested model identifiers onto canonical backend
// model identifiers together with their capability family and thinking tier.
// The catalog is built once at startup and is immutable afterwards; runtime
// route overrides live in the Resolver.
package registry

import "fmt"

// Family identifies one of the two backend capability groups. Each family has
// independent quota accounting and a distinct envelope/auth shape.
type Family string

const (
	// FamilyClaude is the Anthropic-style model group behind the envelope
	// backend. Thinking-capable, single quota pool.
	FamilyClaude Family = "claude"
	// FamilyGemini is the Gemini-style model group. Two header bundles select
	// independent quota pools, plus a separate pool for image generation.
	FamilyGemini Family = "gemini"
)

// ThinkingTier is the reasoning budget level requested from a model.
type ThinkingTier string

const (
	TierNone   ThinkingTier = "none"
	TierLow    ThinkingTier = "low"
	TierMedium ThinkingTier = "medium"
	TierHigh   ThinkingTier = "high"
)

// TierBudget returns the fixed reasoning token budget for a tier.
func TierBudget(tier ThinkingTier) int {
	switch tier {
	case TierLow:
		return 8192
	case TierMedium:
		return 16384
	case TierHigh:
		return 32768
	default:
		return 0
	}
}

// ModelDescriptor describes one entry of the static model catalog.
type ModelDescriptor struct {
	// ID is the client-facing identifier. Unique within the catalog.
	ID string
	// BackendID is the canonical identifier sent to the backend. Several
	// aliases may map to the same backend model.
	BackendID string
	// Family selects the capability group and quota accounting scheme.
	Family Family
	// Tier is the thinking tier baked into this identifier.
	Tier ThinkingTier
	// ThinkingBudget overrides TierBudget when non-zero.
	ThinkingBudget int
	// ContextWindow and MaxOutputTokens are advertised token limits.
	ContextWindow   int
	MaxOutputTokens int
	// ImageOutput marks image-generation models.
	ImageOutput bool
	// FunctionCalling marks models accepting tool declarations.
	FunctionCalling bool
	// DisplayName is a human readable label for listings.
	DisplayName string
}

// Budget returns the effective thinking budget for the descriptor.
func (d *ModelDescriptor) Budget() int {
	if d.ThinkingBudget > 0 {
		return d.ThinkingBudget
	}
	return TierBudget(d.Tier)
}

// ImageResolution is a generated image output resolution.
type ImageResolution string

const (
	ResolutionDefault ImageResolution = "default"
	Resolution2K      ImageResolution = "2K"
	Resolution4K      ImageResolution = "4K"
)

// ImageAspectRatio is a generated image aspect ratio.
type ImageAspectRatio string

const (
	RatioSquare    ImageAspectRatio = "1:1"
	RatioLandscape ImageAspectRatio = "4:3"
	RatioPortrait  ImageAspectRatio = "3:4"
	RatioWide      ImageAspectRatio = "16:9"
	RatioTall      ImageAspectRatio = "9:16"
	RatioUltraWide ImageAspectRatio = "21:9"
)

// ImageVariant is the parsed resolution/aspect-ratio pair of an image model id.
type ImageVariant struct {
	Resolution  ImageResolution
	AspectRatio ImageAspectRatio
}

// String renders the variant for display, e.g. "4K 16:9".
func (v ImageVariant) String() string {
	return fmt.Sprintf("%s %s", v.Resolution, v.AspectRatio)
}
