// Package transform rewrites client requests into the backend envelope format
// and backend responses (buffered or streamed) back into the client's
// expected shape. All payload surgery happens directly on raw JSON bytes.
package transform

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/lyralabs/gravityrouter/internal/pool"
	"github.com/lyralabs/gravityrouter/internal/registry"
)

const (
	// ActionGenerate and friends are the client protocol actions carried in
	// the inbound route path after the model identifier.
	ActionGenerate    = "generateContent"
	ActionStream      = "streamGenerateContent"
	ActionCountTokens = "countTokens"

	envelopeVersion = "v1internal"

	// maxOutputTokenCeiling is forced onto requests whose configured output
	// cap could not contain the requested thinking budget.
	maxOutputTokenCeiling = 65536

	// interleavedThinkingHint is appended to the system instruction of
	// thinking-capable requests that declare tools.
	interleavedThinkingHint = "Use interleaved thinking: after each tool result, reason about it before deciding on the next tool call or final answer."

	interleavedThinkingHeader = "interleaved-thinking-2025-05-14"
)

// MalformedRequestError reports an inbound body that could not be parsed.
// It is fatal to the request and surfaced straight to the caller.
type MalformedRequestError struct {
	Detail string
}

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("malformed request: %s", e.Detail)
}

// OutboundRequest is the fully assembled backend call.
type OutboundRequest struct {
	URL            string
	Body           []byte
	Headers        http.Header
	IsStreaming    bool
	CanonicalModel string
	Family         registry.Family
	Kind           pool.RequestKind
	SessionID      string
	RequestID      string
}

// SplitModelAction parses the trailing "{model}:{action}" segment of the
// inbound route path. Streaming is signalled solely by the action marker.
func SplitModelAction(path string) (model, action string, ok bool) {
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	segment := path
	if idx := strings.LastIndex(segment, "/"); idx >= 0 {
		segment = segment[idx+1:]
	}
	colon := strings.LastIndex(segment, ":")
	if colon <= 0 || colon == len(segment)-1 {
		return "", "", false
	}
	return segment[:colon], segment[colon+1:], true
}

// BuildOutboundRequest rewrites an inbound client body into the backend
// envelope for the resolved model, selecting headers by style and appending
// the streaming markers when the inbound action asks for a stream.
func BuildOutboundRequest(resolver *registry.Resolver, requestedModel, action string, inboundBody []byte, accessToken, projectID string, style pool.HeaderStyle, endpointBase string) (*OutboundRequest, error) {
	if !gjson.ValidBytes(inboundBody) {
		return nil, &MalformedRequestError{Detail: "request body is not valid JSON"}
	}

	isStreaming := action == ActionStream
	res := resolver.Resolve(requestedModel)
	payload := append([]byte(nil), inboundBody...)

	hasTools := gjson.GetBytes(payload, "tools").Exists()
	thinkingCapable := res.Family == registry.FamilyClaude && res.Tier != registry.TierNone

	if thinkingCapable && hasTools {
		if sys := gjson.GetBytes(payload, "systemInstruction"); sys.Exists() {
			hint := fmt.Sprintf(`{"text":%q}`, interleavedThinkingHint)
			payload, _ = sjson.SetRawBytes(payload, "systemInstruction.parts.-1", []byte(hint))
		}
	}

	if res.Tier != registry.TierNone {
		payload, _ = sjson.SetBytes(payload, "generationConfig.thinkingConfig.includeThoughts", true)
		payload, _ = sjson.SetBytes(payload, "generationConfig.thinkingConfig.thinkingBudget", res.Budget)
		if limit := gjson.GetBytes(payload, "generationConfig.maxOutputTokens"); limit.Exists() && limit.Int() <= int64(res.Budget) {
			payload, _ = sjson.SetBytes(payload, "generationConfig.maxOutputTokens", maxOutputTokenCeiling)
		}
	}

	if hasTools && res.Family == registry.FamilyClaude {
		payload, _ = sjson.SetBytes(payload, "toolConfig.functionCallingConfig.mode", "VALIDATED")
	}

	kind := pool.KindText
	if resolver.IsImageCapable(requestedModel) {
		kind = pool.KindImage
		payload = applyImageVariant(payload, requestedModel)
	}

	sessionID := uuid.NewString()
	payload, _ = sjson.SetBytes(payload, "session_id", sessionID)

	requestID := uuid.NewString()
	envelope := `{"project":"","request":{},"model":"","requestId":""}`
	envelope, _ = sjson.Set(envelope, "project", projectID)
	envelope, _ = sjson.SetRaw(envelope, "request", string(payload))
	envelope, _ = sjson.Set(envelope, "model", res.Model)
	envelope, _ = sjson.Set(envelope, "requestId", requestID)

	url := fmt.Sprintf("%s/%s:%s", strings.TrimSuffix(endpointBase, "/"), envelopeVersion, backendAction(isStreaming, action))
	if isStreaming {
		url += "?alt=sse"
	}

	headers := buildHeaders(style, accessToken, isStreaming, thinkingCapable)

	return &OutboundRequest{
		URL:            url,
		Body:           []byte(envelope),
		Headers:        headers,
		IsStreaming:    isStreaming,
		CanonicalModel: res.Model,
		Family:         res.Family,
		Kind:           kind,
		SessionID:      sessionID,
		RequestID:      requestID,
	}, nil
}

func backendAction(isStreaming bool, action string) string {
	if isStreaming {
		return ActionStream
	}
	if action == ActionCountTokens {
		return ActionCountTokens
	}
	return ActionGenerate
}

// applyImageVariant injects the image generation config encoded in the
// requested identifier (resolution and aspect-ratio suffix tokens).
func applyImageVariant(payload []byte, requestedModel string) []byte {
	variant := registry.ParseImageVariant(requestedModel)
	payload, _ = sjson.SetBytes(payload, "generationConfig.imageConfig.aspectRatio", string(variant.AspectRatio))
	if variant.Resolution != registry.ResolutionDefault {
		payload, _ = sjson.SetBytes(payload, "generationConfig.imageConfig.imageSize", string(variant.Resolution))
	}
	return payload
}

// buildHeaders assembles the fixed header bundle for a style. The two bundles
// attribute the request to different upstream clients and therefore count
// against independent quota pools.
func buildHeaders(style pool.HeaderStyle, accessToken string, isStreaming, thinkingCapable bool) http.Header {
	headers := make(http.Header)
	headers.Set("Content-Type", "application/json")
	headers.Set("Authorization", "Bearer "+accessToken)
	switch style {
	case pool.StyleGeminiCLI:
		headers.Set("User-Agent", "google-api-nodejs-client/9.15.1")
		headers.Set("X-Goog-Api-Client", "gl-node/22.17.0")
		headers.Set("Client-Metadata", "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI")
	default:
		headers.Set("User-Agent", "antigravity/1.11.5 windows/amd64")
		headers.Set("X-Goog-Api-Client", "gl-node/22.17.0")
		headers.Set("Client-Metadata", "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=ANTIGRAVITY")
	}
	if isStreaming {
		headers.Set("Accept", "text/event-stream")
	} else {
		headers.Set("Accept", "application/json")
	}
	if thinkingCapable {
		headers.Set("Anthropic-Beta", interleavedThinkingHeader)
	}
	return headers
}
