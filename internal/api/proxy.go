package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/lyralabs/gravityrouter/internal/logging"
	"github.com/lyralabs/gravityrouter/internal/pool"
	"github.com/lyralabs/gravityrouter/internal/registry"
	"github.com/lyralabs/gravityrouter/internal/transform"
	"github.com/lyralabs/gravityrouter/internal/upstream"
)

// DefaultEndpointBase is the backend endpoint used when the configuration
// does not override it.
const DefaultEndpointBase = "https://cloudcode-pa.googleapis.com"

// GatewayHandler serves the client-facing generation endpoints.
type GatewayHandler struct {
	srv *Server
}

func newGatewayHandler(srv *Server) *GatewayHandler {
	return &GatewayHandler{srv: srv}
}

// ListModels returns the static catalog in list form.
func (h *GatewayHandler) ListModels(c *gin.Context) {
	_, resolver, _, _ := h.srv.snapshot()
	descriptors := resolver.Catalog().Descriptors()
	models := make([]gin.H, 0, len(descriptors))
	for _, d := range descriptors {
		models = append(models, gin.H{
			"name":             "models/" + d.ID,
			"displayName":      d.DisplayName,
			"inputTokenLimit":  d.ContextWindow,
			"outputTokenLimit": d.MaxOutputTokens,
			"supportedGenerationMethods": []string{
				transform.ActionGenerate,
				transform.ActionStream,
				transform.ActionCountTokens,
			},
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

// Generate handles POST /v1beta/models/{model}:{action}. It resolves the
// model, walks the account pool until an account serves the request or the
// pool is exhausted, and relays the backend answer to the client.
func (h *GatewayHandler) Generate(c *gin.Context) {
	model, action, ok := transform.SplitModelAction(c.Param("action"))
	if !ok {
		respondError(c, http.StatusNotFound, "expected path of the form /v1beta/models/{model}:{action}", "invalid_request_error")
		return
	}
	switch action {
	case transform.ActionGenerate, transform.ActionStream, transform.ActionCountTokens:
	default:
		respondError(c, http.StatusNotFound, fmt.Sprintf("unsupported action %q", action), "invalid_request_error")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		return
	}

	cfg, resolver, httpClient, exchangeLogger := h.srv.snapshot()
	endpointBase := cfg.EndpointBase
	if endpointBase == "" {
		endpointBase = DefaultEndpointBase
	}

	family := resolver.Resolve(model).Family
	manager := h.srv.manager
	if manager.Len() == 0 {
		respondError(c, http.StatusServiceUnavailable, "no accounts configured", "no_accounts")
		return
	}

	// One account may legitimately serve two attempts for the Gemini family,
	// once per header bundle.
	maxAttempts := manager.Len() * 2
	if cfg.RequestRetry > 0 {
		maxAttempts = cfg.RequestRetry
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		account, acquired := manager.AcquireForFamily(family)
		if !acquired {
			h.respondExhausted(c, family)
			return
		}
		style, free := manager.HeaderStyleFor(account.Index, family)
		if !free {
			continue
		}

		accessToken, errToken := manager.EnsureAccessToken(c.Request.Context(), account.Index, httpClient)
		if errToken != nil {
			log.Warnf("token refresh failed for account %d (%s): %v", account.Index, account.Email, errToken)
			manager.MarkRateLimited(account.Index, 0, family, style, pool.KindText, pool.ReasonUnknown)
			continue
		}

		outbound, errBuild := transform.BuildOutboundRequest(resolver, model, action, body, accessToken, account.ProjectID, style, endpointBase)
		if errBuild != nil {
			respondError(c, http.StatusBadRequest, errBuild.Error(), "invalid_request_error")
			return
		}

		done := h.dispatch(c, outbound, account, style, httpClient, exchangeLogger)
		if done {
			return
		}
	}
	h.respondExhausted(c, family)
}

// dispatch performs one backend attempt. It returns true when the client has
// been answered; false means the account was rate limited on this pool and
// the caller should rotate.
func (h *GatewayHandler) dispatch(c *gin.Context, outbound *transform.OutboundRequest, account pool.Account, style pool.HeaderStyle, httpClient *http.Client, exchangeLogger *logging.FileExchangeLogger) bool {
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, outbound.URL, bytes.NewReader(outbound.Body))
	if err != nil {
		respondError(c, http.StatusInternalServerError, fmt.Sprintf("failed to build backend request: %v", err), "internal_error")
		return true
	}
	req.Header = outbound.Headers

	resp, err := httpClient.Do(req)
	if err != nil {
		if c.Request.Context().Err() != nil {
			// Client went away; nothing to answer.
			return true
		}
		log.Warnf("backend request failed for account %d (%s): %v", account.Index, account.Email, err)
		h.srv.manager.MarkRateLimited(account.Index, 0, outbound.Family, style, outbound.Kind, pool.ReasonServerError)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if upstream.IsRateLimit(resp.StatusCode) {
		errBody, _ := io.ReadAll(resp.Body)
		delay, _ := upstream.RetryDelay(resp.Header, errBody)
		reason := upstream.ClassifyFailure(resp.StatusCode, errBody)
		log.Infof("account %d (%s) limited on %s: status %d, reason %s", account.Index, account.Email, pool.QuotaKeyFor(outbound.Family, style, outbound.Kind), resp.StatusCode, reason)
		h.srv.manager.MarkRateLimited(account.Index, delay, outbound.Family, style, outbound.Kind, reason)
		return false
	}

	if outbound.IsStreaming && resp.StatusCode == http.StatusOK {
		h.relayStream(c, outbound, account, resp, exchangeLogger)
		return true
	}

	respBody, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		respondError(c, http.StatusBadGateway, fmt.Sprintf("failed to read backend response: %v", errRead), "upstream_error")
		return true
	}
	unwrapped := transform.UnwrapResponse(respBody)
	if exchangeLogger.IsEnabled() {
		if errLog := exchangeLogger.LogExchange(outbound.URL, outbound.CanonicalModel, account.Email, outbound.Body, resp.StatusCode, respBody); errLog != nil {
			log.Warnf("failed to record exchange: %v", errLog)
		}
	}
	c.Data(resp.StatusCode, "application/json", unwrapped)
	return true
}

// relayStream copies SSE frames to the client, unwrapping the backend
// envelope from each complete line while preserving framing bytes.
func (h *GatewayHandler) relayStream(c *gin.Context, outbound *transform.OutboundRequest, account pool.Account, resp *http.Response, exchangeLogger *logging.FileExchangeLogger) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondError(c, http.StatusInternalServerError, "streaming unsupported by connection", "internal_error")
		return
	}

	var streamLog logging.StreamLogWriter
	if exchangeLogger.IsEnabled() {
		if w, err := exchangeLogger.BeginStream(outbound.URL, outbound.CanonicalModel, account.Email, outbound.Body); err == nil {
			streamLog = w
			_ = streamLog.WriteStatus(resp.StatusCode)
			defer func() { _ = streamLog.Close() }()
		} else {
			log.Warnf("failed to start exchange log: %v", err)
		}
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	var unwrapper transform.StreamUnwrapper
	buf := make([]byte, 32*1024)
	for {
		n, errRead := resp.Body.Read(buf)
		if n > 0 {
			out := unwrapper.Process(buf[:n])
			if streamLog != nil {
				streamLog.WriteChunk(out)
			}
			if len(out) > 0 {
				_, _ = c.Writer.Write(out)
				flusher.Flush()
			}
		}
		if errRead != nil {
			if errRead == io.EOF {
				if tail := unwrapper.Flush(); len(tail) > 0 {
					if streamLog != nil {
						streamLog.WriteChunk(tail)
					}
					_, _ = c.Writer.Write(tail)
					flusher.Flush()
				}
			} else {
				log.Debugf("stream from backend ended with error: %v", errRead)
			}
			return
		}
	}
}

// respondExhausted reports that every account is cooling down for the
// family, advertising the shortest wait.
func (h *GatewayHandler) respondExhausted(c *gin.Context, family registry.Family) {
	wait := h.srv.manager.MinWait(family)
	seconds := int(wait/time.Second) + 1
	if wait <= 0 {
		seconds = 1
	}
	c.Header("Retry-After", fmt.Sprintf("%d", seconds))
	respondError(c, http.StatusTooManyRequests,
		fmt.Sprintf("all accounts are rate limited for the %s family, retry in %s", family, wait.Truncate(time.Second)),
		"pool_exhausted")
}
