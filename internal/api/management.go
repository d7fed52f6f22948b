package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/lyralabs/gravityrouter/internal/config"
	"github.com/lyralabs/gravityrouter/internal/pool"
	"github.com/lyralabs/gravityrouter/internal/quota"
)

// ManagementHandler serves the operator endpoints: route table editing,
// account pool inspection, and per-account quota reports.
type ManagementHandler struct {
	srv *Server
}

func newManagementHandler(srv *Server) *ManagementHandler {
	return &ManagementHandler{srv: srv}
}

// GetRoutes returns the active route table in declaration order.
func (h *ManagementHandler) GetRoutes(c *gin.Context) {
	_, resolver, _, _ := h.srv.snapshot()
	routes := resolver.Routes()
	out := make([]config.Route, 0, len(routes))
	for _, r := range routes {
		out = append(out, config.Route{Pattern: r.Pattern, Target: r.Target})
	}
	c.JSON(http.StatusOK, gin.H{"routes": out})
}

// PutRoutes replaces the route table and persists it to the config file.
func (h *ManagementHandler) PutRoutes(c *gin.Context) {
	var payload struct {
		Routes []config.Route `json:"routes"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "invalid route table payload: "+err.Error(), "invalid_request_error")
		return
	}

	cfg, resolver, _, _ := h.srv.snapshot()
	if err := resolver.SetRoutes(toRegistryRoutes(payload.Routes)); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}

	h.srv.mu.Lock()
	cfg.Routes = payload.Routes
	h.srv.mu.Unlock()
	if h.srv.configFilePath != "" {
		if err := cfg.Save(h.srv.configFilePath); err != nil {
			log.Warnf("route table applied but not persisted: %v", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"routes": payload.Routes})
}

// accountView is the redacted account representation exposed over the
// management surface. Tokens never leave the process.
type accountView struct {
	Index            int                  `json:"index"`
	Email            string               `json:"email,omitempty"`
	ProjectID        string               `json:"projectId"`
	AddedAt          time.Time            `json:"addedAt"`
	LastUsed         time.Time            `json:"lastUsed,omitempty"`
	LastSwitchReason string               `json:"lastSwitchReason,omitempty"`
	RateLimits       map[string]time.Time `json:"rateLimits,omitempty"`
}

func toAccountView(a pool.Account) accountView {
	view := accountView{
		Index:            a.Index,
		Email:            a.Email,
		ProjectID:        a.ProjectID,
		AddedAt:          a.AddedAt,
		LastUsed:         a.LastUsed,
		LastSwitchReason: string(a.LastSwitchReason),
	}
	if len(a.RateLimitResets) > 0 {
		view.RateLimits = make(map[string]time.Time, len(a.RateLimitResets))
		for key, reset := range a.RateLimitResets {
			view.RateLimits[string(key)] = reset
		}
	}
	return view
}

// ListAccounts returns the pool without credential material.
func (h *ManagementHandler) ListAccounts(c *gin.Context) {
	accounts := h.srv.manager.Accounts()
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, toAccountView(a))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

// AddAccount registers a credential, updating in place when the email or
// refresh token already exists in the pool.
func (h *ManagementHandler) AddAccount(c *gin.Context) {
	var cred pool.Credential
	if err := c.ShouldBindJSON(&cred); err != nil {
		respondError(c, http.StatusBadRequest, "invalid credential payload: "+err.Error(), "invalid_request_error")
		return
	}
	if cred.RefreshToken == "" {
		respondError(c, http.StatusBadRequest, "refresh token is required", "invalid_request_error")
		return
	}
	account := h.srv.manager.AddOrUpdate(cred)
	c.JSON(http.StatusOK, toAccountView(account))
}

func (h *ManagementHandler) accountIndex(c *gin.Context) (int, bool) {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil || idx < 0 || idx >= h.srv.manager.Len() {
		respondError(c, http.StatusNotFound, "no account at that index", "not_found")
		return 0, false
	}
	return idx, true
}

// DeleteAccount removes an account from the pool.
func (h *ManagementHandler) DeleteAccount(c *gin.Context) {
	idx, ok := h.accountIndex(c)
	if !ok {
		return
	}
	if !h.srv.manager.Remove(idx) {
		respondError(c, http.StatusNotFound, "no account at that index", "not_found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": idx})
}

// AccountQuota fetches the live quota snapshot for one account.
func (h *ManagementHandler) AccountQuota(c *gin.Context) {
	idx, ok := h.accountIndex(c)
	if !ok {
		return
	}
	cfg, _, httpClient, _ := h.srv.snapshot()
	endpointBase := cfg.EndpointBase
	if endpointBase == "" {
		endpointBase = DefaultEndpointBase
	}

	accessToken, err := h.srv.manager.EnsureAccessToken(c.Request.Context(), idx, httpClient)
	if err != nil {
		respondError(c, http.StatusBadGateway, "token refresh failed: "+err.Error(), "upstream_error")
		return
	}
	accounts := h.srv.manager.Accounts()
	snapshot, err := quota.Fetch(c.Request.Context(), httpClient, accessToken, accounts[idx].ProjectID, endpointBase)
	if err != nil {
		respondError(c, http.StatusBadGateway, "quota fetch failed: "+err.Error(), "upstream_error")
		return
	}
	c.JSON(http.StatusOK, snapshot)
}
