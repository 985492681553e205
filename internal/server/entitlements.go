package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	entdomain "github.com/smallbiznis/soldiers/internal/entitlement/domain"
)

type entitlementView struct {
	OwnerID      string            `json:"owner_id"`
	Capabilities []string          `json:"capabilities"`
	HasAccess    bool              `json:"has_access"`
	Record       *entdomain.Record `json:"record,omitempty"`
}

func (s *Server) GetMyEntitlement(c *gin.Context) {
	ownerID, _ := ownerFromContext(c)
	c.JSON(http.StatusOK, s.entitlementView(c, ownerID))
}

func (s *Server) entitlementView(c *gin.Context, ownerID string) *entitlementView {
	view := &entitlementView{OwnerID: ownerID, Capabilities: []string{}}
	record, err := s.entitlements.Get(c.Request.Context(), ownerID)
	if err != nil {
		return view
	}
	now := s.clock.Now()
	view.Record = record
	view.Capabilities = record.EffectiveCapabilities(now)
	view.HasAccess = record.HasAccess(now)
	return view
}

type syncRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) SyncEntitlement(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	ownerID, _ := ownerFromContext(c)
	res, err := s.entitlements.SyncSession(c.Request.Context(), ownerID, strings.TrimSpace(req.SessionID))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) VerifySession(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		AbortWithError(c, newValidationError("session_id", "required", "session_id is required"))
		return
	}

	ownerID, _ := ownerFromContext(c)
	res, err := s.entitlements.VerifySession(c.Request.Context(), ownerID, sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) ClaimGrants(c *gin.Context) {
	ownerID, email := ownerFromContext(c)
	if email == "" {
		AbortWithError(c, newValidationError("email", "required", "token carries no email"))
		return
	}

	res, err := s.entitlements.ClaimPendingGrants(c.Request.Context(), ownerID, email)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
