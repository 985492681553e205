package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	entdomain "github.com/smallbiznis/soldiers/internal/entitlement/domain"
)

func (s *Server) AdminGetEntitlement(c *gin.Context) {
	ownerID := strings.TrimSpace(c.Param("owner_id"))
	record, err := s.entitlements.Get(c.Request.Context(), ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	now := s.clock.Now()
	c.JSON(http.StatusOK, entitlementView{
		OwnerID:      ownerID,
		Capabilities: record.EffectiveCapabilities(now),
		HasAccess:    record.HasAccess(now),
		Record:       record,
	})
}

func (s *Server) AdminListAudit(c *gin.Context) {
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	size := 0
	if limit != nil {
		size = *limit
	}

	logs, err := s.entitlements.ListAudit(c.Request.Context(), c.Param("owner_id"), size)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": logs})
}

type grantRequest struct {
	Capabilities []string `json:"capabilities"`
	PlanKind     string   `json:"plan_kind"`
	Interval     string   `json:"interval"`
	Until        string   `json:"until"`
	Actor        string   `json:"actor"`
}

func (s *Server) AdminGrant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	until, err := parseOptionalTime(req.Until, true)
	if err != nil {
		AbortWithError(c, newValidationError("until", "invalid_until", "until must be RFC3339 or YYYY-MM-DD"))
		return
	}

	res, err := s.entitlements.Grant(c.Request.Context(), entdomain.GrantRequest{
		OwnerID:      c.Param("owner_id"),
		Capabilities: req.Capabilities,
		PlanKind:     entdomain.PlanKind(req.PlanKind),
		Interval:     entdomain.Interval(req.Interval),
		Until:        until,
		Actor:        req.Actor,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type revokeRequest struct {
	Capabilities []string `json:"capabilities"`
	All          bool     `json:"all"`
	Actor        string   `json:"actor"`
}

func (s *Server) AdminRevoke(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.entitlements.Revoke(c.Request.Context(), entdomain.RevokeRequest{
		OwnerID:      c.Param("owner_id"),
		Capabilities: req.Capabilities,
		All:          req.All,
		Actor:        req.Actor,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) AdminCancel(c *gin.Context) {
	res, err := s.entitlements.CancelOwner(c.Request.Context(), c.Param("owner_id"), "")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) AdminReconcile(c *gin.Context) {
	res, err := s.entitlements.Reconcile(c.Request.Context(), entdomain.ReconcileRequest{
		OwnerID:    c.Param("owner_id"),
		Email:      c.Query("email"),
		EntryPoint: entdomain.EntryAdmin,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) AdminSweep(c *gin.Context) {
	if s.sweeper == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	summary, err := s.sweeper.RunOnce(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
