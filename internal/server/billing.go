package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	entdomain "github.com/smallbiznis/soldiers/internal/entitlement/domain"
)

type checkoutRequest struct {
	PriceID      string   `json:"price_id"`
	Mode         string   `json:"mode"`
	PurchaseType string   `json:"purchase_type"`
	PlanType     string   `json:"plan_type"`
	Soldiers     []string `json:"soldiers"`
}

func (s *Server) CreateCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ownerID, email := ownerFromContext(c)
	url, err := s.entitlements.CreateCheckout(c.Request.Context(), entdomain.CheckoutRequest{
		OwnerID:      ownerID,
		Email:        email,
		PriceRef:     req.PriceID,
		PurchaseType: req.PurchaseType,
		PlanType:     req.PlanType,
		Soldiers:     req.Soldiers,
		Mode:         req.Mode,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (s *Server) CreatePortal(c *gin.Context) {
	ownerID, _ := ownerFromContext(c)
	url, err := s.entitlements.CreatePortal(c.Request.Context(), ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}
