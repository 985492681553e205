package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	entdomain "github.com/smallbiznis/soldiers/internal/entitlement/domain"
	obscontext "github.com/smallbiznis/soldiers/internal/observability/context"
	"github.com/smallbiznis/soldiers/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	HeaderAdminToken = "X-Admin-Token"

	contextOwnerIDKey = "owner_id"
	contextEmailKey   = "owner_email"
)

// AuthRequired accepts a bearer access token from the identity provider.
// The first request of a new owner registers it and claims any grant paid
// for before the account existed.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		claims, err := s.verifier.Verify(parts[1])
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ownerID := claims.OwnerID()
		email := claims.NormalizedEmail()
		ctx := obscontext.WithOwnerID(c.Request.Context(), ownerID)
		ctx = obscontext.WithActor(ctx, obscontext.ActorUser, ownerID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextOwnerIDKey, ownerID)
		c.Set(contextEmailKey, email)

		created, err := s.owners.Upsert(ctx, ownerID, email)
		if err != nil {
			logger.WithContext(ctx, s.log).Warn("owner upsert failed", zap.Error(err))
		}
		if created && email != "" {
			if _, err := s.entitlements.ClaimPendingGrants(ctx, ownerID, email); err != nil {
				logger.WithContext(ctx, s.log).Warn("claiming pending grants failed", zap.Error(err))
			}
		}

		c.Next()
	}
}

// EntryPoint tags the request context with the entry point the route serves.
func EntryPoint(entry entdomain.EntryPoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(obscontext.WithEntryPoint(c.Request.Context(), string(entry)))
		c.Next()
	}
}

// AdminRequired gates operator routes behind the shared admin token.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(s.cfg.Auth.AdminToken)
		if expected == "" {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		given := strings.TrimSpace(c.GetHeader(HeaderAdminToken))
		if given == "" || subtle.ConstantTimeCompare([]byte(given), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actorID := strings.TrimSpace(c.GetHeader("X-Admin-Actor"))
		if actorID == "" {
			actorID = "token"
		}
		ctx := obscontext.WithActor(c.Request.Context(), obscontext.ActorAdmin, actorID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func ownerFromContext(c *gin.Context) (string, string) {
	return c.GetString(contextOwnerIDKey), c.GetString(contextEmailKey)
}
