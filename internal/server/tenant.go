package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type currentTenantResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	PlanType string `json:"plan_type"`
	Status   string `json:"status"`
	Method   string `json:"method"`
}

func (s *Server) CurrentTenant(c *gin.Context) {
	t, ok := tenantFrom(c)
	if !ok {
		AbortWithError(c, ErrTenantNotFound)
		return
	}
	c.JSON(http.StatusOK, currentTenantResponse{
		ID:       t.ID,
		Name:     t.Name,
		Domain:   t.Domain,
		PlanType: string(t.PlanType),
		Status:   string(t.Status),
		Method:   c.GetString(contextMethodKey),
	})
}

// FeaturePermission answers whether the tenant may perform ?action= (default "use") on a feature.
func (s *Server) FeaturePermission(c *gin.Context) {
	t, ok := tenantFrom(c)
	if !ok {
		AbortWithError(c, ErrTenantNotFound)
		return
	}
	perm, err := s.tenants.CheckFeaturePermission(c.Request.Context(), t.ID, c.Param("feature"), c.Query("action"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !perm.Allowed {
		AbortWithError(c, &FeatureDeniedError{Feature: c.Param("feature"), Reason: perm.Reason})
		return
	}
	c.JSON(http.StatusOK, perm)
}
