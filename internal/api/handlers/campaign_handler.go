package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/backstage/services/marketing/internal/models"
	"example.com/backstage/services/marketing/internal/repositories"
	"example.com/backstage/services/marketing/internal/services"
)

// CampaignHandler handles campaign HTTP requests
type CampaignHandler struct {
	campaigns *repositories.CampaignRepository
	service   *services.CampaignService
}

// NewCampaignHandler creates a new campaign handler
func NewCampaignHandler(campaigns *repositories.CampaignRepository, service *services.CampaignService) *CampaignHandler {
	return &CampaignHandler{campaigns: campaigns, service: service}
}

// RegisterRoutes registers the handler's routes
func (h *CampaignHandler) RegisterRoutes(router gin.IRouter) {
	g := router.Group("/projects/:project/campaigns")
	g.POST("", h.HandleCreate)
	g.GET("", h.HandleList)
	g.GET("/:id", h.HandleGet)
	g.PUT("/:id", h.HandleUpdate)
	g.DELETE("/:id", h.HandleDelete)
	g.POST("/:id/queue", h.HandleQueue)
}

// CampaignRequest is the writable part of a campaign
type CampaignRequest struct {
	Name     string `json:"name" binding:"required"`
	Template string `json:"template" binding:"required"`
}

// HandleCreate creates a campaign in draft state
func (h *CampaignHandler) HandleCreate(c *gin.Context) {
	var req CampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	campaign := &models.Campaign{
		Name:     req.Name,
		Template: req.Template,
		Status:   models.CampaignDraft,
	}
	campaign.Project = c.Param("project")
	if err := h.campaigns.Create(c.Request.Context(), campaign); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, campaign)
}

// HandleList returns a project's campaigns, optionally filtered by
// ?status=
func (h *CampaignHandler) HandleList(c *gin.Context) {
	project := c.Param("project")

	if status := c.Query("status"); status != "" {
		campaigns, err := h.campaigns.ListByStatus(c.Request.Context(), project, models.CampaignStatus(status))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": campaigns})
		return
	}

	campaigns, next, err := h.campaigns.List(c.Request.Context(), project, pageOptions(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": campaigns, "next_cursor": next})
}

// HandleGet returns one campaign
func (h *CampaignHandler) HandleGet(c *gin.Context) {
	campaign, ok, err := h.campaigns.GetByID(c.Request.Context(), c.Param("project"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		respondNotFound(c, "campaign")
		return
	}
	c.JSON(http.StatusOK, campaign)
}

// HandleUpdate overwrites a draft campaign's writable fields
func (h *CampaignHandler) HandleUpdate(c *gin.Context) {
	project := c.Param("project")

	campaign, ok, err := h.campaigns.GetByID(c.Request.Context(), project, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		respondNotFound(c, "campaign")
		return
	}
	if campaign.Status != models.CampaignDraft {
		c.JSON(http.StatusConflict, gin.H{"error": "only draft campaigns can be edited"})
		return
	}

	var req CampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	campaign.Name = req.Name
	campaign.Template = req.Template
	if err := h.campaigns.Update(c.Request.Context(), campaign); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, campaign)
}

// HandleDelete removes a campaign
func (h *CampaignHandler) HandleDelete(c *gin.Context) {
	if err := h.campaigns.Delete(c.Request.Context(), c.Param("project"), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleQueue moves a draft campaign into the queued state and enqueues
// its fan-out task
func (h *CampaignHandler) HandleQueue(c *gin.Context) {
	campaign, err := h.service.Queue(c.Request.Context(), c.Param("project"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, campaign)
}
