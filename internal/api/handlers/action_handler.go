package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/backstage/services/marketing/internal/models"
	"example.com/backstage/services/marketing/internal/repositories"
)

// ActionHandler handles automation action HTTP requests
type ActionHandler struct {
	actions *repositories.ActionRepository
}

// NewActionHandler creates a new action handler
func NewActionHandler(actions *repositories.ActionRepository) *ActionHandler {
	return &ActionHandler{actions: actions}
}

// RegisterRoutes registers the handler's routes
func (h *ActionHandler) RegisterRoutes(router gin.IRouter) {
	g := router.Group("/projects/:project/actions")
	g.POST("", h.HandleCreate)
	g.GET("", h.HandleList)
	g.GET("/:id", h.HandleGet)
	g.PUT("/:id", h.HandleUpdate)
	g.DELETE("/:id", h.HandleDelete)
}

// ActionRequest is the writable part of an action
type ActionRequest struct {
	Name      string   `json:"name"`
	Events    []string `json:"events" binding:"required,min=1"`
	NotEvents []string `json:"notEvents"`
	RunOnce   bool     `json:"runOnce"`
	Delay     int      `json:"delay"`
	Template  string   `json:"template" binding:"required"`
}

// HandleCreate creates an action
func (h *ActionHandler) HandleCreate(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	action := &models.Action{
		Name:      req.Name,
		Events:    req.Events,
		NotEvents: req.NotEvents,
		RunOnce:   req.RunOnce,
		Delay:     req.Delay,
		Template:  req.Template,
	}
	action.Project = c.Param("project")
	if err := h.actions.Create(c.Request.Context(), action); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, action)
}

// HandleList returns all of a project's actions
func (h *ActionHandler) HandleList(c *gin.Context) {
	actions, err := h.actions.ListByProject(c.Request.Context(), c.Param("project"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": actions})
}

// HandleGet returns one action
func (h *ActionHandler) HandleGet(c *gin.Context) {
	action, ok, err := h.actions.GetByID(c.Request.Context(), c.Param("project"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		respondNotFound(c, "action")
		return
	}
	c.JSON(http.StatusOK, action)
}

// HandleUpdate fully overwrites an action
func (h *ActionHandler) HandleUpdate(c *gin.Context) {
	project := c.Param("project")

	action, ok, err := h.actions.GetByID(c.Request.Context(), project, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		respondNotFound(c, "action")
		return
	}

	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	action.Name = req.Name
	action.Events = req.Events
	action.NotEvents = req.NotEvents
	action.RunOnce = req.RunOnce
	action.Delay = req.Delay
	action.Template = req.Template
	if err := h.actions.Update(c.Request.Context(), action); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, action)
}

// HandleDelete removes an action
func (h *ActionHandler) HandleDelete(c *gin.Context) {
	if err := h.actions.Delete(c.Request.Context(), c.Param("project"), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
