package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/backstage/services/marketing/internal/models"
	"example.com/backstage/services/marketing/internal/repositories"
)

// TemplateHandler handles template HTTP requests
type TemplateHandler struct {
	templates *repositories.TemplateRepository
}

// NewTemplateHandler creates a new template handler
func NewTemplateHandler(templates *repositories.TemplateRepository) *TemplateHandler {
	return &TemplateHandler{templates: templates}
}

// RegisterRoutes registers the handler's routes
func (h *TemplateHandler) RegisterRoutes(router gin.IRouter) {
	g := router.Group("/projects/:project/templates")
	g.POST("", h.HandleCreate)
	g.GET("", h.HandleList)
	g.GET("/:id", h.HandleGet)
	g.PUT("/:id", h.HandleUpdate)
	g.DELETE("/:id", h.HandleDelete)
}

// TemplateRequest is the writable part of a template
type TemplateRequest struct {
	Name    string              `json:"name" binding:"required"`
	Type    models.TemplateType `json:"templateType" binding:"required"`
	Subject string              `json:"subject"`
	Body    string              `json:"body"`
}

// HandleCreate creates a template
func (h *TemplateHandler) HandleCreate(c *gin.Context) {
	var req TemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tmpl := &models.Template{
		Name:    req.Name,
		Type:    req.Type,
		Subject: req.Subject,
		Body:    req.Body,
	}
	tmpl.Project = c.Param("project")
	if err := h.templates.Create(c.Request.Context(), tmpl); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, tmpl)
}

// HandleList returns one page of a project's templates
func (h *TemplateHandler) HandleList(c *gin.Context) {
	templates, next, err := h.templates.List(c.Request.Context(), c.Param("project"), pageOptions(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": templates, "next_cursor": next})
}

// HandleGet returns one template
func (h *TemplateHandler) HandleGet(c *gin.Context) {
	tmpl, ok, err := h.templates.GetByID(c.Request.Context(), c.Param("project"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		respondNotFound(c, "template")
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

// HandleUpdate fully overwrites a template
func (h *TemplateHandler) HandleUpdate(c *gin.Context) {
	project := c.Param("project")

	tmpl, ok, err := h.templates.GetByID(c.Request.Context(), project, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		respondNotFound(c, "template")
		return
	}

	var req TemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tmpl.Name = req.Name
	tmpl.Type = req.Type
	tmpl.Subject = req.Subject
	tmpl.Body = req.Body
	if err := h.templates.Update(c.Request.Context(), tmpl); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, tmpl)
}

// HandleDelete removes a template
func (h *TemplateHandler) HandleDelete(c *gin.Context) {
	if err := h.templates.Delete(c.Request.Context(), c.Param("project"), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
