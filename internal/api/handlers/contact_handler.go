package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"example.com/backstage/services/marketing/internal/models"
	"example.com/backstage/services/marketing/internal/repositories"
	"example.com/backstage/services/marketing/internal/services"
	"example.com/backstage/services/marketing/internal/store"
)

// ContactHandler handles contact-related HTTP requests
type ContactHandler struct {
	contacts *repositories.ContactRepository
	service  *services.ContactService
}

// NewContactHandler creates a new contact handler
func NewContactHandler(contacts *repositories.ContactRepository, service *services.ContactService) *ContactHandler {
	return &ContactHandler{contacts: contacts, service: service}
}

// RegisterRoutes registers the handler's routes
func (h *ContactHandler) RegisterRoutes(router gin.IRouter) {
	g := router.Group("/projects/:project/contacts")
	g.POST("", h.HandleCreate)
	g.GET("", h.HandleList)
	g.GET("/:id", h.HandleGet)
	g.PUT("/:id", h.HandleUpdate)
	g.DELETE("/:id", h.HandleDelete)
	g.POST("/:id/subscribe", h.HandleSubscribe)
	g.POST("/:id/unsubscribe", h.HandleUnsubscribe)
}

// ContactRequest is the writable part of a contact
type ContactRequest struct {
	Email      string                 `json:"email" binding:"required"`
	Subscribed bool                   `json:"subscribed"`
	Data       map[string]interface{} `json:"data"`
}

// HandleCreate creates a contact
func (h *ContactHandler) HandleCreate(c *gin.Context) {
	var req ContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contact := &models.Contact{
		Email:      req.Email,
		Subscribed: req.Subscribed,
		Data:       req.Data,
	}
	if err := h.service.Create(c.Request.Context(), c.Param("project"), contact); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, contact)
}

// HandleGet returns one contact, with related entities embedded when
// requested via ?embed=events,messages
func (h *ContactHandler) HandleGet(c *gin.Context) {
	project := c.Param("project")

	contact, ok, err := h.contacts.GetByID(c.Request.Context(), project, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		respondNotFound(c, "contact")
		return
	}

	if relations := embedRelations(c); len(relations) > 0 {
		page := []models.Contact{*contact}
		if err := h.contacts.Embed(c.Request.Context(), project, page, relations); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, page[0])
		return
	}

	c.JSON(http.StatusOK, contact)
}

// HandleList returns one page of a project's contacts
func (h *ContactHandler) HandleList(c *gin.Context) {
	project := c.Param("project")
	opts := pageOptions(c)

	contacts, next, err := h.contacts.List(c.Request.Context(), project, opts)
	if err != nil {
		respondError(c, err)
		return
	}

	if relations := embedRelations(c); len(relations) > 0 && len(contacts) > 0 {
		if err := h.contacts.Embed(c.Request.Context(), project, contacts, relations); err != nil {
			respondError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"items": contacts, "next_cursor": next})
}

// HandleUpdate fully overwrites a contact's writable fields. Use the
// subscribe endpoints to change subscription state so the matching
// event gets recorded.
func (h *ContactHandler) HandleUpdate(c *gin.Context) {
	project := c.Param("project")

	contact, ok, err := h.contacts.GetByID(c.Request.Context(), project, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		respondNotFound(c, "contact")
		return
	}

	var req ContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contact.Email = req.Email
	contact.Data = req.Data
	if err := h.contacts.Update(c.Request.Context(), contact); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, contact)
}

// HandleDelete removes a contact and queues cleanup of its related
// entities
func (h *ContactHandler) HandleDelete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("project"), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleSubscribe marks a contact as subscribed
func (h *ContactHandler) HandleSubscribe(c *gin.Context) {
	h.setSubscribed(c, true)
}

// HandleUnsubscribe marks a contact as unsubscribed
func (h *ContactHandler) HandleUnsubscribe(c *gin.Context) {
	h.setSubscribed(c, false)
}

func (h *ContactHandler) setSubscribed(c *gin.Context, subscribed bool) {
	contact, err := h.service.SetSubscribed(c.Request.Context(), c.Param("project"), c.Param("id"), subscribed)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, contact)
}

// embedRelations parses the ?embed= query parameter
func embedRelations(c *gin.Context) []string {
	raw := c.Query("embed")
	if raw == "" {
		return nil
	}
	var relations []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			relations = append(relations, r)
		}
	}
	return relations
}

// pageOptions parses the shared limit/cursor query parameters
func pageOptions(c *gin.Context) store.ListOptions {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return store.ListOptions{
		Limit:  limit,
		Cursor: c.Query("cursor"),
	}
}
