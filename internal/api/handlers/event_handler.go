package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/backstage/services/marketing/internal/repositories"
	"example.com/backstage/services/marketing/internal/services"
	"example.com/backstage/services/marketing/internal/tracing"
)

// EventHandler handles event ingestion over HTTP. The queue consumer
// feeds the same service, this path just answers synchronously.
type EventHandler struct {
	service *services.EventService
	events  *repositories.EventRepository
	tracer  tracing.Tracer
}

// NewEventHandler creates a new event handler
func NewEventHandler(service *services.EventService, events *repositories.EventRepository, tracer tracing.Tracer) *EventHandler {
	return &EventHandler{service: service, events: events, tracer: tracer}
}

// RegisterRoutes registers the handler's routes
func (h *EventHandler) RegisterRoutes(router gin.IRouter) {
	g := router.Group("/projects/:project/events")
	g.POST("", h.HandleIngest)
	g.GET("", h.HandleList)
}

// HandleIngest accepts one contact event and runs automation over it
func (h *EventHandler) HandleIngest(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-ingest-event")
	defer h.tracer.EndTransaction(txn)

	var in services.IngestEventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.tracer.AddAttribute(txn, "event_type", in.EventType)
	h.tracer.AddAttribute(txn, "project", c.Param("project"))

	event, err := h.service.Ingest(c.Request.Context(), c.Param("project"), in)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, event)
}

// HandleList returns a contact's or relation's events
func (h *EventHandler) HandleList(c *gin.Context) {
	project := c.Param("project")
	ctx := c.Request.Context()

	if contact := c.Query("contact"); contact != "" {
		events, err := h.events.ListByContact(ctx, project, contact)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": events})
		return
	}
	if relation := c.Query("relation"); relation != "" {
		events, err := h.events.ListByRelation(ctx, project, relation)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": events})
		return
	}

	c.JSON(http.StatusBadRequest, gin.H{"error": "contact or relation query parameter is required"})
}
