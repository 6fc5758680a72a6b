package cmd

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"example.com/backstage/services/marketing/config"
	"example.com/backstage/services/marketing/internal/automation"
	"example.com/backstage/services/marketing/internal/cache"
	"example.com/backstage/services/marketing/internal/database"
	"example.com/backstage/services/marketing/internal/dispatch"
	"example.com/backstage/services/marketing/internal/mailer"
	"example.com/backstage/services/marketing/internal/messaging"
	"example.com/backstage/services/marketing/internal/metrics"
	"example.com/backstage/services/marketing/internal/models"
	"example.com/backstage/services/marketing/internal/repositories"
	"example.com/backstage/services/marketing/internal/search"
	"example.com/backstage/services/marketing/internal/services"
	"example.com/backstage/services/marketing/internal/store"
	"example.com/backstage/services/marketing/internal/tracing"

	"github.com/rs/zerolog/log"
)

var rootCmd = &cobra.Command{
	Use:   "marketing-service",
	Short: "Marketing automation service",
	Long:  `Multi-tenant marketing automation: contact events, automation actions, campaigns and delayed task dispatch`,
}

// Execute runs the root command
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

// application holds everything both the API server and the worker wire
// up the same way.
type application struct {
	cfg config.Config

	store      *store.Store
	cache      *cache.RedisCache
	elastic    *search.ElasticClient
	tracer     tracing.Tracer
	metrics    *metrics.Metrics
	taskQueue  *messaging.TaskQueue
	scheduler  *dispatch.Scheduler
	dispatcher *dispatch.Dispatcher

	contacts  *repositories.ContactRepository
	events    *repositories.EventRepository
	actions   *repositories.ActionRepository
	templates *repositories.TemplateRepository
	campaigns *repositories.CampaignRepository
	messages  *repositories.MessageRepository

	engine          *automation.Engine
	eventService    *services.EventService
	contactService  *services.ContactService
	campaignService *services.CampaignService
	taskService     *services.TaskService
}

func buildApplication(cfg config.Config) (*application, error) {
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}

	entityStore := store.New(db, models.Schemas())
	if err := entityStore.Migrate(); err != nil {
		return nil, errors.Wrap(err, "failed to migrate entity store")
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search")
	}

	taskQueue, err := messaging.NewTaskQueue(cfg.ServiceBus)
	if err != nil {
		return nil, err
	}
	inspector, err := messaging.NewQueueInspector(cfg.ServiceBus)
	if err != nil {
		return nil, err
	}

	scheduler := dispatch.NewScheduler(db, taskQueue,
		dispatch.WithSweepInterval(cfg.Scheduler.SweepInterval),
		dispatch.WithSweepBatch(cfg.Scheduler.SweepBatch),
	)
	if err := scheduler.Migrate(); err != nil {
		return nil, errors.Wrap(err, "failed to migrate scheduled tasks")
	}

	metricsCollector := metrics.NewMetrics()
	dispatcher := dispatch.New(taskQueue, scheduler, inspector, dispatch.WithMetrics(metricsCollector))

	contacts := repositories.NewContactRepository(entityStore)
	events := repositories.NewEventRepository(entityStore)
	actions := repositories.NewActionRepository(entityStore, redisCache)
	templates := repositories.NewTemplateRepository(entityStore)
	campaigns := repositories.NewCampaignRepository(entityStore)
	messages := repositories.NewMessageRepository(entityStore)

	engine := automation.New(events, actions, templates, dispatcher, redisCache, metricsCollector)

	eventService := services.NewEventService(contacts, events, engine, elasticClient, metricsCollector, tracer)
	contactService := services.NewContactService(contacts, eventService, dispatcher)
	campaignService := services.NewCampaignService(campaigns, contacts, dispatcher, metricsCollector)
	taskService := services.NewTaskService(
		contacts, templates, messages, events, campaignService,
		mailer.NewTextRenderer(), mailer.NewLogTransport(), metricsCollector,
	)

	return &application{
		cfg:             cfg,
		store:           entityStore,
		cache:           redisCache,
		elastic:         elasticClient,
		tracer:          tracer,
		metrics:         metricsCollector,
		taskQueue:       taskQueue,
		scheduler:       scheduler,
		dispatcher:      dispatcher,
		contacts:        contacts,
		events:          events,
		actions:         actions,
		templates:       templates,
		campaigns:       campaigns,
		messages:        messages,
		engine:          engine,
		eventService:    eventService,
		contactService:  contactService,
		campaignService: campaignService,
		taskService:     taskService,
	}, nil
}

func (a *application) close() {
	if err := a.taskQueue.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close task queue client")
	}
	if err := a.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Redis client")
	}
	a.tracer.Close()
}
