package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/services/marketing/config"
	"example.com/backstage/services/marketing/internal/api"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server for contacts, events, actions, templates and campaigns`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app, err := buildApplication(cfg)
	if err != nil {
		return err
	}
	defer app.close()

	server := api.NewServer(cfg, api.Deps{
		Contacts:        app.contacts,
		Events:          app.events,
		Actions:         app.actions,
		Templates:       app.templates,
		Campaigns:       app.campaigns,
		ContactService:  app.contactService,
		EventService:    app.eventService,
		CampaignService: app.campaignService,
		Dispatcher:      app.dispatcher,
		Metrics:         app.metrics,
		Tracer:          app.tracer,
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	<-ctx.Done()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}
