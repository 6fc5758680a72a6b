package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/marketing/config"
	"example.com/backstage/services/marketing/internal/messaging"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Consume inbound contact events and dispatched tasks, and sweep durably scheduled tasks`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	// Events ride a session-enabled queue keyed by contact id, so one
	// contact's events are handled strictly in order.
	eventConsumer, err := messaging.NewSessionConsumer(cfg.ServiceBus, cfg.ServiceBus.EventQueueName)
	if err != nil {
		return err
	}
	taskConsumer, err := messaging.NewConsumer(cfg.ServiceBus, cfg.ServiceBus.TaskQueueName)
	if err != nil {
		return err
	}

	log.Info().
		Str("event_queue", cfg.ServiceBus.EventQueueName).
		Str("task_queue", cfg.ServiceBus.TaskQueueName).
		Msg("Starting worker")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eventConsumer.Run(gctx, app.eventService.ProcessEventMessage)
	})
	g.Go(func() error {
		return taskConsumer.Run(gctx, app.taskService.ProcessTaskMessage)
	})
	g.Go(func() error {
		return app.scheduler.Run(gctx)
	})

	if err := g.Wait(); err != nil && !isShutdown(err) {
		return err
	}

	log.Info().Msg("Shutting down worker")
	return nil
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled)
}
