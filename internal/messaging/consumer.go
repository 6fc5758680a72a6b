package messaging

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/marketing/config"
)

// MessageHandler processes one received message. Returning an error
// abandons the message back to the queue.
type MessageHandler func(ctx context.Context, msg *azservicebus.ReceivedMessage) error

// Consumer drains a plain (non-session) queue, used for the task queue
// where ordering does not matter.
type Consumer struct {
	client    *azservicebus.Client
	queueName string
}

func NewConsumer(cfg config.ServiceBusConfig, queueName string) (*Consumer, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}
	return &Consumer{client: client, queueName: queueName}, nil
}

// Run receives messages in batches until the context is cancelled.
func (c *Consumer) Run(ctx context.Context, handler MessageHandler) error {
	receiver, err := c.client.NewReceiverForQueue(c.queueName, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to create receiver for queue %s", c.queueName)
	}
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Str("queue", c.queueName).Msg("Error closing receiver")
		}
	}()

	for {
		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "failed to receive from queue %s", c.queueName)
		}

		for _, message := range messages {
			if err := handler(ctx, message); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error processing message")
				if err := receiver.AbandonMessage(ctx, message, nil); err != nil {
					log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error abandoning message")
				}
				continue
			}
			if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error completing message")
			}
		}
	}
}

// SessionConsumer drains a session-enabled queue. Producers key the
// session on the contact id, so one contact's events are handled
// strictly in order; the automation engine depends on that.
type SessionConsumer struct {
	client    *azservicebus.Client
	queueName string
}

func NewSessionConsumer(cfg config.ServiceBusConfig, queueName string) (*SessionConsumer, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}
	return &SessionConsumer{client: client, queueName: queueName}, nil
}

// Run accepts sessions as they become available and processes each one
// to exhaustion before moving on.
func (c *SessionConsumer) Run(ctx context.Context, handler MessageHandler) error {
	log.Info().Str("queue", c.queueName).Msg("Starting session consumer")

	for {
		sessionReceiver, err := c.client.AcceptNextSessionForQueue(ctx, c.queueName, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
				log.Debug().Msg("No session available, waiting...")
				time.Sleep(2 * time.Second)
				continue
			}
			return errors.Wrapf(err, "failed to accept session on queue %s", c.queueName)
		}

		c.handleSession(ctx, sessionReceiver, handler)
	}
}

func (c *SessionConsumer) handleSession(ctx context.Context, receiver *azservicebus.SessionReceiver, handler MessageHandler) {
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Str("session_id", receiver.SessionID()).Msg("Error closing session")
		}
	}()

	for {
		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("session_id", receiver.SessionID()).Msg("Error receiving session messages")
			}
			return
		}
		if len(messages) == 0 {
			return
		}

		for _, message := range messages {
			if err := handler(ctx, message); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error processing session message")
				if err := receiver.AbandonMessage(ctx, message, nil); err != nil {
					log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error abandoning session message")
				}
				continue
			}
			if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error completing session message")
			}
		}
	}
}
