package services

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/marketing/internal/dispatch"
	"example.com/backstage/services/marketing/internal/metrics"
	"example.com/backstage/services/marketing/internal/models"
	"example.com/backstage/services/marketing/internal/repositories"
)

// ErrUnknownCampaign is returned when a campaign id does not resolve.
var ErrUnknownCampaign = errors.New("unknown campaign")

// ErrCampaignNotDraft is returned when queueing a campaign that already
// left the draft state.
var ErrCampaignNotDraft = errors.New("only draft campaigns can be queued")

// recipientsPerStep throttles campaign fan-out: every 80 recipients add
// one minute of send delay. Past ~1200 recipients the delay crosses the
// immediate queue's ceiling and sends ride the durable path, which is
// why large campaigns depend on it.
const recipientsPerStep = 80

// DelayForRecipient returns the send delay, in seconds, of the i-th
// recipient of a campaign.
func DelayForRecipient(i int) int64 {
	return int64(i/recipientsPerStep) * 60
}

// CampaignService queues campaigns and fans them out to recipients.
type CampaignService struct {
	campaigns  *repositories.CampaignRepository
	contacts   *repositories.ContactRepository
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
}

// NewCampaignService creates a new campaign service
func NewCampaignService(
	campaigns *repositories.CampaignRepository,
	contacts *repositories.ContactRepository,
	dispatcher *dispatch.Dispatcher,
	m *metrics.Metrics,
) *CampaignService {
	return &CampaignService{
		campaigns:  campaigns,
		contacts:   contacts,
		dispatcher: dispatcher,
		metrics:    m,
	}
}

// Queue marks a draft campaign as queued and hands the fan-out to the
// worker.
func (s *CampaignService) Queue(ctx context.Context, project, id string) (*models.Campaign, error) {
	campaign, ok, err := s.campaigns.GetByID(ctx, project, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownCampaign
	}
	if campaign.Status != models.CampaignDraft {
		return nil, errors.Wrapf(ErrCampaignNotDraft, "campaign %s is %s", id, campaign.Status)
	}

	campaign.Status = models.CampaignQueued
	if err := s.campaigns.Update(ctx, campaign); err != nil {
		return nil, err
	}

	_, err = s.dispatcher.AddTask(ctx, dispatch.Task{
		Type: dispatch.TaskQueueCampaign,
		QueueCampaign: &dispatch.QueueCampaignPayload{
			Project:  project,
			Campaign: id,
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "campaign %s marked queued but fan-out could not be dispatched", id)
	}
	return campaign, nil
}

// Fanout enqueues one throttled send per subscribed recipient. Runs on
// the worker when the queueCampaign task arrives.
func (s *CampaignService) Fanout(ctx context.Context, project, id string) error {
	campaign, ok, err := s.campaigns.GetByID(ctx, project, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownCampaign
	}

	contacts, err := s.contacts.ListAll(ctx, project)
	if err != nil {
		return err
	}

	queued := 0
	for _, contact := range contacts {
		if !contact.Subscribed {
			continue
		}
		_, err := s.dispatcher.AddTask(ctx, dispatch.Task{
			Type:         dispatch.TaskSendEmail,
			DelaySeconds: DelayForRecipient(queued),
			SendEmail: &dispatch.SendEmailPayload{
				Project:  project,
				Contact:  contact.ID,
				Template: campaign.Template,
				Campaign: campaign.ID,
			},
		})
		if err != nil {
			return errors.Wrapf(err, "campaign %s fan-out failed after %d recipients", id, queued)
		}
		queued++
	}
	s.metrics.IncrementBy(metrics.CampaignRecipientsQueued, int64(queued))

	campaign.Status = models.CampaignSent
	if err := s.campaigns.Update(ctx, campaign); err != nil {
		return err
	}

	log.Info().
		Str("project", project).
		Str("campaign", id).
		Int("recipients", queued).
		Msg("Campaign fanned out")
	return nil
}
