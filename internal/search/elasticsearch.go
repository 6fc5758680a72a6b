package search

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/marketing/config"
	"example.com/backstage/services/marketing/internal/models"
)

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	if !cfg.Enabled {
		return &ElasticClient{config: cfg}, nil
	}

	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// IndexEvent indexes a contact event for dashboard search. Indexing is
// best-effort; callers log failures and move on.
func (c *ElasticClient) IndexEvent(ctx context.Context, event *models.Event, contact *models.Contact) error {
	if c == nil || c.client == nil {
		return nil
	}

	doc := map[string]interface{}{
		"id":         event.ID,
		"project":    event.Project,
		"event_type": event.EventType,
		"contact":    event.Contact,
		"relation":   event.Relation,
		"created_at": event.CreatedAt,
	}
	if contact != nil {
		doc["contact_email"] = contact.Email
		doc["contact_subscribed"] = contact.Subscribed
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event document")
	}

	req := esapi.IndexRequest{
		Index:      config.FormatIndex(c.config, "events"),
		DocumentID: event.ID,
		Body:       bytes.NewReader(body),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to index event")
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("failed to index event: %s", res.String())
	}

	log.Debug().Str("event_id", event.ID).Str("index", req.Index).Msg("Event indexed")
	return nil
}
