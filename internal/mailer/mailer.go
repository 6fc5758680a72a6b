package mailer

import (
	"bytes"
	"context"
	"text/template"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/marketing/internal/models"
)

// Email is one rendered, sendable message.
type Email struct {
	To      string
	Subject string
	Body    string
}

// Renderer turns a template reference into sendable content.
type Renderer interface {
	Render(ctx context.Context, tmpl *models.Template, contact *models.Contact) (Email, error)
}

// Transport delivers a rendered email and returns the provider's
// message id.
type Transport interface {
	Send(ctx context.Context, email Email) (string, error)
}

// TextRenderer interpolates the stored subject and body with the
// contact's fields. Rich MJML rendering lives in a separate service;
// this core only needs plain interpolation.
type TextRenderer struct{}

func NewTextRenderer() *TextRenderer { return &TextRenderer{} }

func (r *TextRenderer) Render(ctx context.Context, tmpl *models.Template, contact *models.Contact) (Email, error) {
	data := map[string]interface{}{
		"Email": contact.Email,
		"Data":  contact.Data,
	}

	subject, err := interpolate("subject", tmpl.Subject, data)
	if err != nil {
		return Email{}, errors.Wrapf(err, "failed to render subject of template %s", tmpl.ID)
	}
	body, err := interpolate("body", tmpl.Body, data)
	if err != nil {
		return Email{}, errors.Wrapf(err, "failed to render body of template %s", tmpl.ID)
	}

	return Email{To: contact.Email, Subject: subject, Body: body}, nil
}

func interpolate(name, text string, data map[string]interface{}) (string, error) {
	t, err := template.New(name).Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// LogTransport is the development transport: it logs the send and
// fabricates a message id. Production wires a real provider here.
type LogTransport struct{}

func NewLogTransport() *LogTransport { return &LogTransport{} }

func (t *LogTransport) Send(ctx context.Context, email Email) (string, error) {
	id := uuid.NewString()
	log.Info().
		Str("to", email.To).
		Str("subject", email.Subject).
		Str("message_id", id).
		Msg("Email sent")
	return id, nil
}
