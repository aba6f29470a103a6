// Package ingest feeds change events from external sources into the
// dispatcher. Each source delivers raw ChangeEvent JSON; the Handler
// publishes it on behalf of a fixed publisher subject.
package ingest

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/dbcast/internal/metrics"
	"github.com/rmacdonaldsmith/dbcast/pkg/authz"
	"github.com/rmacdonaldsmith/dbcast/pkg/dispatcher"
)

// Source labels.
const (
	SourceNATS     = "nats"
	SourcePostgres = "postgres"
)

// DefaultSubjectID is the subject id ingest publishes under.
const DefaultSubjectID = "ingest"

// Publisher is the part of the dispatcher an ingest source needs.
type Publisher interface {
	PublishAs(ctx context.Context, subject authz.Subject, payload []byte) (dispatcher.PublishAck, error)
}

// Handler publishes payloads from one or more sources.
type Handler struct {
	publisher Publisher
	subject   authz.Subject
	log       *zap.Logger
}

// NewHandler creates a handler that publishes as a publisher-flagged
// subject named subjectID (DefaultSubjectID when empty).
func NewHandler(p Publisher, subjectID string, logger *zap.Logger) *Handler {
	if subjectID == "" {
		subjectID = DefaultSubjectID
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		publisher: p,
		subject:   authz.NewSubject(subjectID, authz.Flags{Publisher: true}, nil),
		log:       logger,
	}
}

// Subject returns the subject events are published as.
func (h *Handler) Subject() authz.Subject {
	return h.subject
}

// Handle publishes one payload received from source. Rejected payloads are
// logged and returned; they never stop a source.
func (h *Handler) Handle(ctx context.Context, source string, payload []byte) (dispatcher.PublishAck, error) {
	ack, err := h.publisher.PublishAs(dispatcher.WithSource(ctx, source), h.subject, payload)
	var de *dispatcher.Error
	switch {
	case err == nil:
		metrics.IngestEvents.WithLabelValues(source, metrics.ResultOK).Inc()
		h.log.Debug("ingested change event",
			zap.String("source", source),
			zap.Int("channels", ack.EventsPublished))
	case errors.As(err, &de) && de.Kind != dispatcher.KindUnavailable:
		metrics.IngestEvents.WithLabelValues(source, metrics.ResultDenied).Inc()
		h.log.Warn("rejected change event",
			zap.String("source", source),
			zap.String("kind", string(de.Kind)),
			zap.Strings("details", de.Details))
	default:
		metrics.IngestEvents.WithLabelValues(source, metrics.ResultError).Inc()
		h.log.Error("failed to publish change event", zap.String("source", source), zap.Error(err))
	}
	return ack, err
}
