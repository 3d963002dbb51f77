// Package messaging carries rebuild requests over Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/agendaflow/internal/models"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher sends rebuild requests to the rebuild topic.
type Publisher struct {
	w   MessageWriter
	now func() time.Time
}

// NewPublisher creates a Kafka-backed publisher.
func NewPublisher(brokers []string, topic string) *Publisher {
	return NewPublisherWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		AllowAutoTopicCreation: true,
	})
}

func NewPublisherWithWriter(w MessageWriter) *Publisher {
	return &Publisher{w: w, now: time.Now}
}

// Publish assigns an id and a request time when missing and returns the
// request as sent.
func (p *Publisher) Publish(ctx context.Context, req models.RebuildRequest) (models.RebuildRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Mode == "" {
		req.Mode = models.RebuildFull
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = p.now().UTC()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return req, fmt.Errorf("marshal rebuild request: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(req.ID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "mode", Value: []byte(req.Mode)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return req, fmt.Errorf("publish rebuild request: %w", err)
	}
	return req, nil
}

func (p *Publisher) Close() error {
	return p.w.Close()
}

// DecodeRequest parses a message value. The message key is used as the id
// when the payload has none.
func DecodeRequest(msg kafka.Message) (models.RebuildRequest, error) {
	var req models.RebuildRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return req, fmt.Errorf("decode rebuild request: %w", err)
	}
	if req.ID == "" {
		req.ID = string(msg.Key)
	}
	if req.ID == "" {
		return req, errors.New("rebuild request without id")
	}
	switch req.Mode {
	case "":
		req.Mode = models.RebuildFull
	case models.RebuildFull, models.RebuildIncremental:
	default:
		return req, fmt.Errorf("unknown rebuild mode %q", req.Mode)
	}
	return req, nil
}
