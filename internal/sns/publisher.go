// Package sns publishes alert lifecycle events to an SNS audit topic so
// downstream consumers (compliance exports, BI) can subscribe without
// reading the alert tables.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/alerts"
	"github.com/lalithlochan/freshtrack/internal/metrics"
)

// API is the part of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher implements alerts.Publisher on top of an SNS topic.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// Message is the JSON document published for each event.
type Message struct {
	EventType      alerts.EventType `json:"event_type"`
	OrganizationID string           `json:"organization_id"`
	SiteID         string           `json:"site_id"`
	UnitID         string           `json:"unit_id"`
	AlertID        string           `json:"alert_id"`
	AlertType      alerts.AlertType `json:"alert_type"`
	Severity       alerts.Severity  `json:"severity"`
	Status         alerts.Status    `json:"status"`
	ActorID        string           `json:"actor_id,omitempty"`
	Resolution     string           `json:"resolution,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// NewMessage flattens ev for the topic.
func NewMessage(ev alerts.Event) Message {
	a := ev.Alert
	msg := Message{
		EventType:      ev.Type,
		OrganizationID: a.OrganizationID.String(),
		SiteID:         a.SiteID.String(),
		UnitID:         a.UnitID.String(),
		AlertID:        a.ID.String(),
		AlertType:      a.Type,
		Severity:       a.Severity,
		Status:         a.Status,
		OccurredAt:     ev.OccurredAt.UTC(),
	}
	if ev.ActorID != nil {
		msg.ActorID = ev.ActorID.String()
	}
	if a.Resolution != nil {
		msg.Resolution = *a.Resolution
	}
	return msg
}

// NewPublisher creates a publisher for topicARN using the default AWS
// credential chain.
func NewPublisher(ctx context.Context, topicARN, region string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewPublisherWithClient(sns.NewFromConfig(cfg), topicARN, logger), nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return NewPublisherWithClient(client, topicARN, logger), nil
}

func NewPublisherWithClient(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
		logger:   logger,
	}
}

// Publish sends ev to the topic. Subscribers filter on the organization_id
// and event_type attributes.
func (p *Publisher) Publish(ctx context.Context, ev alerts.Event) error {
	msg := NewMessage(ev)
	payload, err := json.Marshal(msg)
	if err != nil {
		metrics.RecordAuditEvent("error")
		return fmt.Errorf("failed to marshal audit message: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"organization_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.OrganizationID),
			},
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.EventType)),
			},
			"severity": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Severity)),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		metrics.RecordAuditEvent("error")
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	metrics.RecordAuditEvent("published")
	p.logger.Debug("audit event published",
		zap.String("alert_id", msg.AlertID),
		zap.String("event_type", string(msg.EventType)),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
