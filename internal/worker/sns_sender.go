package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/notify"
)

// SNSAPI is the part of the SNS client the SMS sender uses.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender sends SMS notifications through Amazon SNS direct publish.
type SNSSender struct {
	client   SNSAPI
	senderID string
	logger   *zap.Logger
}

type SNSConfig struct {
	Region string

	// SenderID is shown on handsets in regions that support it. Optional.
	SenderID string
}

func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SNS: %w", err)
	}
	return NewSNSSenderWithClient(sns.NewFromConfig(awsCfg), cfg.SenderID, logger), nil
}

func NewSNSSenderWithClient(client SNSAPI, senderID string, logger *zap.Logger) *SNSSender {
	return &SNSSender{
		client:   client,
		senderID: senderID,
		logger:   logger,
	}
}

func (s *SNSSender) Send(ctx context.Context, d *notify.Delivery) error {
	if err := requireRecipient(d, notify.ChannelSMS); err != nil {
		return err
	}

	// Alerts are time critical: Transactional gets the higher delivery
	// priority from carriers.
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(d.Job.Recipient),
		Message:           aws.String(d.Job.Content.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("job_id", d.JobID),
		zap.String("alert_id", d.Job.AlertID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (s *SNSSender) SupportsChannel(ch notify.Channel) bool {
	return ch == notify.ChannelSMS
}
