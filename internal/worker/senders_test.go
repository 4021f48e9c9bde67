package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/alerts"
	"github.com/lalithlochan/freshtrack/internal/jobs"
	"github.com/lalithlochan/freshtrack/internal/notify"
	"github.com/lalithlochan/freshtrack/internal/queue"
)

var testOrg = uuid.MustParse("7b1a3c9e-2f4d-4e8a-9c1b-5d6e7f8a9b0c")

func testDelivery(ch notify.Channel, recipient string) *notify.Delivery {
	return &notify.Delivery{
		JobID:       "job-1",
		Attempt:     1,
		MaxAttempts: 3,
		Kind:        jobs.NotificationAlertTriggered,
		Job: notify.NotificationJob{
			BaseJobData: queue.BaseJobData{OrganizationID: testOrg},
			Channel:     ch,
			AlertID:     uuid.New(),
			Event:       alerts.EventTriggered,
			Severity:    alerts.SeverityCritical,
			Recipient:   recipient,
			Content:     notify.Content{Subject: "Walk-in cooler", Body: `{"event":"alert.triggered"}`},
		},
	}
}

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

type fakeSNS struct {
	input *sns.PublishInput
	err   error
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

func TestMultiSenderRouting(t *testing.T) {
	logger := zap.NewNop()
	email := NewSESSenderWithClient(&fakeSES{}, "alerts@example.com", logger)
	webhook := NewWebhookSender(logger, WebhookConfig{})
	multi := NewMultiSender(logger, email, webhook)

	tests := []struct {
		name    string
		channel notify.Channel
		want    bool
	}{
		{"email_supported", notify.ChannelEmail, true},
		{"webhook_supported", notify.ChannelWebhook, true},
		{"sms_not_supported", notify.ChannelSMS, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := multi.SupportsChannel(tt.channel); got != tt.want {
				t.Errorf("SupportsChannel(%s) = %v, want %v", tt.channel, got, tt.want)
			}
		})
	}

	err := multi.Send(context.Background(), testDelivery(notify.ChannelSMS, "+15550100"))
	if err == nil || !queue.IsUnrecoverable(err) {
		t.Errorf("unroutable delivery should be unrecoverable, got %v", err)
	}
}

func TestSendersSupportChannel(t *testing.T) {
	logger := zap.NewNop()
	tests := []struct {
		name   string
		sender Sender
		want   notify.Channel
	}{
		{"ses", NewSESSenderWithClient(&fakeSES{}, "a@example.com", logger), notify.ChannelEmail},
		{"sns", NewSNSSenderWithClient(&fakeSNS{}, "", logger), notify.ChannelSMS},
		{"webhook", NewWebhookSender(logger, WebhookConfig{}), notify.ChannelWebhook},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, ch := range []notify.Channel{notify.ChannelSMS, notify.ChannelEmail, notify.ChannelWebhook} {
				if got := tt.sender.SupportsChannel(ch); got != (ch == tt.want) {
					t.Errorf("SupportsChannel(%s) = %v", ch, got)
				}
			}
		})
	}
}

func TestSESSenderSend(t *testing.T) {
	client := &fakeSES{}
	sender := NewSESSenderWithClient(client, "alerts@example.com", zap.NewNop())

	if err := sender.Send(context.Background(), testDelivery(notify.ChannelEmail, "ops@example.com")); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if got := aws.ToString(client.input.Source); got != "alerts@example.com" {
		t.Errorf("source = %s", got)
	}
	if got := client.input.Destination.ToAddresses; len(got) != 1 || got[0] != "ops@example.com" {
		t.Errorf("to = %v", got)
	}
	if got := aws.ToString(client.input.Message.Subject.Data); got != "Walk-in cooler" {
		t.Errorf("subject = %s", got)
	}

	client.err = errors.New("throttling")
	if err := sender.Send(context.Background(), testDelivery(notify.ChannelEmail, "ops@example.com")); err == nil || queue.IsUnrecoverable(err) {
		t.Errorf("provider errors should be retryable, got %v", err)
	}
}

func TestSNSSenderSend(t *testing.T) {
	client := &fakeSNS{}
	sender := NewSNSSenderWithClient(client, "FRESHTRK", zap.NewNop())

	if err := sender.Send(context.Background(), testDelivery(notify.ChannelSMS, "+15550100")); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if got := aws.ToString(client.input.PhoneNumber); got != "+15550100" {
		t.Errorf("phone = %s", got)
	}
	if got := aws.ToString(client.input.MessageAttributes["AWS.SNS.SMS.SMSType"].StringValue); got != "Transactional" {
		t.Errorf("sms type = %s", got)
	}
	if got := aws.ToString(client.input.MessageAttributes["AWS.SNS.SMS.SenderID"].StringValue); got != "FRESHTRK" {
		t.Errorf("sender id = %s", got)
	}
}

func TestSenderValidation(t *testing.T) {
	logger := zap.NewNop()
	noBody := testDelivery(notify.ChannelEmail, "ops@example.com")
	noBody.Job.Content.Body = ""

	tests := []struct {
		name   string
		sender Sender
		d      *notify.Delivery
	}{
		{"missing_recipient", NewSNSSenderWithClient(&fakeSNS{}, "", logger), testDelivery(notify.ChannelSMS, "")},
		{"wrong_channel", NewSESSenderWithClient(&fakeSES{}, "a@example.com", logger), testDelivery(notify.ChannelSMS, "+15550100")},
		{"missing_content", NewSESSenderWithClient(&fakeSES{}, "a@example.com", logger), noBody},
		{"invalid_url", NewWebhookSender(logger, WebhookConfig{}), testDelivery(notify.ChannelWebhook, "ftp://example.com/hook")},
		{"relative_url", NewWebhookSender(logger, WebhookConfig{}), testDelivery(notify.ChannelWebhook, "/hook")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sender.Send(context.Background(), tt.d)
			if err == nil || !queue.IsUnrecoverable(err) {
				t.Errorf("expected unrecoverable error, got %v", err)
			}
		})
	}
}

func TestWebhookSenderSignsRequest(t *testing.T) {
	secret := "whsec_test"
	d := testDelivery(notify.ChannelWebhook, "")

	var verifyErr error
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		ts, _ := strconv.ParseInt(r.Header.Get(notify.HeaderTimestamp), 10, 64)
		verifyErr = notify.Verify([]byte(secret), ts, body, r.Header.Get(notify.HeaderSignature), time.Now(), 5*time.Minute)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	d.Job.Recipient = server.URL
	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{Secret: secret, Timeout: 5 * time.Second})
	if err := sender.Send(context.Background(), d); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	if verifyErr != nil {
		t.Errorf("receiver could not verify signature: %v", verifyErr)
	}
	if got := gotHeaders.Get(notify.HeaderDelivery); got != d.Job.DedupKey() {
		t.Errorf("delivery header = %s", got)
	}
	if got := gotHeaders.Get(notify.HeaderOrganization); got != testOrg.String() {
		t.Errorf("organization header = %s", got)
	}
	if got := gotHeaders.Get(notify.HeaderEvent); got != string(alerts.EventTriggered) {
		t.Errorf("event header = %s", got)
	}
}

func TestWebhookSenderHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{Timeout: 5 * time.Second})
	err := sender.Send(context.Background(), testDelivery(notify.ChannelWebhook, server.URL))
	if err == nil {
		t.Fatal("Send() should have failed for 500 status")
	}
	if queue.IsUnrecoverable(err) {
		t.Error("a 5xx should be retried")
	}
}

func TestWebhookSenderTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{Timeout: 50 * time.Millisecond})
	if err := sender.Send(context.Background(), testDelivery(notify.ChannelWebhook, server.URL)); err == nil {
		t.Error("slow endpoint should time out")
	}
}

func TestLogSenderSupportsAllChannels(t *testing.T) {
	sender := NewLogSender(zap.NewNop())

	for _, ch := range []notify.Channel{notify.ChannelEmail, notify.ChannelSMS, notify.ChannelWebhook} {
		if !sender.SupportsChannel(ch) {
			t.Errorf("LogSender should support %s channel", ch)
		}
	}
	if sender.SupportsChannel("pager") {
		t.Error("LogSender should reject unknown channels")
	}
	if err := sender.Send(context.Background(), testDelivery(notify.ChannelSMS, "+15550100")); err != nil {
		t.Errorf("Send() = %v", err)
	}
}
