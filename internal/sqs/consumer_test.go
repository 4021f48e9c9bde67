package sqs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/jobs"
	"github.com/lalithlochan/freshtrack/internal/queue"
)

type mockSQS struct {
	mu       sync.Mutex
	batches  [][]types.Message
	recvErr  error
	received *sqs.ReceiveMessageInput
	deleted  []string
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = in
	if m.recvErr != nil {
		return nil, m.recvErr
	}
	if len(m.batches) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	batch := m.batches[0]
	m.batches = m.batches[1:]
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (m *mockSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type addCall struct {
	queue queue.QueueName
	name  queue.JobName
	data  jobs.ReadingJob
	opts  queue.JobOptions
}

type fakeEnqueuer struct {
	calls    []addCall
	err      error
	disabled bool
}

func (f *fakeEnqueuer) AddJob(ctx context.Context, q queue.QueueName, name queue.JobName, data queue.JobData, opts ...queue.JobOption) (queue.AddResult, error) {
	var o queue.JobOptions
	for _, opt := range opts {
		opt(&o)
	}
	f.calls = append(f.calls, addCall{queue: q, name: name, data: data.(jobs.ReadingJob), opts: o})
	if f.err != nil {
		return queue.AddResult{}, f.err
	}
	if f.disabled {
		return queue.AddResult{Disabled: true}, nil
	}
	return queue.AddResult{JobID: o.JobID}, nil
}

func message(id, body string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
	}
}

func readingBody(org, unit uuid.UUID) string {
	return fmt.Sprintf(`{"organizationId":%q,"siteId":%q,"unitId":%q,"temperature":7.5,"recordedAt":"2026-03-01T12:00:00Z"}`,
		org, uuid.New(), unit)
}

func TestPoll_EnqueuesAndDeletes(t *testing.T) {
	org, unit := uuid.New(), uuid.New()
	client := &mockSQS{batches: [][]types.Message{{message("m1", readingBody(org, unit))}}}
	enq := &fakeEnqueuer{}
	c := NewReadingsConsumerWithClient(client, Config{QueueURL: "https://sqs.local/readings"}, enq, zap.NewNop())

	n, err := c.Poll(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Poll() = %d, %v", n, err)
	}

	if client.received.WaitTimeSeconds != 20 || client.received.MaxNumberOfMessages != 10 {
		t.Errorf("expected long poll defaults, got %+v", client.received)
	}
	if len(enq.calls) != 1 {
		t.Fatalf("expected 1 enqueue, got %d", len(enq.calls))
	}
	call := enq.calls[0]
	if call.queue != jobs.QueueSensorReadings || call.name != queue.JobName(jobs.ReadingEvaluate) {
		t.Errorf("enqueued to %s/%s", call.queue, call.name)
	}
	if call.data.OrganizationID != org || call.data.UnitID != unit || *call.data.Temperature != 7.5 {
		t.Errorf("unexpected payload %+v", call.data)
	}
	if call.opts.JobID != "sqs:m1" {
		t.Errorf("job id should derive from the message id, got %q", call.opts.JobID)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "rh-m1" {
		t.Errorf("deleted = %v", client.deleted)
	}
}

func TestPoll_MessageHandling(t *testing.T) {
	valid := readingBody(uuid.New(), uuid.New())

	tests := []struct {
		name       string
		body       string
		enqErr     error
		disabled   bool
		wantDelete bool
	}{
		{"malformed json is dropped", `{"organizationId":`, nil, false, true},
		{"missing unit is dropped", fmt.Sprintf(`{"organizationId":%q}`, uuid.New()), nil, false, true},
		{"enqueue failure is redelivered", valid, errors.New("redis down"), false, false},
		{"disabled queue is redelivered", valid, nil, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockSQS{batches: [][]types.Message{{message("m1", tt.body)}}}
			enq := &fakeEnqueuer{err: tt.enqErr, disabled: tt.disabled}
			c := NewReadingsConsumerWithClient(client, Config{QueueURL: "q"}, enq, zap.NewNop())

			if _, err := c.Poll(context.Background()); err != nil {
				t.Fatalf("Poll() error: %v", err)
			}
			if got := len(client.deleted) == 1; got != tt.wantDelete {
				t.Errorf("deleted = %v, want delete %v", client.deleted, tt.wantDelete)
			}
		})
	}
}

func TestDecodeReading_DefaultsRecordedAt(t *testing.T) {
	body := fmt.Sprintf(`{"organizationId":%q,"unitId":%q,"batteryLevel":15}`, uuid.New(), uuid.New())
	job, err := decodeReading(body)
	if err != nil {
		t.Fatal(err)
	}
	if job.RecordedAt.IsZero() || time.Since(job.RecordedAt) > time.Minute {
		t.Errorf("recordedAt should default to now, got %v", job.RecordedAt)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	client := &mockSQS{recvErr: errors.New("throttled")}
	c := NewReadingsConsumerWithClient(client, Config{QueueURL: "q"}, &fakeEnqueuer{}, zap.NewNop())
	c.errorBackoff = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
