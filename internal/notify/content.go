package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lalithlochan/freshtrack/internal/alerts"
)

const maxSMSLength = 320

// Content is what a sender transmits. Webhooks send Body verbatim as JSON.
type Content struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// WebhookBody is the JSON document POSTed to webhook targets.
type WebhookBody struct {
	Event      alerts.EventType `json:"event"`
	OccurredAt time.Time        `json:"occurredAt"`
	Alert      alerts.Alert     `json:"alert"`
}

// Render builds channel-specific content for ev.
func Render(ev alerts.Event, c Channel) (Content, error) {
	a := ev.Alert
	switch c {
	case ChannelSMS:
		return Content{Body: truncate(fmt.Sprintf("[%s] %s %s: %s",
			strings.ToUpper(string(a.Severity)), label(a.Type), verb(ev.Type), a.Message), maxSMSLength)}, nil

	case ChannelEmail:
		var b strings.Builder
		fmt.Fprintf(&b, "%s\n\n", a.Message)
		fmt.Fprintf(&b, "Status: %s\nSeverity: %s\nUnit: %s\nTriggered: %s\n",
			a.Status, a.Severity, a.UnitID, a.TriggeredAt.UTC().Format(time.RFC3339))
		if a.Resolution != nil {
			fmt.Fprintf(&b, "Resolution: %s\n", *a.Resolution)
		}
		return Content{
			Subject: fmt.Sprintf("[%s] %s %s", strings.ToUpper(string(a.Severity)), label(a.Type), verb(ev.Type)),
			Body:    b.String(),
		}, nil

	case ChannelWebhook:
		body, err := json.Marshal(WebhookBody{Event: ev.Type, OccurredAt: ev.OccurredAt, Alert: a})
		if err != nil {
			return Content{}, fmt.Errorf("marshal webhook body: %w", err)
		}
		return Content{Body: string(body)}, nil
	}
	return Content{}, fmt.Errorf("unknown channel %q", c)
}

func label(t alerts.AlertType) string {
	switch t {
	case alerts.TypeTempExcursion:
		return "Temperature alert"
	case alerts.TypeLowBattery:
		return "Low battery alert"
	default:
		return "Alert"
	}
}

func verb(t alerts.EventType) string {
	switch t {
	case alerts.EventAcknowledged:
		return "acknowledged"
	case alerts.EventResolved:
		return "resolved"
	default:
		return "triggered"
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
