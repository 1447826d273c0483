// Package alerting dispatches operational alerts (resource exhaustion,
// write-ahead log failures, admission rejections) to external
// channels via a small Alerter/MultiAlerter/SlackAlerter composition,
// plus a NATSAlerter that publishes over a *nats.Conn obtained from
// DialNATS.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/foldsync/core/internal/metrics"
)

// Level mirrors the severity of an alert.
type Level string

const (
	Info     Level = "info"
	Warning  Level = "warning"
	Critical Level = "critical"
)

// Alerter sends one notification to an external system. Implementations
// must not block the caller for long, since Alert runs on the
// caller's own goroutine.
type Alerter interface {
	Alert(level Level, message string, fields map[string]any)
}

// MultiAlerter fans a single alert out to every wrapped Alerter
// concurrently.
type MultiAlerter struct {
	alerters []Alerter
}

func NewMultiAlerter(alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{alerters: alerters}
}

func (m *MultiAlerter) Alert(level Level, message string, fields map[string]any) {
	metrics.RecordAlert(string(level))
	for _, a := range m.alerters {
		go a.Alert(level, message, fields)
	}
}

// LogAlerter writes alerts through the structured logger, always
// present even with no external alerting configured.
type LogAlerter struct {
	logger zerolog.Logger
}

func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (l *LogAlerter) Alert(level Level, message string, fields map[string]any) {
	ev := l.logger.WithLevel(logLevel(level))
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(message)
}

func logLevel(l Level) zerolog.Level {
	switch l {
	case Critical:
		return zerolog.ErrorLevel
	case Warning:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// SlackAlerter posts alerts to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

func NewSlackAlerter(webhookURL, channel, username string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SlackAlerter) Alert(level Level, message string, fields map[string]any) {
	if s.webhookURL == "" {
		return
	}
	attFields := make([]map[string]any, 0, len(fields))
	for k, v := range fields {
		attFields = append(attFields, map[string]any{"title": k, "value": fmt.Sprintf("%v", v), "short": true})
	}
	payload := map[string]any{
		"username": s.username,
		"channel":  s.channel,
		"text":     fmt.Sprintf("[%s] %s", level, message),
		"attachments": []map[string]any{
			{"color": slackColor(level), "fields": attFields, "ts": time.Now().Unix()},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err == nil {
		resp.Body.Close()
	}
}

func slackColor(l Level) string {
	switch l {
	case Critical:
		return "danger"
	case Warning:
		return "warning"
	default:
		return "good"
	}
}

// NATSAlerter publishes alerts as JSON to a NATS subject, for
// consumption by a separate ops dashboard rather than a human channel.
type NATSAlerter struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

func NewNATSAlerter(nc *nats.Conn, subject string, logger zerolog.Logger) *NATSAlerter {
	return &NATSAlerter{nc: nc, subject: subject, logger: logger}
}

type natsAlertPayload struct {
	Level   Level          `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	AtUnix  int64          `json:"at_unix"`
}

func (n *NATSAlerter) Alert(level Level, message string, fields map[string]any) {
	payload, err := json.Marshal(natsAlertPayload{Level: level, Message: message, Fields: fields, AtUnix: time.Now().Unix()})
	if err != nil {
		return
	}
	if err := n.nc.Publish(n.subject, payload); err != nil {
		n.logger.Warn().Err(err).Msg("failed to publish alert to nats")
	}
}

// DialNATS connects to url, used to share one *nats.Conn between
// NATSAlerter and anything else in the process that speaks NATS.
func DialNATS(ctx context.Context, url string) (*nats.Conn, error) {
	return nats.Connect(url, nats.Timeout(5*time.Second))
}
