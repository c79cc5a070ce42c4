// Package alerting implements the AlertRouter: severity filtering, a
// sliding-window rate limit, and delivery over Email/Webhook/FileLog
// channels with HTTP-aware retry backoff. It satisfies
// recovery.Alerter so it can be wired into recovery.Handlers.Alerter.
// Retry/backoff is grounded on recovery.backoffDelay's formula; channel
// config validation follows the correct-and-warn style of
// layout.ValidatePattern.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"os"
	"sync"
	"time"

	"github.com/siddontang/loggers"
)

// Method is the HTTP method a Webhook channel uses.
type Method string

const (
	MethodPost  Method = "POST"
	MethodPut   Method = "PUT"
	MethodPatch Method = "PATCH"
)

// ChannelKind identifies a delivery channel's transport.
type ChannelKind int

const (
	KindEmail ChannelKind = iota
	KindWebhook
	KindFileLog
)

// ChannelConfig configures one delivery channel.
type ChannelConfig struct {
	Kind ChannelKind

	// Email
	SMTPAddr string
	From     string
	To       []string

	// Webhook
	URL    string
	Method Method

	// FileLog
	Path string

	MinimumSeverity     Severity
	MaxAlertsPerHour    int
	MaxRetryAttempts    int
	NotificationTimeout time.Duration
}

// Severity mirrors recovery.Severity without importing it, to keep
// alerting free of a dependency cycle (recovery imports the Alerter
// interface, not this package).
type Severity string

const (
	SeverityWarning  Severity = "Warning"
	SeverityError    Severity = "Error"
	SeverityCritical Severity = "Critical"
)

var severityRank = map[Severity]int{
	SeverityWarning:  0,
	SeverityError:    1,
	SeverityCritical: 2,
}

func rank(s Severity) int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return 0
}

// Validate corrects invalid values to defaults and returns the list of
// warnings produced, per spec §4.10.
func Validate(cfg *ChannelConfig) []string {
	var warnings []string
	if cfg.MaxAlertsPerHour <= 0 {
		warnings = append(warnings, fmt.Sprintf("MaxAlertsPerHour %d invalid, defaulting to 60", cfg.MaxAlertsPerHour))
		cfg.MaxAlertsPerHour = 60
	}
	if cfg.MaxRetryAttempts < 0 || cfg.MaxRetryAttempts > 10 {
		warnings = append(warnings, fmt.Sprintf("MaxRetryAttempts %d out of [0,10], clamping", cfg.MaxRetryAttempts))
		if cfg.MaxRetryAttempts < 0 {
			cfg.MaxRetryAttempts = 0
		} else {
			cfg.MaxRetryAttempts = 10
		}
	}
	if cfg.NotificationTimeout <= 0 || cfg.NotificationTimeout > 10*time.Minute {
		warnings = append(warnings, fmt.Sprintf("NotificationTimeout %s out of (0,10m], defaulting to 30s", cfg.NotificationTimeout))
		cfg.NotificationTimeout = 30 * time.Second
	}
	if cfg.MinimumSeverity == "" {
		cfg.MinimumSeverity = SeverityWarning
	}
	if cfg.Kind == KindWebhook && cfg.Method == "" {
		cfg.Method = MethodPost
	}
	return warnings
}

// Router fans an alert out to every configured channel, subject to
// per-channel severity filtering and rate limiting.
type Router struct {
	mu       sync.Mutex
	channels []*boundChannel
	logger   loggers.Advanced
	client   *http.Client
}

type boundChannel struct {
	cfg     ChannelConfig
	window  []time.Time // sliding window of send timestamps, for MaxAlertsPerHour
}

// New builds a Router. Each cfg is validated (and corrected) before
// being bound; warnings are logged.
func New(logger loggers.Advanced, cfgs ...ChannelConfig) *Router {
	r := &Router{logger: logger, client: &http.Client{}}
	for _, cfg := range cfgs {
		c := cfg
		for _, w := range Validate(&c) {
			logger.Warnf("alerting: %s", w)
		}
		r.channels = append(r.channels, &boundChannel{cfg: c})
	}
	return r
}

// Route implements recovery.Alerter. It delivers to every channel
// whose MinimumSeverity is satisfied and whose rate limit has budget,
// within NotificationTimeout per channel, and never blocks the caller
// longer than the slowest channel's own timeout.
func (r *Router) Route(ctx context.Context, severity, title, detail string) error {
	sev := Severity(severity)
	var lastErr error
	for _, ch := range r.channels {
		if rank(sev) < rank(ch.cfg.MinimumSeverity) {
			continue
		}
		if !r.allow(ch) {
			r.logger.Warnf("alerting: rate limit exceeded for channel, dropping alert %q", title)
			continue
		}
		if err := r.deliverWithRetry(ctx, ch, sev, title, detail); err != nil {
			r.logger.Errorf("alerting: delivery failed: %s", err.Error())
			lastErr = err
		}
	}
	return lastErr
}

func (r *Router) allow(ch *boundChannel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-time.Hour)
	kept := ch.window[:0]
	for _, t := range ch.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	ch.window = kept
	if len(ch.window) >= ch.cfg.MaxAlertsPerHour {
		return false
	}
	ch.window = append(ch.window, now)
	return true
}

func (r *Router) deliverWithRetry(ctx context.Context, ch *boundChannel, sev Severity, title, detail string) error {
	var lastErr error
	for attempt := 0; attempt <= ch.cfg.MaxRetryAttempts; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, ch.cfg.NotificationTimeout)
		err := r.deliverOnce(dctx, ch.cfg, sev, title, detail)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == ch.cfg.MaxRetryAttempts {
			break
		}
		select {
		case <-time.After(backoffDelay(attempt + 1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func backoffDelay(attempt int) time.Duration {
	base := time.Second
	maxDelay := 30 * time.Second
	delay := base << uint(attempt-1)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}

type httpStatusError struct {
	statusCode int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d", e.statusCode)
}

func isRetryable(err error) bool {
	if statusErr, ok := err.(*httpStatusError); ok {
		return statusErr.statusCode >= 500 || statusErr.statusCode == 408
	}
	_, isNetErr := err.(net.Error)
	return isNetErr
}

func (r *Router) deliverOnce(ctx context.Context, cfg ChannelConfig, sev Severity, title, detail string) error {
	switch cfg.Kind {
	case KindFileLog:
		return deliverFileLog(cfg, sev, title, detail)
	case KindWebhook:
		return r.deliverWebhook(ctx, cfg, sev, title, detail)
	case KindEmail:
		return deliverEmail(cfg, sev, title, detail)
	default:
		return fmt.Errorf("alerting: unknown channel kind %d", cfg.Kind)
	}
}

func deliverFileLog(cfg ChannelConfig, sev Severity, title, detail string) error {
	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("alerting: opening file log: %w", err)
	}
	defer f.Close()
	line := fmt.Sprintf("%s [%s] %s: %s\n", time.Now().UTC().Format(time.RFC3339), sev, title, detail)
	_, err = f.WriteString(line)
	return err
}

func (r *Router) deliverWebhook(ctx context.Context, cfg ChannelConfig, sev Severity, title, detail string) error {
	body, err := json.Marshal(map[string]string{
		"severity": string(sev),
		"title":    title,
		"detail":   detail,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, string(cfg.Method), cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alerting: building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("alerting: webhook delivery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &httpStatusError{statusCode: resp.StatusCode}
	}
	return nil
}

func deliverEmail(cfg ChannelConfig, sev Severity, title, detail string) error {
	msg := fmt.Sprintf("Subject: [%s] %s\r\n\r\n%s\r\n", sev, title, detail)
	return smtp.SendMail(cfg.SMTPAddr, nil, cfg.From, cfg.To, []byte(msg))
}
