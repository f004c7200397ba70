package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"recurd/internal/engine"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

const (
	EventReminderDue   = "reminder.due"
	EventOccurrenceDue = "occurrence.due"

	maxErrorBody = 512
)

// Envelope is the JSON body POSTed by Webhook.
type Envelope struct {
	Event  string    `json:"event"`
	Key    string    `json:"idempotency_key"`
	SentAt time.Time `json:"sent_at"`

	Reminder   *ReminderPayload   `json:"reminder,omitempty"`
	Occurrence *OccurrencePayload `json:"occurrence,omitempty"`
}

type ReminderPayload struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Anchor    string    `json:"anchor"`
	Timing    string    `json:"offset_timing"`
	Value     uint      `json:"offset_value"`
	Unit      string    `json:"offset_unit"`
	TriggerAt time.Time `json:"trigger_at"`
}

type OccurrencePayload struct {
	ScheduleID string     `json:"schedule_id"`
	TaskID     string     `json:"task_id"`
	Type       string     `json:"recurrence_type"`
	Start      time.Time  `json:"start"`
	Due        *time.Time `json:"due,omitempty"`
}

// Webhook delivers hook calls as JSON POSTs. Delivery is at least once, so
// every envelope carries a key that stays the same across retries of the same
// reminder or occurrence.
//
// 2xx succeeds. 408, 429 and 5xx are retried by the dispatcher; other 4xx
// responses are permanent and fail the item immediately.
type Webhook struct {
	notifyURL      string
	instantiateURL string
	token          string
	client         *http.Client
	log            logx.Logger
	now            func() time.Time
}

func NewWebhook(cfg Config, log logx.Logger) (*Webhook, error) {
	for name, raw := range map[string]string{"notify_url": cfg.NotifyURL, "instantiate_url": cfg.InstantiateURL} {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("hooks.%s: invalid url %q", name, raw)
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		notifyURL:      strings.TrimSpace(cfg.NotifyURL),
		instantiateURL: strings.TrimSpace(cfg.InstantiateURL),
		token:          strings.TrimSpace(cfg.Token),
		client:         &http.Client{Timeout: timeout},
		log:            log.With(logx.String("comp", "hooks"), logx.String("driver", "webhook")),
		now:            time.Now,
	}, nil
}

func (h *Webhook) Notify(ctx context.Context, r storage.Reminder) error {
	return h.post(ctx, h.notifyURL, Envelope{
		Event: EventReminderDue,
		Key:   idempotencyKey(r.Ref(), r.TriggerAt),
		Reminder: &ReminderPayload{
			ID:        r.ID,
			TaskID:    r.TaskID,
			Anchor:    string(r.Rule.Anchor),
			Timing:    string(r.Rule.Timing),
			Value:     r.Rule.Value,
			Unit:      string(r.Rule.Unit),
			TriggerAt: r.TriggerAt.UTC(),
		},
	})
}

func (h *Webhook) InstantiateTaskOccurrence(ctx context.Context, s storage.Schedule, occurrence time.Time) error {
	p := &OccurrencePayload{
		ScheduleID: s.ID,
		TaskID:     s.TaskID,
		Type:       string(s.Rule.Type),
		Start:      occurrence.UTC(),
	}
	if s.NextDueAt != nil {
		due := s.NextDueAt.UTC()
		p.Due = &due
	}
	return h.post(ctx, h.instantiateURL, Envelope{
		Event:      EventOccurrenceDue,
		Key:        idempotencyKey(s.Ref(), occurrence),
		Occurrence: p,
	})
}

func idempotencyKey(ref storage.ItemRef, at time.Time) string {
	return ref.String() + "@" + strconv.FormatInt(at.UTC().Unix(), 10)
}

func (h *Webhook) post(ctx context.Context, target string, env Envelope) error {
	env.SentAt = h.now().UTC()
	body, err := json.Marshal(env)
	if err != nil {
		return engine.NoRetry(fmt.Errorf("marshal %s: %w", env.Event, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return engine.NoRetry(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", env.Key)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", env.Event, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	h.log.Debug("webhook delivered",
		logx.String("event", env.Event),
		logx.String("key", env.Key),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return &StatusError{Event: env.Event, Code: code, Body: strings.TrimSpace(string(snippet))}
	default:
		return engine.NoRetry(&StatusError{Event: env.Event, Code: code, Body: strings.TrimSpace(string(snippet))})
	}
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	Event string
	Code  int
	Body  string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s webhook: status %d", e.Event, e.Code)
	}
	return fmt.Sprintf("%s webhook: status %d: %s", e.Event, e.Code, e.Body)
}
