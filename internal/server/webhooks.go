package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"signoff/internal/config"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/logging"
	"signoff/internal/repo"
)

const (
	webhookInterval   = 2 * time.Second
	webhookTimeout    = 5 * time.Second
	webhookBatch      = 100
	webhookMaxBackoff = 5 * time.Minute
)

// hookState tracks one configured webhook between ticks.
type hookState struct {
	cfg      config.WebhookConfig
	filter   eventFilter
	client   *http.Client
	cursor   int64
	primed   bool
	failures int
	retryAt  time.Time
}

// WebhookDispatcher forwards appended events to the configured webhooks in
// append order. A hook starts at the end of the log, so only events written
// after the dispatcher starts are delivered. A failed delivery blocks that hook
// and is retried with exponential backoff.
type WebhookDispatcher struct {
	engine engine.Engine
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	hooks []*hookState
}

func NewWebhookDispatcher(e engine.Engine, logger *zap.Logger) *WebhookDispatcher {
	d := &WebhookDispatcher{
		engine: e,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
	if e.Config == nil {
		return d
	}
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := webhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		d.hooks = append(d.hooks, &hookState{
			cfg:    hook,
			filter: newEventFilter(hook.Events),
			client: &http.Client{Timeout: timeout},
		})
	}
	return d
}

// StartWebhooks runs a dispatcher until ctx is done. It does nothing when no
// webhook is enabled.
func StartWebhooks(ctx context.Context, e engine.Engine, logger *zap.Logger) {
	d := NewWebhookDispatcher(e, logger)
	if len(d.hooks) == 0 {
		return
	}
	d.logger.Info("webhooks enabled", zap.Int("count", len(d.hooks)))
	go d.Run(ctx)
}

func (d *WebhookDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(webhookInterval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll delivers pending events to every hook that is not backing off.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range d.hooks {
		if ctx.Err() != nil {
			return
		}
		if !h.retryAt.IsZero() && d.now().Before(h.retryAt) {
			continue
		}
		d.dispatch(ctx, h)
	}
}

func (d *WebhookDispatcher) dispatch(ctx context.Context, h *hookState) {
	if !h.primed {
		latest, err := d.engine.Repo.LatestEventID(ctx)
		if err != nil {
			d.logger.Error("webhook: init cursor failed", zap.String("url", h.cfg.URL), zap.Error(err))
			return
		}
		h.cursor, h.primed = latest, true
	}
	events, err := d.engine.Repo.ListEvents(ctx, nil, repo.EventFilters{AfterID: h.cursor, Limit: webhookBatch})
	if err != nil {
		d.logger.Error("webhook: fetch events failed", zap.Error(err))
		return
	}
	for _, evt := range events {
		if h.filter.match(evt.Type) {
			if err := d.deliver(ctx, h, evt); err != nil {
				h.failures++
				backoff := webhookInterval << min(h.failures, 16)
				if backoff > webhookMaxBackoff {
					backoff = webhookMaxBackoff
				}
				h.retryAt = d.now().Add(backoff)
				d.logger.Warn("webhook: delivery failed",
					zap.String("url", h.cfg.URL),
					zap.Int64("event_id", evt.ID),
					zap.Int("failures", h.failures),
					zap.Duration("retry_in", backoff),
					zap.Error(err))
				return
			}
			h.failures, h.retryAt = 0, time.Time{}
		}
		h.cursor = evt.ID
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func newWebhookEvent(evt domain.Event) webhookEvent {
	out := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage(`{}`),
	}
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		out.Payload = json.RawMessage(evt.Payload)
	}
	return out
}

// signPayload returns the hex HMAC-SHA256 of body keyed by secret.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDispatcher) deliver(ctx context.Context, h *hookState, evt domain.Event) error {
	body, err := json.Marshal(newWebhookEvent(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signoff-Event", evt.Type)
	req.Header.Set("X-Signoff-Delivery", strconv.FormatInt(evt.ID, 10))
	if secret := strings.TrimSpace(h.cfg.Secret); secret != "" {
		req.Header.Set("X-Signoff-Signature", "sha256="+signPayload(secret, body))
	}
	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	d.logger.Debug("webhook: delivered", zap.String("url", h.cfg.URL), zap.Int64("event_id", evt.ID))
	return nil
}

// eventFilter matches event types exactly, or by prefix for patterns ending in
// ".*" (for example "process.*"). An empty filter matches everything.
type eventFilter struct {
	exact    map[string]struct{}
	prefixes []string
}

func newEventFilter(patterns []string) eventFilter {
	f := eventFilter{exact: make(map[string]struct{})}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
		case p == "*":
			return eventFilter{}
		case strings.HasSuffix(p, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(p, "*"))
		default:
			f.exact[p] = struct{}{}
		}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if len(f.exact) == 0 && len(f.prefixes) == 0 {
		return true
	}
	if _, ok := f.exact[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
