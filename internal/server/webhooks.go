package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gobwas/glob"
	"github.com/golang-jwt/jwt/v5"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/logging"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookQueue   = 256
	deliveryTokenTTL      = 5 * time.Minute
)

// WebhookDispatcher posts hub events to the configured webhook URLs.
type WebhookDispatcher struct {
	hub     *events.Hub
	targets []webhookTarget
	client  *http.Client
	log     *log.Logger
	queue   chan domain.Event
}

type webhookTarget struct {
	hook   config.Webhook
	filter eventFilter
}

// NewWebhookDispatcher compiles each hook's event patterns. Nothing is delivered until
// Run is called.
func NewWebhookDispatcher(hooks []config.Webhook, hub *events.Hub, logger *log.Logger) (*WebhookDispatcher, error) {
	d := &WebhookDispatcher{
		hub:    hub,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		log:    logging.OrDiscard(logger),
		queue:  make(chan domain.Event, defaultWebhookQueue),
	}
	for i, hook := range hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		filter, err := newEventFilter(hook.Events)
		if err != nil {
			return nil, fmt.Errorf("webhooks[%d]: %w", i, err)
		}
		d.targets = append(d.targets, webhookTarget{hook: hook, filter: filter})
	}
	return d, nil
}

// Run subscribes to every project and delivers events until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	if len(d.targets) == 0 {
		<-ctx.Done()
		return nil
	}
	id := d.hub.Subscribe(events.AllProjects, func(evt domain.Event) error {
		select {
		case d.queue <- evt:
		default:
			d.log.Warn("webhook queue full, dropping event", "type", evt.Type, "project", evt.ProjectID, "id", evt.ID)
		}
		return nil
	})
	defer d.hub.Unsubscribe(id)
	d.log.Info("webhooks started", "targets", len(d.targets))
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-d.queue:
			d.dispatch(ctx, evt)
		}
	}
}

func (d *WebhookDispatcher) dispatch(ctx context.Context, evt domain.Event) {
	for _, t := range d.targets {
		if t.hook.Project != "" && t.hook.Project != evt.ProjectID {
			continue
		}
		if !t.filter.match(evt.Type) {
			continue
		}
		if err := d.postEvent(ctx, t.hook, evt); err != nil {
			d.log.Warn("webhook delivery failed", "url", t.hook.URL, "type", evt.Type, "err", err)
		}
	}
}

// deliveryClaims bind a signed token to one delivery body.
type deliveryClaims struct {
	jwt.RegisteredClaims
	Event      string `json:"event"`
	Project    string `json:"project"`
	BodySHA256 string `json:"body_sha256"`
}

func signDelivery(secret string, evt domain.Event, body []byte, now time.Time) (string, error) {
	sum := sha256.Sum256(body)
	claims := deliveryClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(deliveryTokenTTL)),
		},
		Event:      evt.Type,
		Project:    evt.ProjectID,
		BodySHA256: hex.EncodeToString(sum[:]),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyDelivery checks a webhook Authorization token against the received body and
// returns the event type it was issued for. Receivers share the hook secret.
func VerifyDelivery(secret, token string, body []byte) (string, error) {
	claims := &deliveryClaims{}
	parsed, err := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
	).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	sum := sha256.Sum256(body)
	if claims.BodySHA256 != hex.EncodeToString(sum[:]) {
		return "", errors.New("body digest mismatch")
	}
	return claims.Event, nil
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Crewline-Event", evt.Type)
	req.Header.Set("X-Crewline-Delivery", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Crewline-Project", evt.ProjectID)
	if strings.TrimSpace(hook.Secret) != "" {
		token, err := signDelivery(hook.Secret, evt, data, time.Now())
		if err != nil {
			return fmt.Errorf("sign delivery: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// eventFilter matches event types against glob patterns such as "bug_*". An empty
// pattern list matches everything.
type eventFilter struct {
	all      bool
	patterns []glob.Glob
}

func newEventFilter(patterns []string) (eventFilter, error) {
	f := eventFilter{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return eventFilter{}, fmt.Errorf("event pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, g)
	}
	f.all = len(f.patterns) == 0
	return f, nil
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	for _, g := range f.patterns {
		if g.Match(evt) {
			return true
		}
	}
	return false
}
