package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gridsentry/derms/controller/ingest"
	"github.com/gridsentry/derms/controller/safety"
)

// Monitor periodically checks device heartbeats and loop liveness, alerting
// with a per-subject cooldown.
type Monitor struct {
	ingest     *ingest.Handler
	health     *Health
	policy     safety.Policy
	interval   time.Duration
	webhookURL string

	lastAlert  map[string]time.Time // subject -> last alert time
	httpClient *http.Client
}

func NewMonitor(ing *ingest.Handler, health *Health, policy safety.Policy, webhookURL string) *Monitor {
	return &Monitor{
		ingest:     ing,
		health:     health,
		policy:     policy,
		interval:   30 * time.Second,
		webhookURL: webhookURL,
		lastAlert:  make(map[string]time.Time),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("device monitor started (heartbeat timeout %v, stall threshold %v)",
		m.policy.DeviceHeartbeatTimeout, m.policy.StallThreshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	now := time.Now()

	offline := m.ingest.OfflineDevices(now.UnixMilli(), m.policy.DeviceHeartbeatTimeout)
	for _, id := range offline {
		m.alert(ctx, now, "device:"+id, "device "+id+" heartbeat expired")
	}

	if status, _, _, lastErr := m.health.loopStatus(now); status == "stalled" {
		m.alert(ctx, now, "loop", "control loop stalled: "+lastErr)
	}
}

// alert logs and optionally posts to the webhook, at most once per cooldown
// per subject.
func (m *Monitor) alert(ctx context.Context, now time.Time, subject, text string) {
	if last, ok := m.lastAlert[subject]; ok && now.Sub(last) < m.policy.AlertCooldown {
		return
	}
	m.lastAlert[subject] = now

	log.Printf("ALERT %s", text)
	if m.webhookURL == "" {
		return
	}

	body, _ := json.Marshal(map[string]string{
		"subject": subject,
		"text":    text,
		"at":      now.UTC().Format(time.RFC3339),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhookURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		log.Printf("alert webhook failed: %v", err)
		return
	}
	resp.Body.Close()
}
