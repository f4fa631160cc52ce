// Package transport owns the MQTT session: connection lifecycle, the
// telemetry subscription with inbound bounds, and at-least-once setpoint
// publishing behind the circuit breaker.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"github.com/gridsentry/derms/controller/contracts"
	"github.com/gridsentry/derms/controller/ingest"
	"github.com/gridsentry/derms/controller/observability"
	"github.com/gridsentry/derms/controller/safety"
)

// ErrPublishBlocked is returned without touching the broker while the
// controller is stopped or the breaker is open.
var ErrPublishBlocked = errors.New("publish blocked by safety state")

// Config holds the broker connection settings.
type Config struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string

	// Inbound per-device rate limit, messages per second.
	DeviceRate  float64
	DeviceBurst int
}

// ConfigFromEnv reads the broker settings from the environment.
func ConfigFromEnv() Config {
	c := Config{
		BrokerURL:   "tcp://localhost:1883",
		ClientID:    "derms-controller",
		TopicPrefix: "derms",
		DeviceRate:  10,
		DeviceBurst: 20,
	}
	if v := os.Getenv("MQTT_BROKER_URL"); v != "" {
		c.BrokerURL = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.ClientID = v
	}
	c.Username = os.Getenv("MQTT_USERNAME")
	c.Password = os.Getenv("MQTT_PASSWORD")
	if v := os.Getenv("MQTT_TOPIC_PREFIX"); v != "" {
		c.TopicPrefix = strings.TrimSuffix(v, "/")
	}
	if v := os.Getenv("MQTT_DEVICE_RATE"); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil && f > 0 {
			c.DeviceRate = f
		}
	}
	return c
}

// Client is the MQTT transport. Inbound telemetry flows to the handler;
// outbound setpoints go through PublishSetpoint.
type Client struct {
	cfg     Config
	policy  safety.Policy
	state   *safety.State
	ready   *safety.Readiness
	handler *ingest.Handler

	mqtt mqtt.Client

	mu       sync.Mutex
	lastErr  string
	limiters map[string]*rate.Limiter
}

// New wires a transport; Start opens the connection.
func New(cfg Config, policy safety.Policy, state *safety.State, ready *safety.Readiness, handler *ingest.Handler) *Client {
	return &Client{
		cfg:      cfg,
		policy:   policy,
		state:    state,
		ready:    ready,
		handler:  handler,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start opens the broker connection. It never blocks startup: connect retries
// run in the background and readiness flips when the session is up.
func (c *Client) Start() {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	c.mqtt = mqtt.NewClient(opts)
	c.mqtt.Connect()
}

func (c *Client) onConnect(client mqtt.Client) {
	topic := c.cfg.TopicPrefix + "/telemetry/#"
	token := client.Subscribe(topic, 1, c.onTelemetry)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("mqtt subscribe %s failed: %v", topic, err)
			c.setLastErr(err.Error())
			c.ready.SetBusReady(false, "subscribe failed: "+err.Error())
			return
		}
		log.Printf("mqtt connected, subscribed to %s", topic)
		observability.BusConnected.Set(1)
		c.ready.SetBusReady(true, "")
	}()
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	log.Printf("mqtt connection lost: %v", err)
	observability.BusConnected.Set(0)
	observability.BusDisconnects.Inc()
	c.setLastErr(err.Error())
	c.ready.SetBusReady(false, err.Error())
}

// onTelemetry enforces the inbound bounds and hands the payload to the
// telemetry handler under the processing deadline.
func (c *Client) onTelemetry(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	if len(payload) > c.policy.MQTTMaxPayloadBytes {
		observability.OversizeDrops.Inc()
		log.Printf("dropping oversize message on %s (%d bytes)", msg.Topic(), len(payload))
		return
	}

	deviceID := deviceFromTopic(msg.Topic())
	if !c.limiter(deviceID).Allow() {
		observability.TelemetryDropped.WithLabelValues("rate_limit").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.policy.MQTTProcessingTimeout)
	defer cancel()

	if _, err := c.handler.Handle(ctx, payload); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			observability.ProcessingTimeouts.Inc()
			log.Printf("telemetry from %s exceeded processing deadline", deviceID)
			return
		}
		log.Printf("telemetry from %s rejected: %v", deviceID, err)
	}
}

// limiter returns the per-device inbound limiter, creating it on first sight.
func (c *Client) limiter(deviceID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[deviceID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.DeviceRate), c.cfg.DeviceBurst)
		c.limiters[deviceID] = l
	}
	return l
}

// PublishSetpoint publishes at QoS 1 with bounded retries and exponential
// backoff. Success means the broker ACKed within the per-attempt timeout.
// While the safety state forbids publishing no bus I/O happens at all.
func (c *Client) PublishSetpoint(ctx context.Context, msg *contracts.SetpointMessage) error {
	if !c.state.AllowPublish() {
		observability.SetpointPublishes.WithLabelValues("breaker_open").Inc()
		observability.BreakerState.Set(float64(c.state.BreakerState()))
		return fmt.Errorf("%w: %s", ErrPublishBlocked, c.blockReason())
	}

	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode setpoint for %s: %w", msg.DeviceID, err)
	}
	topic := c.cfg.TopicPrefix + "/control/" + msg.DeviceID

	var lastErr error
	for attempt := 0; attempt <= c.policy.MQTTMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(Backoff(c.policy.MQTTRetryBackoff, attempt-1)):
			case <-ctx.Done():
				lastErr = ctx.Err()
			}
			if ctx.Err() != nil {
				break
			}
		}

		start := time.Now()
		token := c.mqtt.Publish(topic, 1, false, payload)
		acked := token.WaitTimeout(c.policy.MQTTPublishTimeout)
		observability.PublishLatency.Observe(time.Since(start).Seconds())

		if acked && token.Error() == nil {
			c.state.NoteMqttSuccess()
			observability.SetpointPublishes.WithLabelValues("ok").Inc()
			observability.BreakerState.Set(float64(c.state.BreakerState()))
			return nil
		}
		if token.Error() != nil {
			lastErr = token.Error()
		} else {
			lastErr = fmt.Errorf("broker ack timeout after %s", c.policy.MQTTPublishTimeout)
		}
	}

	if lastErr == nil {
		lastErr = errors.New("publish failed")
	}
	c.setLastErr(lastErr.Error())
	c.state.NoteMqttFailure(lastErr.Error())
	observability.SetpointPublishes.WithLabelValues("error").Inc()
	observability.BreakerState.Set(float64(c.state.BreakerState()))
	return fmt.Errorf("publish %s: %w", topic, lastErr)
}

// Status reports the connection flag and the last transport error.
func (c *Client) Status() (bool, string) {
	connected := c.mqtt != nil && c.mqtt.IsConnectionOpen()
	c.mu.Lock()
	defer c.mu.Unlock()
	return connected, c.lastErr
}

// Stop disconnects after flushing in-flight work.
func (c *Client) Stop() {
	if c.mqtt != nil {
		c.mqtt.Disconnect(250)
	}
	observability.BusConnected.Set(0)
	c.ready.SetBusReady(false, "shutting down")
}

func (c *Client) setLastErr(s string) {
	c.mu.Lock()
	c.lastErr = s
	c.mu.Unlock()
}

func (c *Client) blockReason() string {
	if reason := c.state.StoppedReason(); reason != "" {
		return "stopped: " + reason
	}
	return "breaker " + c.state.BreakerState().String()
}

// Backoff returns base * 2^n, capped at 30s.
func Backoff(base time.Duration, n int) time.Duration {
	d := base << uint(n)
	if d > 30*time.Second || d < base {
		return 30 * time.Second
	}
	return d
}

// deviceFromTopic extracts the device id from
// ${prefix}/telemetry/<deviceId>[/...]; trailing segments are ignored.
func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		if p == "telemetry" && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1]
		}
	}
	if last := parts[len(parts)-1]; last != "" {
		return last
	}
	return topic
}
