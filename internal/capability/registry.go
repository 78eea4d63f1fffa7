// Package capability advertises what this satellite can do and tracks the
// other satellites heard on the bus.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-satellite/internal/bus"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type Satellite struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type Config struct {
	DeviceID      string
	SubjectPrefix string
	Capabilities  []Capability
	Interval      time.Duration
	Timeout       time.Duration
}

type announceMessage struct {
	DeviceID     string       `json:"device_id"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Registry struct {
	cfg    Config
	log    *slog.Logger
	bus    *bus.Client
	clock  func() time.Time
	mu     sync.RWMutex
	peers  map[string]*Satellite
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
}

func NewRegistry(ctx context.Context, cfg Config, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if cfg.Interval <= 0 || cfg.Timeout <= cfg.Interval {
		return nil, fmt.Errorf("heartbeat timeout %s must exceed interval %s", cfg.Timeout, cfg.Interval)
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		clock:  time.Now,
		peers:  make(map[string]*Satellite),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	r.wg.Add(1)
	go r.run(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce satellite", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) announceSubject() string {
	return r.cfg.SubjectPrefix + ".presence.announce"
}

func (r *Registry) heartbeatSubject(id string) string {
	return r.cfg.SubjectPrefix + ".presence.heartbeat." + id
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(r.announceSubject(), r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(r.heartbeatSubject("*"), r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

// run publishes heartbeats and expires silent satellites.
func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(r.cfg.Interval)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		DeviceID:     r.cfg.DeviceID,
		Capabilities: r.cfg.Capabilities,
		Timestamp:    r.clock().UTC(),
	}
	if err := r.bus.Publish(r.announceSubject(), msg); err != nil {
		return err
	}
	r.update(msg.DeviceID, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{DeviceID: r.cfg.DeviceID, Timestamp: r.clock().UTC()}
	return r.bus.Publish(r.heartbeatSubject(r.cfg.DeviceID), msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announceMessage
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.DeviceID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.clock().UTC()
	}
	r.update(a.DeviceID, a.Capabilities, a.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.DeviceID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.update(hb.DeviceID, nil, hb.Timestamp)
}

func (r *Registry) update(id string, caps []Capability, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sat, ok := r.peers[id]
	if !ok {
		sat = &Satellite{ID: id}
		r.peers[id] = sat
		r.log.Info("satellite discovered", slog.String("device_id", id))
	}
	if len(caps) > 0 {
		sat.Capabilities = caps
	}
	if seen.After(sat.LastSeen) {
		sat.LastSeen = seen
	}
	sat.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	for _, sat := range r.peers {
		if sat.Healthy && now.Sub(sat.LastSeen) > r.cfg.Timeout {
			sat.Healthy = false
			r.log.Info("satellite went silent", slog.String("device_id", sat.ID))
		}
	}
}

// Healthy reports whether this satellite's own announcements are being
// heard back through the bus.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sat, ok := r.peers[r.cfg.DeviceID]
	return ok && sat.Healthy
}

// Query returns the known satellites matching filter, ordered by ID.
func (r *Registry) Query(filter func(Satellite) bool) []Satellite {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Satellite
	for _, sat := range r.peers {
		c := *sat
		if filter == nil || filter(c) {
			results = append(results, c)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-satellite/capability")
	gauge, err := meter.Int64ObservableGauge("loqa.satellites.known", metric.WithDescription("Number of satellites heard on the bus"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r.mu.RLock()
		n := len(r.peers)
		r.mu.RUnlock()
		obs.ObserveInt64(gauge, int64(n))
		return nil
	}, gauge)
	return err
}

func WithCapabilityFilter(name string) func(Satellite) bool {
	return func(sat Satellite) bool {
		for _, c := range sat.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

// HealthyOnly keeps satellites that have been heard recently.
func HealthyOnly(sat Satellite) bool { return sat.Healthy }
