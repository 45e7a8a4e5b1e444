package images

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wopr-network/wopr-platform-sub005/internal/commandbus"
	"github.com/wopr-network/wopr-platform-sub005/pkg/imageref"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// DigestSource answers what digest a registry serves for a tag.
type DigestSource interface {
	Digest(ctx context.Context, ref imageref.Ref) (string, error)
}

// ProfileSource is the slice of the profile store the poller reads.
type ProfileSource interface {
	Get(id string) (*models.BotProfile, error)
	List() ([]models.BotProfile, error)
}

// InstanceGetter resolves a bot to the node it runs on.
type InstanceGetter interface {
	Get(ctx context.Context, id string) (*models.BotInstance, error)
}

// CommandSender delivers agent commands to nodes.
type CommandSender interface {
	Send(ctx context.Context, nodeID string, cmd commandbus.Command) (commandbus.Result, error)
}

// Metrics holds the package's Prometheus instruments.
type Metrics struct {
	Polls           *prometheus.CounterVec // labels: channel
	UpdatesDetected *prometheus.CounterVec // labels: channel
	Updates         *prometheus.CounterVec // labels: outcome
}

// InspectResult is the agent's answer to a bot.inspect command. An empty
// HealthStatus means the container declares no healthcheck.
type InspectResult struct {
	Running      bool     `json:"running"`
	RepoDigests  []string `json:"repo_digests,omitempty"`
	HealthStatus string   `json:"health_status,omitempty"`
}

// Digest returns the running image digest, taken from the first repo
// digest after the @.
func (r *InspectResult) Digest() string {
	if len(r.RepoDigests) == 0 {
		return ""
	}
	if i := strings.Index(r.RepoDigests[0], "@"); i >= 0 {
		return r.RepoDigests[0][i+1:]
	}
	return ""
}

func inspectBot(ctx context.Context, bus CommandSender, nodeID, name string) (*InspectResult, error) {
	res, err := bus.Send(ctx, nodeID, commandbus.Command{
		Type:    commandbus.CmdBotInspect,
		Payload: map[string]interface{}{"name": name},
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		return nil, err
	}

	var info InspectResult
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &info); err != nil {
			return nil, fmt.Errorf("failed to decode inspect result: %w", err)
		}
	}
	return &info, nil
}

// PollerConfig carries the dependencies for a Poller.
type PollerConfig struct {
	Profiles  ProfileSource
	Instances InstanceGetter
	Registry  DigestSource
	Bus       CommandSender
	OnUpdate  func(botID, digest string)
	Logger    logging.Logger
	Metrics   *Metrics

	// Intervals overrides the per-channel cadence, for tests.
	Intervals map[string]time.Duration
}

// Poller runs one timer per tracked bot, cadenced by its release channel,
// and fires OnUpdate when the registry serves a digest the running
// container doesn't have and the bot's update policy allows rolling now.
type Poller struct {
	profiles  ProfileSource
	instances InstanceGetter
	registry  DigestSource
	bus       CommandSender
	onUpdate  func(botID, digest string)
	logger    logging.Logger
	metrics   *Metrics
	intervals map[string]time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*botTimer
}

type botTimer struct {
	interval time.Duration
	cancel   context.CancelFunc
}

func NewPoller(cfg PollerConfig) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		profiles:  cfg.Profiles,
		instances: cfg.Instances,
		registry:  cfg.Registry,
		bus:       cfg.Bus,
		onUpdate:  cfg.OnUpdate,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		intervals: cfg.Intervals,
		ctx:       ctx,
		cancel:    cancel,
		timers:    map[string]*botTimer{},
	}
}

// Track starts (or re-cadences) the bot's poll timer. Pinned bots are
// never polled; tracking one stops any previous timer.
func (p *Poller) Track(profile *models.BotProfile) {
	interval := p.interval(profile.ReleaseChannel)

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.timers[profile.ID]; ok {
		if existing.interval == interval {
			return
		}
		existing.cancel()
		delete(p.timers, profile.ID)
	}
	if interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(p.ctx)
	p.timers[profile.ID] = &botTimer{interval: interval, cancel: cancel}
	p.wg.Add(1)
	go p.loop(ctx, profile.ID, interval)
}

// Untrack stops the bot's poll timer.
func (p *Poller) Untrack(botID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timer, ok := p.timers[botID]; ok {
		timer.cancel()
		delete(p.timers, botID)
	}
}

// Sync reconciles the timer set against the profile store.
func (p *Poller) Sync() error {
	profiles, err := p.profiles.List()
	if err != nil {
		return fmt.Errorf("failed to list profiles: %w", err)
	}

	seen := make(map[string]bool, len(profiles))
	for i := range profiles {
		p.Track(&profiles[i])
		seen[profiles[i].ID] = true
	}

	p.mu.Lock()
	var stale []string
	for id := range p.timers {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()
	for _, id := range stale {
		p.Untrack(id)
	}
	return nil
}

// Tracked returns the bot ids with a live timer, sorted.
func (p *Poller) Tracked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.timers))
	for id := range p.timers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every timer and waits for in-flight polls.
func (p *Poller) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context, botID string, interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PollOnce(ctx, botID); err != nil {
				p.logger.WithError(err).WithField("bot_id", botID).Warn("Image poll failed")
			}
		}
	}
}

// PollOnce runs one poll for a bot. It returns true when an update was
// detected and handed to OnUpdate.
func (p *Poller) PollOnce(ctx context.Context, botID string) (bool, error) {
	profile, err := p.profiles.Get(botID)
	if err != nil {
		return false, fmt.Errorf("failed to read profile: %w", err)
	}
	ref, err := imageref.Parse(profile.Image)
	if err != nil {
		return false, fmt.Errorf("bad image reference %q: %w", profile.Image, err)
	}

	if p.metrics != nil && p.metrics.Polls != nil {
		p.metrics.Polls.WithLabelValues(profile.ReleaseChannel).Inc()
	}

	registryDigest, err := p.registry.Digest(ctx, ref)
	if err != nil {
		return false, err
	}
	runningDigest, err := p.runningDigest(ctx, botID)
	if err != nil {
		return false, err
	}
	if runningDigest == "" || runningDigest == registryDigest {
		return false, nil
	}

	if p.metrics != nil && p.metrics.UpdatesDetected != nil {
		p.metrics.UpdatesDetected.WithLabelValues(profile.ReleaseChannel).Inc()
	}

	allowed, err := policyAllows(profile.UpdatePolicy, time.Now())
	if err != nil {
		return false, err
	}
	if !allowed {
		p.logger.WithFields(logging.Fields{
			"bot_id": botID,
			"policy": profile.UpdatePolicy,
			"digest": registryDigest,
		}).Info("Update available, policy defers rollout")
		return false, nil
	}

	p.logger.WithFields(logging.Fields{
		"bot_id": botID,
		"digest": registryDigest,
	}).Info("Update available, rolling out")
	if p.onUpdate != nil {
		p.onUpdate(botID, registryDigest)
	}
	return true, nil
}

// runningDigest reads the digest of the container actually running. Empty
// when the bot holds no placement or exposes no repo digest.
func (p *Poller) runningDigest(ctx context.Context, botID string) (string, error) {
	inst, err := p.instances.Get(ctx, botID)
	if err != nil {
		return "", fmt.Errorf("failed to read instance: %w", err)
	}
	if inst.NodeID == nil {
		return "", nil
	}
	info, err := inspectBot(ctx, p.bus, *inst.NodeID, inst.Name)
	if err != nil {
		return "", fmt.Errorf("failed to inspect %s: %w", inst.Name, err)
	}
	return info.Digest(), nil
}

func (p *Poller) interval(channel string) time.Duration {
	if p.intervals != nil {
		if d, ok := p.intervals[channel]; ok {
			return d
		}
	}
	return ChannelInterval(channel)
}
