package images

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/internal/commandbus"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// ErrUpdateInProgress is returned when a bot already has an update running.
var ErrUpdateInProgress = errors.New("update already in progress")

// Health poll cadence and budget for a freshly started container.
const (
	DefaultHealthPollInterval = 5 * time.Second
	DefaultHealthBudget       = 60 * time.Second
)

const (
	healthHealthy   = "healthy"
	healthUnhealthy = "unhealthy"
)

// UpdateReport is the outcome of one update attempt.
type UpdateReport struct {
	BotID         string `json:"bot_id"`
	Success       bool   `json:"success"`
	RolledBack    bool   `json:"rolled_back,omitempty"`
	Error         string `json:"error,omitempty"`
	PreviousImage string `json:"previous_image,omitempty"`
	NewImage      string `json:"new_image,omitempty"`
}

// UpdaterConfig carries the dependencies for an Updater.
type UpdaterConfig struct {
	Instances InstanceGetter
	Profiles  ProfileSource
	Bus       CommandSender
	Logger    logging.Logger
	Metrics   *Metrics

	HealthPollInterval time.Duration
	HealthBudget       time.Duration
}

// Updater rolls a bot onto its tag's current image: pull, recreate with
// the same name and volumes, start, and wait for health. Any failure rolls
// the bot back to the digest it was running before.
type Updater struct {
	instances    InstanceGetter
	profiles     ProfileSource
	bus          CommandSender
	logger       logging.Logger
	metrics      *Metrics
	healthPoll   time.Duration
	healthBudget time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewUpdater(cfg UpdaterConfig) *Updater {
	if cfg.HealthPollInterval <= 0 {
		cfg.HealthPollInterval = DefaultHealthPollInterval
	}
	if cfg.HealthBudget <= 0 {
		cfg.HealthBudget = DefaultHealthBudget
	}
	return &Updater{
		instances:    cfg.Instances,
		profiles:     cfg.Profiles,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		healthPoll:   cfg.HealthPollInterval,
		healthBudget: cfg.HealthBudget,
		inFlight:     map[string]struct{}{},
	}
}

// UpdateBot updates one bot. Concurrent calls for the same bot fail with
// ErrUpdateInProgress. An error return means the update never started;
// update and rollback outcomes are carried in the report.
func (u *Updater) UpdateBot(ctx context.Context, botID string) (*UpdateReport, error) {
	if !u.acquire(botID) {
		return nil, fmt.Errorf("bot %s: %w", botID, ErrUpdateInProgress)
	}
	defer u.release(botID)

	inst, err := u.instances.Get(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to read instance: %w", err)
	}
	if inst.NodeID == nil {
		return nil, fmt.Errorf("bot %s is not placed on any node", botID)
	}
	node := *inst.NodeID

	profile, err := u.profiles.Get(botID)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	// 1. Record the rollback point. The first repo digest pins the exact
	// version running now; the bare tag would re-resolve to the new one.
	info, err := inspectBot(ctx, u.bus, node, inst.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", inst.Name, err)
	}
	wasRunning := info.Running
	previousImage := profile.Image
	if len(info.RepoDigests) > 0 {
		previousImage = info.RepoDigests[0]
	}

	report := &UpdateReport{
		BotID:         botID,
		PreviousImage: previousImage,
		NewImage:      profile.Image,
	}

	// 2-4. Pull the tag, recreate the container, start and wait for health.
	err = u.roll(ctx, node, inst.Name, profile, profile.Image, wasRunning)
	if err == nil {
		report.Success = true
		u.countOutcome("success")
		u.logger.WithFields(logging.Fields{
			"bot_id": botID,
			"image":  profile.Image,
		}).Info("Bot updated")
		return report, nil
	}

	// 5. Roll back to the pinned previous image.
	u.logger.WithError(err).WithFields(logging.Fields{
		"bot_id":         botID,
		"previous_image": previousImage,
	}).Warn("Update failed, rolling back")

	if rbErr := u.rollback(ctx, node, inst.Name, profile, previousImage, wasRunning); rbErr != nil {
		report.Error = fmt.Sprintf("%v. Rollback also failed: %v", err, rbErr)
		u.countOutcome("rollback_failed")
		u.logger.WithFields(logging.Fields{
			"bot_id": botID,
			"error":  report.Error,
		}).Error("Rollback failed, bot needs operator attention")
	} else {
		report.Error = err.Error()
		report.RolledBack = true
		u.countOutcome("rolled_back")
	}
	return report, nil
}

// roll is the forward path: pull, recreate, and when the bot was running,
// start it and hold until it reports healthy.
func (u *Updater) roll(ctx context.Context, node, name string, profile *models.BotProfile, image string, start bool) error {
	res, err := u.bus.Send(ctx, node, commandbus.Command{
		Type:    commandbus.CmdImagePull,
		Payload: map[string]interface{}{"image": image},
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		return fmt.Errorf("pull %s: %w", image, err)
	}

	if err := u.recreate(ctx, node, name, profile, image); err != nil {
		return err
	}
	if !start {
		return nil
	}
	if err := u.start(ctx, node, name); err != nil {
		return err
	}
	return u.waitForHealthy(ctx, node, name)
}

// rollback recreates on the previous image and restarts. The previous
// image is already on the node, so there is no pull, and health gating
// would only delay reporting the original failure.
func (u *Updater) rollback(ctx context.Context, node, name string, profile *models.BotProfile, previousImage string, start bool) error {
	if err := u.recreate(ctx, node, name, profile, previousImage); err != nil {
		return err
	}
	if !start {
		return nil
	}
	return u.start(ctx, node, name)
}

// recreate replaces the container with one on the given image, keeping
// name, env, restart policy and volumes.
func (u *Updater) recreate(ctx context.Context, node, name string, profile *models.BotProfile, image string) error {
	// Stop is best effort, the container may already be stopped.
	res, err := u.bus.Send(ctx, node, commandbus.Command{
		Type:    commandbus.CmdBotStop,
		Payload: map[string]interface{}{"name": name},
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		u.logger.WithError(err).WithField("container", name).Debug("Pre-update stop failed")
	}

	res, err = u.bus.Send(ctx, node, commandbus.Command{
		Type:    commandbus.CmdBotRemove,
		Payload: map[string]interface{}{"name": name},
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}

	env := map[string]string{}
	if profile.Env != nil {
		env = profile.Env
	}
	restart := profile.RestartPolicy
	if restart == "" {
		restart = models.RestartUnlessStopped
	}
	payload := map[string]interface{}{
		"name":           name,
		"image":          image,
		"env":            env,
		"restart_policy": restart,
	}
	if len(profile.Volumes) > 0 {
		payload["volumes"] = profile.Volumes
	}
	res, err = u.bus.Send(ctx, node, commandbus.Command{Type: commandbus.CmdBotImport, Payload: payload})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		return fmt.Errorf("import %s: %w", name, err)
	}
	return nil
}

func (u *Updater) start(ctx context.Context, node, name string) error {
	res, err := u.bus.Send(ctx, node, commandbus.Command{
		Type:    commandbus.CmdBotStart,
		Payload: map[string]interface{}{"name": name},
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	return nil
}

// waitForHealthy polls inspect until the container is healthy. A container
// with no healthcheck counts as healthy; unhealthy fails immediately; a
// check still starting past the budget fails too.
func (u *Updater) waitForHealthy(ctx context.Context, node, name string) error {
	deadline := time.Now().Add(u.healthBudget)
	for {
		info, err := inspectBot(ctx, u.bus, node, name)
		if err != nil {
			return fmt.Errorf("health check inspect: %w", err)
		}
		switch info.HealthStatus {
		case "", healthHealthy:
			return nil
		case healthUnhealthy:
			return fmt.Errorf("%s reported unhealthy", name)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%s did not become healthy within %s", name, u.healthBudget)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(u.healthPoll):
		}
	}
}

func (u *Updater) acquire(botID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, busy := u.inFlight[botID]; busy {
		return false
	}
	u.inFlight[botID] = struct{}{}
	return true
}

func (u *Updater) release(botID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.inFlight, botID)
}

func (u *Updater) countOutcome(outcome string) {
	if u.metrics != nil && u.metrics.Updates != nil {
		u.metrics.Updates.WithLabelValues(outcome).Inc()
	}
}
