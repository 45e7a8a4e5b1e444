// Package profiles stores bot profiles as JSON blobs on disk, one file
// per bot id. Profile ids are v4 UUIDs and double as filenames, so ids
// are validated before any path composition.
package profiles

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/wopr-network/wopr-platform-sub005/pkg/imageref"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

var (
	// ErrProfileNotFound is returned for unknown profile ids.
	ErrProfileNotFound = errors.New("bot profile not found")
	// ErrInvalidProfileID is returned when an id is not a UUID, before
	// any path is built from it.
	ErrInvalidProfileID = errors.New("invalid profile id")
)

var uuidPattern = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// Store reads and writes profile blobs under a single data directory.
type Store struct {
	dataDir string
	logger  logging.Logger
}

func NewStore(dataDir string, logger logging.Logger) (*Store, error) {
	dataDir = filepath.Clean(dataDir)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}
	return &Store{dataDir: dataDir, logger: logger}, nil
}

// safePath validates the id shape first and only then composes the
// path, re-checking that the result stays under the data directory.
func (s *Store) safePath(id string) (string, error) {
	if !uuidPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidProfileID, id)
	}
	path := filepath.Join(s.dataDir, id+".json")
	if !strings.HasPrefix(path, s.dataDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes data directory", ErrInvalidProfileID, id)
	}
	return path, nil
}

// Save validates and writes a profile blob.
func (s *Store) Save(profile *models.BotProfile) error {
	if err := Validate(profile); err != nil {
		return err
	}
	path, err := s.safePath(profile.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

// Get loads one profile by id.
func (s *Store) Get(id string) (*models.BotProfile, error) {
	path, err := s.safePath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("profile %s: %w", id, ErrProfileNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	var profile models.BotProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", id, err)
	}
	return &profile, nil
}

// Delete removes a profile blob.
func (s *Store) Delete(id string) error {
	path, err := s.safePath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("profile %s: %w", id, ErrProfileNotFound)
	} else if err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	return nil
}

// List returns every readable, valid profile. Unreadable or invalid
// files are skipped with a warning so one corrupt blob cannot take the
// listing down.
func (s *Store) List() ([]models.BotProfile, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile directory: %w", err)
	}

	var result []models.BotProfile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		profile, err := s.Get(id)
		if err != nil {
			s.logger.WithFields(logging.Fields{
				"file":  entry.Name(),
				"error": err,
			}).Warn("Skipping unreadable profile")
			continue
		}
		if err := Validate(profile); err != nil {
			s.logger.WithFields(logging.Fields{
				"file":  entry.Name(),
				"error": err,
			}).Warn("Skipping invalid profile")
			continue
		}
		result = append(result, *profile)
	}
	return result, nil
}

// Validate checks a profile against the declared schema.
func Validate(p *models.BotProfile) error {
	if !uuidPattern.MatchString(p.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidProfileID, p.ID)
	}
	if p.TenantID == "" {
		return errors.New("profile tenant id is required")
	}
	if len(p.Name) < 1 || len(p.Name) > 63 {
		return fmt.Errorf("profile name must be 1-63 characters, got %d", len(p.Name))
	}
	if _, err := imageref.Parse(p.Image); err != nil {
		return fmt.Errorf("invalid image reference: %w", err)
	}
	switch p.RestartPolicy {
	case models.RestartNo, models.RestartAlways, models.RestartOnFailure, models.RestartUnlessStopped:
	default:
		return fmt.Errorf("unknown restart policy %q", p.RestartPolicy)
	}
	switch p.ReleaseChannel {
	case models.ChannelStable, models.ChannelCanary, models.ChannelStaging, models.ChannelPinned:
	default:
		return fmt.Errorf("unknown release channel %q", p.ReleaseChannel)
	}
	if err := validateUpdatePolicy(p.UpdatePolicy); err != nil {
		return err
	}
	for key := range p.Env {
		if key == "" {
			return errors.New("env keys must be non-empty")
		}
	}
	return nil
}

func validateUpdatePolicy(policy string) error {
	switch policy {
	case models.UpdateManual, models.UpdateOnPush, models.UpdateNightly:
		return nil
	}
	if strings.HasPrefix(policy, "cron:") {
		expr := strings.TrimPrefix(policy, "cron:")
		if len(strings.Fields(expr)) != 5 {
			return fmt.Errorf("cron update policy needs 5 fields, got %q", expr)
		}
		return nil
	}
	return fmt.Errorf("unknown update policy %q", policy)
}
