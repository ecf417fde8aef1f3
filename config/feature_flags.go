package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FeatureFlags manages the runtime toggles that decide which adapters a
// process wires: durable storage, the redis event stream, the scoreboard
// projection and the background jobs.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// now is swapped in tests.
	now func() time.Time
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// Time-based activation
	EnabledFrom  *time.Time
	EnabledUntil *time.Time
}

// Predefined feature flag names.
const (
	// === Storage ===
	FeatureStoragePostgres = "storage.postgres" // Durable store instead of memory

	// === Events ===
	FeatureEventsRedisStream = "events.redis_stream" // Mirror every event to a redis stream

	// === Scoreboard ===
	FeatureScoreboardProjection = "scoreboard.projection" // Redis ZSET per group

	// === Scheduler ===
	FeatureSchedulerProposalSweeper   = "scheduler.proposal_sweeper"   // Execute expired proposals
	FeatureSchedulerScoreboardRebuild = "scheduler.scoreboard_rebuild" // Periodic full rebuild
)

// LoadFeatureFlags loads feature flags from environment variables.
func LoadFeatureFlags() *FeatureFlags {
	ff := NewFeatureFlags()

	// Load overrides from environment
	ff.loadFromEnvironment()

	return ff
}

// NewFeatureFlags returns the registry with default values only.
func NewFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features: make(map[string]*Feature),
		now:      time.Now,
	}
	ff.initializeDefaults()
	return ff
}

// initializeDefaults sets up all features with default values.
// Everything that needs an external service starts off.
func (ff *FeatureFlags) initializeDefaults() {
	ff.features[FeatureStoragePostgres] = &Feature{
		Name:        FeatureStoragePostgres,
		Description: "Persist state in PostgreSQL",
		Enabled:     false,
	}

	ff.features[FeatureEventsRedisStream] = &Feature{
		Name:        FeatureEventsRedisStream,
		Description: "Append domain events to a redis stream",
		Enabled:     false,
	}

	ff.features[FeatureScoreboardProjection] = &Feature{
		Name:        FeatureScoreboardProjection,
		Description: "Project participation scores into redis sorted sets",
		Enabled:     false,
	}

	ff.features[FeatureSchedulerProposalSweeper] = &Feature{
		Name:        FeatureSchedulerProposalSweeper,
		Description: "Execute proposals whose voting period ended",
		Enabled:     true,
	}

	ff.features[FeatureSchedulerScoreboardRebuild] = &Feature{
		Name:        FeatureSchedulerScoreboardRebuild,
		Description: "Rebuild scoreboards from stored profiles",
		Enabled:     true,
	}
}

// loadFromEnvironment loads feature flag overrides from env vars.
// Format: FEATURE_<NAME>=true|false
// Example: FEATURE_STORAGE_POSTGRES=true
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		val := os.Getenv(featureNameToEnvKey(name))
		if val == "" {
			continue
		}
		if b, err := strconv.ParseBool(val); err == nil {
			feature.Enabled = b
		}
	}
}

// featureNameToEnvKey converts feature name to environment variable key.
// "storage.postgres" -> "FEATURE_STORAGE_POSTGRES"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled checks if a feature is enabled now.
func (ff *FeatureFlags) IsEnabled(featureName string) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	feature, ok := ff.features[featureName]
	if !ok || !feature.Enabled {
		return false
	}

	// Check time-based activation
	now := ff.now()
	if feature.EnabledFrom != nil && now.Before(*feature.EnabledFrom) {
		return false
	}
	if feature.EnabledUntil != nil && now.After(*feature.EnabledUntil) {
		return false
	}
	return true
}

// SetEnabled toggles a feature. Thread-safe for live updates.
func (ff *FeatureFlags) SetEnabled(featureName string, enabled bool) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}
	feature.Enabled = enabled
	return nil
}

// SetWindow limits a feature to [from, until]. Nil bounds are open.
func (ff *FeatureFlags) SetWindow(featureName string, from, until *time.Time) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}
	if from != nil && until != nil && until.Before(*from) {
		return ErrInvalidWindow
	}
	feature.EnabledFrom = from
	feature.EnabledUntil = until
	return nil
}

// EnableFeature enables a feature.
func (ff *FeatureFlags) EnableFeature(featureName string) error {
	return ff.SetEnabled(featureName, true)
}

// DisableFeature disables a feature completely.
func (ff *FeatureFlags) DisableFeature(featureName string) error {
	return ff.SetEnabled(featureName, false)
}

// GetAllFeatures returns a copy of all feature configurations.
func (ff *FeatureFlags) GetAllFeatures() map[string]*Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	result := make(map[string]*Feature, len(ff.features))
	for k, v := range ff.features {
		featureCopy := *v
		result[k] = &featureCopy
	}
	return result
}

// EnabledNames returns the names of enabled features, sorted. Used for the
// startup log line.
func (ff *FeatureFlags) EnabledNames() []string {
	ff.mu.RLock()
	names := make([]string, 0, len(ff.features))
	for name := range ff.features {
		names = append(names, name)
	}
	ff.mu.RUnlock()

	enabled := names[:0]
	for _, name := range names {
		if ff.IsEnabled(name) {
			enabled = append(enabled, name)
		}
	}
	sort.Strings(enabled)
	return enabled
}

// --- Convenience methods for common checks ---

// RedisRequired reports whether any enabled feature needs a redis client.
func (ff *FeatureFlags) RedisRequired() bool {
	return ff.IsEnabled(FeatureEventsRedisStream) ||
		ff.IsEnabled(FeatureScoreboardProjection)
}

// --- Errors ---

var (
	ErrFeatureNotFound = &FeatureFlagError{Message: "feature not found"}
	ErrInvalidWindow   = &FeatureFlagError{Message: "feature window ends before it starts"}
)

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Message string
}

func (e *FeatureFlagError) Error() string {
	return e.Message
}
