// Package retention enforces per-entity retention windows over terminal
// records. Sweeps run as bounded batches that commit independently, so a
// crash mid-sweep loses progress, not correctness. Non-terminal records are
// never touched regardless of age.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/outboundkit/flowstate/internal/store"
	"github.com/outboundkit/flowstate/pkg/schema"
)

// DefaultBatchSize bounds how many rows one sweep batch may delete.
const DefaultBatchSize = 500

// Policy is the retention rule for one entity type.
type Policy struct {
	RetentionDays int  `yaml:"retention_days" json:"retention_days"`
	Enabled       bool `yaml:"enabled" json:"enabled"`
	// Anonymize blanks compliance-sensitive identifiers in place instead of
	// deleting rows. Only honored for enrollments.
	Anonymize bool `yaml:"anonymize,omitempty" json:"anonymize,omitempty"`
}

// Config maps entity types to their policies.
type Config map[schema.EntityType]Policy

// Validate rejects malformed policies before any sweep can run.
func (c Config) Validate() error {
	for entity, p := range c {
		switch entity {
		case schema.EntityWorkflow, schema.EntityJob, schema.EntityEnrollment, schema.EntityEvent:
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown retention entity %q", entity)
		}
		if p.RetentionDays < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"retention days for %s must be >= 0, got %d", entity, p.RetentionDays)
		}
		if p.Anonymize && entity != schema.EntityEnrollment {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"anonymize is only supported for enrollments, not %s", entity)
		}
	}
	return nil
}

// LoadFile reads a retention config from a YAML file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read retention config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed retention config").WithCause(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SweepResult counts what one sweep removed or anonymized per entity type.
type SweepResult map[schema.EntityType]int64

// Service runs retention sweeps against the store.
type Service struct {
	store     store.Store
	logger    *slog.Logger
	batchSize int

	mu       sync.RWMutex
	policies Config
}

// NewService creates a Service with a validated config. A non-positive
// batch size falls back to DefaultBatchSize.
func NewService(s store.Store, cfg Config, logger *slog.Logger, batchSize int) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Service{store: s, logger: logger, batchSize: batchSize, policies: cfg}, nil
}

// Reload swaps in a new config without restarting. An invalid config is
// rejected and the previous one stays active.
func (s *Service) Reload(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.policies = cfg
	s.mu.Unlock()
	s.logger.Info("retention config reloaded", slog.Int("policies", len(cfg)))
	return nil
}

// Policies returns a copy of the active config.
func (s *Service) Policies() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Config, len(s.policies))
	for k, v := range s.policies {
		out[k] = v
	}
	return out
}

// Sweep applies every enabled policy once. Rows older than now minus the
// retention window are deleted (or anonymized) in batches; failure record
// cleanup rides on the owner's cascading delete.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	result := make(SweepResult)
	for entity, policy := range s.Policies() {
		if !policy.Enabled {
			continue
		}
		cutoff := now.Add(-time.Duration(policy.RetentionDays) * 24 * time.Hour)
		n, err := s.sweepEntity(ctx, entity, policy, cutoff)
		result[entity] += n
		if err != nil {
			return result, err
		}
		if n > 0 {
			s.logger.InfoContext(ctx, "retention sweep",
				slog.String("entity", string(entity)),
				slog.Int64("rows", n),
				slog.Time("cutoff", cutoff))
		}
	}
	return result, nil
}

func (s *Service) sweepEntity(ctx context.Context, entity schema.EntityType, policy Policy, cutoff time.Time) (int64, error) {
	var del func(context.Context, time.Time, int) (int64, error)
	switch entity {
	case schema.EntityWorkflow:
		del = s.store.DeleteTerminalWorkflows
	case schema.EntityJob:
		del = s.store.DeleteTerminalJobs
	case schema.EntityEvent:
		del = s.store.DeleteIngestedEvents
	case schema.EntityEnrollment:
		if policy.Anonymize {
			del = s.store.AnonymizeEnrollments
		} else {
			// Enrollments are terminated, not deleted; without anonymize the
			// policy is a no-op.
			return 0, nil
		}
	}

	var total int64
	for {
		n, err := del(ctx, cutoff, s.batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(s.batchSize) {
			return total, nil
		}
	}
}
