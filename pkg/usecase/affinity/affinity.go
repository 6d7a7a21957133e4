package affinity

import (
	"context"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/interfaces"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/utils/logging"
)

// Service is the per (user, agent) relationship state machine
type Service struct {
	repo      interfaces.Repository
	generator interfaces.Generator
	policy    *Policy
	now       func() time.Time
}

// Option is a functional option for Service
type Option func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a new Service
func New(repo interfaces.Repository, generator interfaces.Generator, policy *Policy, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		generator: generator,
		policy:    policy,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the current state. A key without a record is a first meeting.
func (s *Service) Get(ctx context.Context, key model.Key) (*model.AffinityState, error) {
	record, err := s.repo.GetAffinity(ctx, key)
	if err != nil {
		return nil, model.ErrMemoryUnavailable.Wrap(err, goerr.V("key", key))
	}
	return model.NewAffinityState(record), nil
}

// Analyze scores message against the given pre-turn state. The returned
// analysis is always usable: when the output cannot be parsed the delta is 0
// and the absorbed cause is returned alongside for logging.
func (s *Service) Analyze(ctx context.Context, agentName string, state *model.AffinityState, message string) (*Analysis, error) {
	analysis, err := s.analyze(ctx, agentName, state, message)
	if err != nil {
		return &Analysis{Delta: 0}, err
	}
	return analysis, nil
}

// Apply adds delta to the stored score as one atomic read-modify-write. The
// score is clamped into [0, 100] and the interaction is counted.
func (s *Service) Apply(ctx context.Context, key model.Key, delta int, reason string) (*model.AffinityChange, error) {
	var change *model.AffinityChange

	_, err := s.repo.UpdateAffinity(ctx, key, func(current *model.AffinityRecord) (*model.AffinityRecord, error) {
		next := &model.AffinityRecord{UserID: key.UserID, AgentID: key.AgentID}
		if current != nil {
			*next = *current
		}

		change = model.NewAffinityChange(next.Score, delta, reason)
		next.Score = change.NewScore
		next.TotalInteractions++
		next.LastInteractionAt = s.now()
		return next, nil
	})
	if err != nil {
		return nil, model.ErrStoreWriteFailure.Wrap(err, goerr.V("key", key), goerr.V("delta", delta))
	}

	if change.Changed {
		logging.From(ctx).Info("affinity level changed",
			"key", key.String(),
			"from", change.OldLevel,
			"to", change.NewLevel)
	}
	return change, nil
}

// Reset deletes the record, returning the key to first meeting
func (s *Service) Reset(ctx context.Context, key model.Key) error {
	if err := s.repo.DeleteAffinity(ctx, key); err != nil {
		return goerr.Wrap(err, "failed to delete affinity", goerr.V("key", key))
	}
	return nil
}

// Score runs Analyze then Apply for one user message. An analysis failure is
// logged and scored as 0 so the interaction is still counted.
func (s *Service) Score(ctx context.Context, key model.Key, agentName string, state *model.AffinityState, message string) (*model.AffinityChange, error) {
	analysis, err := s.Analyze(ctx, agentName, state, message)
	if err != nil {
		logging.From(ctx).Warn("affinity analysis absorbed", slog.Any("error", err))
	}
	return s.Apply(ctx, key, analysis.Delta, analysis.Reason)
}
