package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/audit"
	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

var (
	// ErrInvalidPersistedState means the stored incident level is outside
	// the closed set. Callers must fail secure; the restore pipeline maps
	// this to incident_state_unavailable.
	ErrInvalidPersistedState = errors.New("incident: invalid persisted state")
	// ErrNoStateChange means the requested target equals the current level.
	ErrNoStateChange = errors.New("incident: no state change")
)

// TransitionError rejects a disallowed level transition.
type TransitionError struct {
	From types.IncidentLevel
	To   types.IncidentLevel
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("incident: transition %s -> %s not allowed", e.From, e.To)
}

// allowedTransitions is the closed transition table. Leaving LOCKDOWN
// requires passing through QUARANTINE.
var allowedTransitions = map[types.IncidentLevel]map[types.IncidentLevel]bool{
	types.IncidentLevelNormal: {
		types.IncidentLevelQuarantine: true,
		types.IncidentLevelLockdown:   true,
	},
	types.IncidentLevelQuarantine: {
		types.IncidentLevelNormal:   true,
		types.IncidentLevelLockdown: true,
	},
	types.IncidentLevelLockdown: {
		types.IncidentLevelQuarantine: true,
	},
}

// StateStore is the slice of the metadata store the incident service uses.
type StateStore interface {
	AppendIncidentState(ctx context.Context, state *types.IncidentState) error
	CurrentIncidentState(ctx context.Context) (*types.IncidentState, error)
}

// Service owns the global incident level gating restore availability.
type Service struct {
	store        StateStore
	audit        *audit.Service
	broker       *events.Broker
	defaultLevel types.IncidentLevel
	logger       zerolog.Logger
	now          func() time.Time
}

// NewService creates the incident service. defaultLevel is the level assumed
// for an empty history; invalid values fall back to NORMAL.
func NewService(store StateStore, auditService *audit.Service, broker *events.Broker, defaultLevel string) *Service {
	level, err := types.ParseIncidentLevel(defaultLevel)
	if err != nil {
		level = types.IncidentLevelNormal
	}
	return &Service{
		store:        store,
		audit:        auditService,
		broker:       broker,
		defaultLevel: level,
		logger:       log.WithComponent("incident"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CurrentLevel returns the validated current incident level. An empty
// history yields the configured default; a corrupted row yields
// ErrInvalidPersistedState.
func (s *Service) CurrentLevel(ctx context.Context) (types.IncidentLevel, error) {
	state, err := s.store.CurrentIncidentState(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.defaultLevel, nil
		}
		return "", fmt.Errorf("failed to load incident state: %w", err)
	}
	level, err := types.ParseIncidentLevel(state.Level)
	if err != nil {
		s.logger.Error().Str("level", state.Level).Msg("Persisted incident level outside the closed set")
		return "", ErrInvalidPersistedState
	}
	return level, nil
}

// CurrentState returns the latest history row, synthesizing one at the
// default level for an empty history.
func (s *Service) CurrentState(ctx context.Context) (*types.IncidentState, error) {
	state, err := s.store.CurrentIncidentState(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &types.IncidentState{Level: string(s.defaultLevel)}, nil
		}
		return nil, fmt.Errorf("failed to load incident state: %w", err)
	}
	if _, err := types.ParseIncidentLevel(state.Level); err != nil {
		return nil, ErrInvalidPersistedState
	}
	return state, nil
}

// Transition moves the incident level, enforcing the transition table. The
// change is audited fail-secure before it is acknowledged.
func (s *Service) Transition(ctx context.Context, target types.IncidentLevel, actor *types.Principal, reason, clientIP string) (*types.IncidentState, error) {
	current, err := s.CurrentLevel(ctx)
	if err != nil {
		return nil, err
	}
	if current == target {
		return nil, ErrNoStateChange
	}
	if !allowedTransitions[current][target] {
		return nil, &TransitionError{From: current, To: target}
	}

	state := &types.IncidentState{
		Level:     string(target),
		Reason:    reason,
		ChangedAt: s.now(),
	}
	if actor != nil {
		state.ChangedByKeyID = actor.KeyID
	}
	if err := s.store.AppendIncidentState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to persist incident state: %w", err)
	}

	actorID := ""
	if actor != nil {
		actorID = actor.KeyID
	}
	if err := s.audit.RecordAdminAction(ctx, actorID, "incident_level_changed", "incident", string(target), clientIP); err != nil {
		return nil, err
	}

	metrics.SetIncidentLevel(string(target))
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:    events.EventIncidentChanged,
			Message: "incident level changed",
			Metadata: map[string]string{
				"from":   string(current),
				"to":     string(target),
				"reason": reason,
			},
		})
	}
	s.logger.Warn().
		Str("from", string(current)).
		Str("to", string(target)).
		Str("reason", reason).
		Msg("Incident level changed")
	return state, nil
}
