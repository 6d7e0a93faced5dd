package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/groundline/groundline/pkg/metrics"
)

// ErrBreakerOpen is returned without invoking the wrapped call when the
// breaker for an operation is open.
var ErrBreakerOpen = errors.New("mcp: circuit breaker open")

// ClientFault is implemented by errors that represent 4xx-class vendor
// faults. Client faults are the caller's problem, not a reliability signal,
// so the breaker counts them as successes.
type ClientFault interface {
	ClientFault() bool
}

// IsClientFault reports whether err (or anything it wraps) is a client fault.
func IsClientFault(err error) bool {
	var cf ClientFault
	return errors.As(err, &cf) && cf.ClientFault()
}

// BreakerSettings tune every breaker in a set.
type BreakerSettings struct {
	// CallTimeout bounds one wrapped call.
	CallTimeout time.Duration
	// ResetTimeout is how long an open breaker waits before probing.
	ResetTimeout time.Duration
	// FailureRate in (0,1]; the breaker trips at or above it.
	FailureRate float64
	// VolumeThreshold is the minimum request count before the rate applies.
	VolumeThreshold uint32
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.CallTimeout <= 0 {
		s.CallTimeout = 10 * time.Second
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.FailureRate <= 0 || s.FailureRate > 1 {
		s.FailureRate = 0.5
	}
	if s.VolumeThreshold == 0 {
		s.VolumeThreshold = 10
	}
	return s
}

// BreakerSet lazily maintains one circuit breaker per operation for a single
// CRM provider. Breakers are per process on purpose: an open breaker
// isolates one worker's recent failures without a fleet-wide vote.
type BreakerSet struct {
	provider string
	settings BreakerSettings
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakerSet(provider string, settings BreakerSettings, logger *slog.Logger, m *metrics.Metrics) *BreakerSet {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewInert()
	}
	return &BreakerSet{
		provider: provider,
		settings: settings.withDefaults(),
		logger:   logger,
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs fn under the breaker for the named operation with the call
// timeout applied. An open breaker returns ErrBreakerOpen without calling fn.
func (s *BreakerSet) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	cb := s.breaker(operation)
	_, err := cb.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.settings.CallTimeout)
		defer cancel()
		return nil, fn(callCtx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s/%s", ErrBreakerOpen, s.provider, operation)
	}
	return err
}

// State reports the breaker state for an operation, creating it if needed.
func (s *BreakerSet) State(operation string) gobreaker.State {
	return s.breaker(operation).State()
}

func (s *BreakerSet) breaker(operation string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[operation]; ok {
		return cb
	}

	st := s.settings
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: s.provider + "/" + operation,
		// One probe at a time while half open.
		MaxRequests: 1,
		Timeout:     st.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < st.VolumeThreshold {
				return false
			}
			rate := float64(counts.TotalFailures) / float64(counts.Requests)
			return rate >= st.FailureRate
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsClientFault(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
			s.metrics.RecordBreakerState(s.provider, operation, breakerStateValue(to))
		},
	})
	s.breakers[operation] = cb
	s.metrics.RecordBreakerState(s.provider, operation, breakerStateValue(cb.State()))
	return cb
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
