package custody

import (
	vmath "CollateralVault/internal/math"
	"CollateralVault/internal/vault"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker in front of a custody ledger.
type BreakerConfig struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "custody",
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker trips after repeated infrastructure failures and fails fast with
// ErrUnavailable while open. Rejections such as insufficient funds do not
// count toward tripping. One Breaker is shared by every ledger it wraps.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker builds a breaker. onState, if non-nil, observes every state change.
func NewBreaker(cfg BreakerConfig, logger zerolog.Logger, onState func(name string, state gobreaker.State)) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: isBreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("custody breaker state change")
			if onState != nil {
				onState(name, to)
			}
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Wrap routes every call on next through the breaker. A nil Breaker returns
// next unchanged.
func (b *Breaker) Wrap(next Ledger) Ledger {
	if b == nil {
		return next
	}
	return &breakerLedger{next: next, b: b}
}

func isBreakerSuccess(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrAccountExists),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrMintMismatch),
		errors.Is(err, ErrOwnerMismatch),
		errors.Is(err, vmath.ErrOverflow),
		errors.Is(err, context.Canceled):
		return true
	}
	return false
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) run(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

type breakerLedger struct {
	next Ledger
	b    *Breaker
}

func (l *breakerLedger) CreateAccount(ctx context.Context, addr, mint, authority vault.Address) error {
	return l.b.run(func() error {
		return l.next.CreateAccount(ctx, addr, mint, authority)
	})
}

func (l *breakerLedger) Transfer(ctx context.Context, from, to, authority vault.Address, amount uint64) error {
	return l.b.run(func() error {
		return l.next.Transfer(ctx, from, to, authority, amount)
	})
}

func (l *breakerLedger) Account(ctx context.Context, addr vault.Address) (TokenAccount, error) {
	var acct TokenAccount
	err := l.b.run(func() error {
		var err error
		acct, err = l.next.Account(ctx, addr)
		return err
	})
	return acct, err
}
