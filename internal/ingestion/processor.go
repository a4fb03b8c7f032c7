package ingestion

import (
	"CollateralVault/internal/auth"
	"CollateralVault/internal/core"
	"CollateralVault/internal/custody"
	"CollateralVault/internal/observability"
	"CollateralVault/internal/vault"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Operations is the engine surface commands are dispatched to.
type Operations interface {
	Initialize(ctx context.Context, req core.InitializeRequest) (*core.Result, error)
	Deposit(ctx context.Context, req core.DepositRequest) (*core.Result, error)
	Lock(ctx context.Context, req core.LockRequest) (*core.Result, error)
}

// CommandProcessor applies raw commands to the engine.
//
// A message is acked once its outcome is final: applied, or rejected for a
// reason a redelivery cannot fix (bad payload, bad signature, business rule).
// Everything else is nakked for redelivery; request ids make the retry safe.
type CommandProcessor struct {
	ops     Operations
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewCommandProcessor(ops Operations, metrics *observability.Metrics, logger zerolog.Logger) *CommandProcessor {
	return &CommandProcessor{ops: ops, metrics: metrics, logger: logger}
}

// Run drains commands until ctx is cancelled or the channel closes.
func (p *CommandProcessor) Run(ctx context.Context, commands <-chan RawCommand) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-commands:
			if !ok {
				return nil
			}
			if err := p.Handle(ctx, raw); err != nil && !IsPermanent(err) {
				raw.NakFunc()
				continue
			}
			raw.AckFunc()
		}
	}
}

// Handle parses, authenticates and applies one command.
func (p *CommandProcessor) Handle(ctx context.Context, raw RawCommand) error {
	if p.metrics != nil {
		p.metrics.CommandsReceived.WithLabelValues(raw.Operation).Inc()
		p.metrics.NATSPullLatency.WithLabelValues(raw.Operation).Observe(time.Since(raw.Timestamp).Seconds())
	}

	cmd, err := ParseCommand(raw)
	if err != nil {
		p.reject(raw, "parse", err)
		return err
	}
	if err := cmd.Authenticate(); err != nil {
		p.reject(raw, "auth", err)
		return err
	}

	switch cmd.Operation {
	case core.OpInitialize:
		_, err = p.ops.Initialize(ctx, cmd.InitializeRequest())
	case core.OpDeposit:
		_, err = p.ops.Deposit(ctx, cmd.DepositRequest())
	case core.OpLock:
		_, err = p.ops.Lock(ctx, cmd.LockRequest())
	default:
		err = fmt.Errorf("%w: unknown operation %q", ErrInvalidCommand, cmd.Operation)
	}
	if err == nil {
		return nil
	}

	if IsPermanent(err) {
		p.reject(raw, core.ResultLabel(err), err)
	} else {
		p.logger.Warn().Err(err).
			Str("subject", raw.Subject).
			Str("request_id", cmd.RequestID).
			Msg("command failed, will be redelivered")
	}
	return err
}

func (p *CommandProcessor) reject(raw RawCommand, reason string, err error) {
	if p.metrics != nil {
		p.metrics.CommandsRejected.WithLabelValues(raw.Operation, reason).Inc()
	}
	p.logger.Info().Err(err).Str("subject", raw.Subject).Str("reason", reason).Msg("command rejected")
}

// IsPermanent reports whether err is a final rejection that redelivery
// cannot change.
func IsPermanent(err error) bool {
	if _, ok := vault.CodeOf(err); ok {
		return true
	}
	for _, target := range []error{
		ErrInvalidCommand,
		auth.ErrMissingCredentials,
		auth.ErrMalformed,
		auth.ErrBadSignature,
		auth.ErrMissingRequestID,
		custody.ErrAccountNotFound,
		custody.ErrAccountExists,
		custody.ErrInsufficientFunds,
		custody.ErrMintMismatch,
		custody.ErrOwnerMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
