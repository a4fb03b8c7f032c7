package core

import (
	"CollateralVault/internal/custody"
	"CollateralVault/internal/event"
	vmath "CollateralVault/internal/math"
	"CollateralVault/internal/observability"
	"CollateralVault/internal/vault"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	OpInitialize = "initialize"
	OpDeposit    = "deposit"
	OpLock       = "lock"
)

// EngineConfig wires an Engine. Store and Deriver are required.
type EngineConfig struct {
	Store       Store
	Deriver     *vault.Deriver
	Idempotency *IdempotencyChecker
	Breaker     *custody.Breaker
	Metrics     *observability.Metrics
	Logger      zerolog.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Engine applies Initialize, Deposit and Lock. Each call runs in its own
// store transaction scoped to one vault; the engine holds no balance state.
type Engine struct {
	store       Store
	deriver     *vault.Deriver
	validator   *vault.InvariantValidator
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	breaker     *custody.Breaker
	metrics     *observability.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

func NewEngine(cfg EngineConfig) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idem := cfg.Idempotency
	if idem == nil {
		idem = NewIdempotencyChecker(100_000, cfg.Metrics)
	}
	return &Engine{
		store:       cfg.Store,
		deriver:     cfg.Deriver,
		validator:   vault.NewInvariantValidator(),
		hasher:      NewStateHasher(),
		idempotency: idem,
		breaker:     cfg.Breaker,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         clock,
	}
}

func (e *Engine) Deriver() *vault.Deriver {
	return e.deriver
}

type InitializeRequest struct {
	Owner      vault.Address
	VaultIndex uint8
	Mint       vault.Address
	RequestID  string
}

type DepositRequest struct {
	Owner          vault.Address
	VaultIndex     uint8
	Amount         uint64
	SourceAccount  vault.Address
	CustodyAccount vault.Address

	// Vault is the caller-presented vault address. When nil the address is
	// derived from Owner and VaultIndex.
	Vault     *vault.Address
	RequestID string
}

type LockRequest struct {
	Owner      vault.Address
	VaultIndex uint8
	Amount     uint64
	Vault      *vault.Address
	RequestID  string
}

// Result is the committed vault state and the notification it produced.
type Result struct {
	Vault    *vault.CollateralVault
	Envelope event.Envelope
}

// Initialize creates the vault at the address derived from (owner, index)
// together with its custody token account.
func (e *Engine) Initialize(ctx context.Context, req InitializeRequest) (*Result, error) {
	start := time.Now()
	res, err := e.initialize(ctx, req)
	e.record(OpInitialize, start, 0, err)
	if err == nil {
		e.logger.Info().
			Str("vault", res.Vault.Address.String()).
			Str("owner", req.Owner.String()).
			Uint8("vault_index", req.VaultIndex).
			Msg("vault initialized")
	}
	return res, err
}

func (e *Engine) initialize(ctx context.Context, req InitializeRequest) (*Result, error) {
	if e.idempotency.IsDuplicate(OpInitialize, req.RequestID) {
		return nil, vault.Errorf(vault.CodeDuplicateRequest, "request %s", req.RequestID)
	}

	vaultAddr, nonce, err := e.deriver.VaultAddress(req.Owner, req.VaultIndex)
	if err != nil {
		return nil, fmt.Errorf("derive vault address: %w", err)
	}
	custodyAddr, _, err := e.deriver.CustodyAddress(vaultAddr)
	if err != nil {
		return nil, fmt.Errorf("derive custody address: %w", err)
	}

	var res *Result
	err = e.update(ctx, vaultAddr, func(tx Tx) error {
		if err := e.claim(ctx, tx, OpInitialize, req.RequestID, vaultAddr); err != nil {
			return err
		}

		_, err := tx.LoadVault(ctx, vaultAddr)
		switch {
		case err == nil:
			return vault.Errorf(vault.CodeVaultExists, "vault %s", vaultAddr)
		case !errors.Is(err, vault.ErrVaultNotFound):
			return err
		}

		if err := e.custody(tx).CreateAccount(ctx, custodyAddr, req.Mint, vaultAddr); err != nil {
			return fmt.Errorf("create custody account: %w", err)
		}

		v := vault.New(vaultAddr, req.Owner, custodyAddr, req.Mint, req.VaultIndex, nonce,
			e.now().UTC().Truncate(time.Microsecond))
		if err := e.validator.ValidateState(v); err != nil {
			return err
		}

		env, err := e.seal(v, &event.VaultInitialized{
			Owner:          req.Owner,
			Vault:          vaultAddr,
			VaultIndex:     req.VaultIndex,
			CustodyAccount: custodyAddr,
			Mint:           req.Mint,
		})
		if err != nil {
			return err
		}

		if err := tx.InsertVault(ctx, v); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, env); err != nil {
			return err
		}
		res = &Result{Vault: v, Envelope: env}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.idempotency.MarkProcessed(req.RequestID)
	if e.metrics != nil {
		e.metrics.VaultsInitialized.Inc()
	}
	return res, nil
}

// Deposit moves amount from the owner's source account into the vault's
// custody account and credits total and available balance.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (*Result, error) {
	start := time.Now()
	res, err := e.deposit(ctx, req)
	e.record(OpDeposit, start, req.Amount, err)
	if err == nil {
		e.logger.Debug().
			Str("vault", res.Vault.Address.String()).
			Uint64("amount", req.Amount).
			Uint64("total_balance", res.Vault.TotalBalance).
			Msg("deposit applied")
	}
	return res, err
}

func (e *Engine) deposit(ctx context.Context, req DepositRequest) (*Result, error) {
	if req.Amount == 0 {
		return nil, vault.Errorf(vault.CodeInvalidAmount, "deposit amount must be positive")
	}
	if e.idempotency.IsDuplicate(OpDeposit, req.RequestID) {
		return nil, vault.Errorf(vault.CodeDuplicateRequest, "request %s", req.RequestID)
	}

	target, err := e.target(req.Owner, req.VaultIndex, req.Vault)
	if err != nil {
		return nil, err
	}

	var res *Result
	err = e.update(ctx, target, func(tx Tx) error {
		if err := e.claim(ctx, tx, OpDeposit, req.RequestID, target); err != nil {
			return err
		}

		before, err := e.loadAuthorized(ctx, tx, target, req.Owner, req.VaultIndex, req.Vault)
		if err != nil {
			return err
		}
		if req.CustodyAccount != before.CustodyAccount {
			return vault.Errorf(vault.CodeCustodyMismatch,
				"custody account %s, vault %s holds %s", req.CustodyAccount, before.Address, before.CustodyAccount)
		}

		after := before.Clone()
		if err := after.CreditDeposit(req.Amount); err != nil {
			return err
		}

		if err := e.custody(tx).Transfer(ctx, req.SourceAccount, before.CustodyAccount, req.Owner, req.Amount); err != nil {
			if errors.Is(err, vmath.ErrOverflow) {
				return vault.Wrap(vault.CodeMathError, "custody credit", err)
			}
			return fmt.Errorf("custody transfer: %w", err)
		}
		if err := e.validator.ValidateTransition(before, after); err != nil {
			e.logger.Error().Err(err).Str("vault", target.String()).Msg("deposit broke vault invariant")
			return err
		}

		env, err := e.seal(after, &event.Deposit{
			Owner:      req.Owner,
			Amount:     req.Amount,
			NewBalance: after.TotalBalance,
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateVault(ctx, after); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, env); err != nil {
			return err
		}
		res = &Result{Vault: after, Envelope: env}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.idempotency.MarkProcessed(req.RequestID)
	return res, nil
}

// Lock pledges amount of available collateral. No tokens move.
func (e *Engine) Lock(ctx context.Context, req LockRequest) (*Result, error) {
	start := time.Now()
	res, err := e.lock(ctx, req)
	e.record(OpLock, start, req.Amount, err)
	if err == nil {
		e.logger.Debug().
			Str("vault", res.Vault.Address.String()).
			Uint64("amount", req.Amount).
			Uint64("locked_balance", res.Vault.LockedBalance).
			Msg("collateral locked")
	}
	return res, err
}

func (e *Engine) lock(ctx context.Context, req LockRequest) (*Result, error) {
	if e.idempotency.IsDuplicate(OpLock, req.RequestID) {
		return nil, vault.Errorf(vault.CodeDuplicateRequest, "request %s", req.RequestID)
	}

	target, err := e.target(req.Owner, req.VaultIndex, req.Vault)
	if err != nil {
		return nil, err
	}

	var res *Result
	err = e.update(ctx, target, func(tx Tx) error {
		if err := e.claim(ctx, tx, OpLock, req.RequestID, target); err != nil {
			return err
		}

		before, err := e.loadAuthorized(ctx, tx, target, req.Owner, req.VaultIndex, req.Vault)
		if err != nil {
			return err
		}

		after := before.Clone()
		if err := after.Lock(req.Amount); err != nil {
			return err
		}
		if err := e.validator.ValidateTransition(before, after); err != nil {
			e.logger.Error().Err(err).Str("vault", target.String()).Msg("lock broke vault invariant")
			return err
		}

		env, err := e.seal(after, &event.Lock{
			Owner:         req.Owner,
			Amount:        req.Amount,
			LockedBalance: after.LockedBalance,
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateVault(ctx, after); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, env); err != nil {
			return err
		}
		res = &Result{Vault: after, Envelope: env}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.idempotency.MarkProcessed(req.RequestID)
	return res, nil
}

// target picks the vault an operation addresses: the presented address if
// given, otherwise the one derived from the signer.
func (e *Engine) target(owner vault.Address, index uint8, presented *vault.Address) (vault.Address, error) {
	if presented != nil {
		return *presented, nil
	}
	addr, _, err := e.deriver.VaultAddress(owner, index)
	if err != nil {
		return vault.Address{}, fmt.Errorf("derive vault address: %w", err)
	}
	return addr, nil
}

// loadAuthorized loads the vault and checks, in order, that the signer owns
// it and that it sits at the address derived from (signer, index).
func (e *Engine) loadAuthorized(ctx context.Context, tx Tx, addr, signer vault.Address, index uint8, presented *vault.Address) (*vault.CollateralVault, error) {
	v, err := tx.LoadVault(ctx, addr)
	if err != nil {
		return nil, err
	}
	if v.Owner != signer {
		return nil, vault.Errorf(vault.CodeUnauthorized, "signer %s does not own vault %s", signer, addr)
	}
	if err := e.deriver.VerifyVault(v, signer, index, presented); err != nil {
		return nil, err
	}
	return v, nil
}

func (e *Engine) claim(ctx context.Context, tx Tx, op, requestID string, vaultAddr vault.Address) error {
	if requestID == "" {
		return nil
	}
	fresh, err := tx.ClaimRequest(ctx, requestID, op, vaultAddr)
	if err != nil {
		return fmt.Errorf("claim request %s: %w", requestID, err)
	}
	if !fresh {
		e.idempotency.RecordDuplicate(op, "store")
		return vault.Errorf(vault.CodeDuplicateRequest, "request %s", requestID)
	}
	return nil
}

func (e *Engine) seal(v *vault.CollateralVault, evt event.Event) (event.Envelope, error) {
	prev, next := e.hasher.Seal(v)
	return event.NewEnvelope(evt, v.Address, v.EventSequence, prev, next, e.now().UTC())
}

func (e *Engine) custody(tx Tx) custody.Ledger {
	return e.breaker.Wrap(tx.Custody())
}

func (e *Engine) update(ctx context.Context, key vault.Address, fn func(tx Tx) error) error {
	start := time.Now()
	err := e.store.Update(ctx, key, fn)
	if e.metrics != nil {
		e.metrics.StoreTxDuration.Observe(time.Since(start).Seconds())
	}
	return err
}

func (e *Engine) record(op string, start time.Time, amount uint64, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.OperationsTotal.WithLabelValues(op, ResultLabel(err)).Inc()
	e.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err == nil && amount > 0 {
		e.metrics.OperationAmount.WithLabelValues(op).Add(float64(amount))
	}
}

// ResultLabel maps an operation error to a low-cardinality metric label.
func ResultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if code, ok := vault.CodeOf(err); ok {
		return code.String()
	}
	switch {
	case errors.Is(err, custody.ErrInsufficientFunds):
		return "custody_insufficient_funds"
	case errors.Is(err, custody.ErrUnavailable):
		return "custody_unavailable"
	case errors.Is(err, custody.ErrAccountNotFound),
		errors.Is(err, custody.ErrAccountExists),
		errors.Is(err, custody.ErrMintMismatch),
		errors.Is(err, custody.ErrOwnerMismatch):
		return "custody_rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}
