package ingestion_test

import (
	"CollateralVault/internal/auth"
	"CollateralVault/internal/core"
	"CollateralVault/internal/custody"
	"CollateralVault/internal/ingestion"
	"CollateralVault/internal/observability"
	"CollateralVault/internal/persistence"
	"CollateralVault/internal/vault"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type processorHarness struct {
	proc    *ingestion.CommandProcessor
	store   *persistence.MemoryStore
	metrics *observability.Metrics
}

func newProcessor(t *testing.T) *processorHarness {
	t.Helper()
	store := persistence.NewMemoryStore()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	engine := core.NewEngine(core.EngineConfig{
		Store:   store,
		Deriver: vault.NewDeriver(vault.DefaultProgramID),
		Metrics: metrics,
		Logger:  zerolog.Nop(),
	})
	return &processorHarness{
		proc:    ingestion.NewCommandProcessor(engine, metrics, zerolog.Nop()),
		store:   store,
		metrics: metrics,
	}
}

// ackRecorder wraps raw so its ack outcome can be inspected.
func ackRecorder(raw ingestion.RawCommand) (ingestion.RawCommand, *string) {
	outcome := new(string)
	raw.AckFunc = func() { *outcome = "ack" }
	raw.NakFunc = func() { *outcome = "nak" }
	return raw, outcome
}

func TestCommandProcessor_AppliesCommands(t *testing.T) {
	h := newProcessor(t)
	ctx := context.Background()
	key := testKey("alice")
	owner := auth.OwnerOf(key)
	usdc := addr("usdc")

	if err := h.proc.Handle(ctx, rawFromJSON(t, core.OpInitialize, signed(key, core.OpInitialize, 0, 0, "i1",
		map[string]interface{}{"mint": usdc.String()}))); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	d := vault.NewDeriver(vault.DefaultProgramID)
	vaultAddr, _, _ := d.VaultAddress(owner, 0)
	custodyAddr, _, _ := d.CustodyAddress(vaultAddr)
	src := addr("alice-src")
	if err := h.store.FundAccount(ctx, src, usdc, owner, 100); err != nil {
		t.Fatal(err)
	}

	if err := h.proc.Handle(ctx, rawFromJSON(t, core.OpDeposit, signed(key, core.OpDeposit, 0, 100, "d1",
		map[string]interface{}{
			"source_account":  src.String(),
			"custody_account": custodyAddr.String(),
		}))); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := h.proc.Handle(ctx, rawFromJSON(t, core.OpLock, signed(key, core.OpLock, 0, 40, "l1", nil))); err != nil {
		t.Fatalf("lock: %v", err)
	}

	v, err := h.store.GetVault(ctx, vaultAddr)
	if err != nil {
		t.Fatal(err)
	}
	if v.TotalBalance != 100 || v.AvailableBalance != 60 || v.LockedBalance != 40 {
		t.Errorf("balances = (%d,%d,%d)", v.TotalBalance, v.AvailableBalance, v.LockedBalance)
	}
	if got := testutil.ToFloat64(h.metrics.CommandsReceived.WithLabelValues(core.OpDeposit)); got != 1 {
		t.Errorf("received metric = %v", got)
	}
}

func TestCommandProcessor_RunAcksAndNaks(t *testing.T) {
	key := testKey("alice")

	tests := []struct {
		name string
		raw  func(t *testing.T) ingestion.RawCommand
		want string
	}{
		{
			name: "malformed json is acked",
			raw: func(t *testing.T) ingestion.RawCommand {
				r := rawFromJSON(t, core.OpLock, nil)
				r.Data = []byte("{")
				return r
			},
			want: "ack",
		},
		{
			name: "bad signature is acked",
			raw: func(t *testing.T) ingestion.RawCommand {
				body := signed(key, core.OpLock, 0, 1, "l1", nil)
				body["amount"] = 2
				return rawFromJSON(t, core.OpLock, body)
			},
			want: "ack",
		},
		{
			name: "business rejection is acked",
			raw: func(t *testing.T) ingestion.RawCommand {
				return rawFromJSON(t, core.OpLock, signed(key, core.OpLock, 9, 1, "l1", nil))
			},
			want: "ack",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newProcessor(t)
			raw, outcome := ackRecorder(tc.raw(t))

			ch := make(chan ingestion.RawCommand, 1)
			ch <- raw
			close(ch)
			if err := h.proc.Run(context.Background(), ch); err != nil {
				t.Fatal(err)
			}
			if *outcome != tc.want {
				t.Errorf("outcome = %q, want %q", *outcome, tc.want)
			}
		})
	}
}

func TestCommandProcessor_RedeliveryIsRejected(t *testing.T) {
	h := newProcessor(t)
	ctx := context.Background()
	key := testKey("alice")
	owner := auth.OwnerOf(key)
	usdc := addr("usdc")

	d := vault.NewDeriver(vault.DefaultProgramID)
	vaultAddr, _, _ := d.VaultAddress(owner, 0)
	custodyAddr, _, _ := d.CustodyAddress(vaultAddr)
	src := addr("alice-src")

	if err := h.proc.Handle(ctx, rawFromJSON(t, core.OpInitialize, signed(key, core.OpInitialize, 0, 0, "i1",
		map[string]interface{}{"mint": usdc.String()}))); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := h.store.FundAccount(ctx, src, usdc, owner, 100); err != nil {
		t.Fatal(err)
	}
	if err := h.proc.Handle(ctx, rawFromJSON(t, core.OpDeposit, signed(key, core.OpDeposit, 0, 100, "d1",
		map[string]interface{}{
			"source_account":  src.String(),
			"custody_account": custodyAddr.String(),
		}))); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	lock := signed(key, core.OpLock, 0, 10, "l1", nil)
	if err := h.proc.Handle(ctx, rawFromJSON(t, core.OpLock, lock)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	for i := 0; i < 3; i++ {
		raw, outcome := ackRecorder(rawFromJSON(t, core.OpLock, lock))
		ch := make(chan ingestion.RawCommand, 1)
		ch <- raw
		close(ch)
		if err := h.proc.Run(ctx, ch); err != nil {
			t.Fatal(err)
		}
		if *outcome != "ack" {
			t.Errorf("redelivery %d: outcome = %q, want ack", i, *outcome)
		}
	}

	v, err := h.store.GetVault(ctx, vaultAddr)
	if err != nil {
		t.Fatal(err)
	}
	if v.LockedBalance != 10 || v.AvailableBalance != 90 {
		t.Errorf("redelivered lock applied again: locked=%d available=%d", v.LockedBalance, v.AvailableBalance)
	}
	if err := h.proc.Handle(ctx, rawFromJSON(t, core.OpLock, lock)); !errors.Is(err, vault.ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got %v", err)
	}
}

// unavailableOps fails every operation with a transient custody error.
type unavailableOps struct{}

func (unavailableOps) Initialize(context.Context, core.InitializeRequest) (*core.Result, error) {
	return nil, custody.ErrUnavailable
}

func (unavailableOps) Deposit(context.Context, core.DepositRequest) (*core.Result, error) {
	return nil, custody.ErrUnavailable
}

func (unavailableOps) Lock(context.Context, core.LockRequest) (*core.Result, error) {
	return nil, custody.ErrUnavailable
}

func TestCommandProcessor_TransientFailureIsNakked(t *testing.T) {
	proc := ingestion.NewCommandProcessor(unavailableOps{}, nil, zerolog.Nop())
	key := testKey("alice")
	raw, outcome := ackRecorder(rawFromJSON(t, core.OpLock, signed(key, core.OpLock, 0, 1, "l1", nil)))

	ch := make(chan ingestion.RawCommand, 1)
	ch <- raw
	close(ch)
	if err := proc.Run(context.Background(), ch); err != nil {
		t.Fatal(err)
	}
	if *outcome != "nak" {
		t.Errorf("outcome = %q, want nak", *outcome)
	}
}

func TestCommandProcessor_RunStopsOnCancel(t *testing.T) {
	proc := ingestion.NewCommandProcessor(unavailableOps{}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx, make(chan ingestion.RawCommand)) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{vault.ErrInsufficientAvailableCollateral, true},
		{vault.ErrDuplicateRequest, true},
		{custody.ErrInsufficientFunds, true},
		{auth.ErrBadSignature, true},
		{auth.ErrMissingRequestID, true},
		{custody.ErrUnavailable, false},
		{errors.New("connection reset"), false},
	}
	for _, tc := range tests {
		if got := ingestion.IsPermanent(tc.err); got != tc.want {
			t.Errorf("IsPermanent(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
