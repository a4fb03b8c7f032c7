package core_test

import (
	"CollateralVault/internal/core"
	"CollateralVault/internal/custody"
	"CollateralVault/internal/event"
	"CollateralVault/internal/observability"
	"CollateralVault/internal/persistence"
	"CollateralVault/internal/vault"
	"context"
	"crypto/sha256"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

var (
	usdc  = addr("mint:usdc")
	fixed = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
)

func addr(label string) vault.Address {
	return vault.Address(sha256.Sum256([]byte(label)))
}

type harness struct {
	engine  *core.Engine
	store   *persistence.MemoryStore
	metrics *observability.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := persistence.NewMemoryStore()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	engine := core.NewEngine(core.EngineConfig{
		Store:   store,
		Deriver: vault.NewDeriver(vault.DefaultProgramID),
		Metrics: metrics,
		Logger:  zerolog.Nop(),
		Clock:   func() time.Time { return fixed },
	})
	return &harness{engine: engine, store: store, metrics: metrics}
}

// source returns a funded token account owned by owner.
func (h *harness) source(t *testing.T, owner vault.Address, amount uint64) vault.Address {
	t.Helper()
	src := addr("source:" + owner.String())
	if err := h.store.FundAccount(context.Background(), src, usdc, owner, amount); err != nil {
		t.Fatal(err)
	}
	return src
}

func (h *harness) initialize(t *testing.T, owner vault.Address, index uint8) *vault.CollateralVault {
	t.Helper()
	res, err := h.engine.Initialize(context.Background(), core.InitializeRequest{
		Owner: owner, VaultIndex: index, Mint: usdc,
	})
	if err != nil {
		t.Fatalf("initialize %s/%d: %v", owner, index, err)
	}
	return res.Vault
}

func (h *harness) deposit(owner vault.Address, v *vault.CollateralVault, src vault.Address, amount uint64) (*core.Result, error) {
	return h.engine.Deposit(context.Background(), core.DepositRequest{
		Owner:          owner,
		VaultIndex:     v.VaultIndex,
		Amount:         amount,
		SourceAccount:  src,
		CustodyAccount: v.CustodyAccount,
	})
}

func (h *harness) lock(owner vault.Address, index uint8, amount uint64) (*core.Result, error) {
	return h.engine.Lock(context.Background(), core.LockRequest{
		Owner: owner, VaultIndex: index, Amount: amount,
	})
}

func (h *harness) stored(t *testing.T, addr vault.Address) *vault.CollateralVault {
	t.Helper()
	v, err := h.store.GetVault(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.CheckConservation(); err != nil {
		t.Fatalf("stored vault breaks conservation: %v", err)
	}
	return v
}

func (h *harness) events(t *testing.T, addr vault.Address) []event.Envelope {
	t.Helper()
	envs, err := h.store.VaultEvents(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	return envs
}

func assertBalances(t *testing.T, v *vault.CollateralVault, total, available, locked uint64) {
	t.Helper()
	if v.TotalBalance != total || v.AvailableBalance != available || v.LockedBalance != locked {
		t.Errorf("balances = (%d,%d,%d), want (%d,%d,%d)",
			v.TotalBalance, v.AvailableBalance, v.LockedBalance, total, available, locked)
	}
}

func custodyAmount(t *testing.T, h *harness, a vault.Address) uint64 {
	t.Helper()
	acct, err := h.store.Account(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	return acct.Amount
}

// ============================================================================
// Test: End-to-end scenario
// ============================================================================

func TestEngine_Scenario(t *testing.T) {
	h := newHarness(t)
	owner := addr("owner:O")
	src := h.source(t, owner, 1_000)

	// Initialize O / 0 -> (0, 0, 0)
	v := h.initialize(t, owner, 0)
	assertBalances(t, v, 0, 0, 0)
	if !v.CreatedAt.Equal(fixed) {
		t.Errorf("created_at = %v, want %v", v.CreatedAt, fixed)
	}

	// Deposit 100 -> (100, 100, 0), event {O, 100, 100}
	res, err := h.deposit(owner, v, src, 100)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	assertBalances(t, res.Vault, 100, 100, 0)
	dep := decode(t, res.Envelope).(*event.Deposit)
	if dep.Owner != owner || dep.Amount != 100 || dep.NewBalance != 100 {
		t.Errorf("deposit event = %+v", dep)
	}

	// Lock 40 -> (100, 60, 40), event {O, 40, 40}
	res, err = h.lock(owner, 0, 40)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	assertBalances(t, res.Vault, 100, 60, 40)
	lk := decode(t, res.Envelope).(*event.Lock)
	if lk.Owner != owner || lk.Amount != 40 || lk.LockedBalance != 40 {
		t.Errorf("lock event = %+v", lk)
	}

	// Lock 61 -> InsufficientAvailableCollateral, unchanged
	if _, err := h.lock(owner, 0, 61); !errors.Is(err, vault.ErrInsufficientAvailableCollateral) {
		t.Fatalf("lock 61: expected InsufficientAvailableCollateral, got %v", err)
	}
	assertBalances(t, h.stored(t, v.Address), 100, 60, 40)

	if got := custodyAmount(t, h, v.CustodyAccount); got != 100 {
		t.Errorf("custody holds %d, want 100", got)
	}
	if got := custodyAmount(t, h, src); got != 900 {
		t.Errorf("source holds %d, want 900", got)
	}

	// Three notifications, chained from genesis.
	envs := h.events(t, v.Address)
	if len(envs) != 3 {
		t.Fatalf("got %d events, want 3", len(envs))
	}
	if err := core.NewStateHasher().VerifyChain(v.Address, envs); err != nil {
		t.Errorf("hash chain: %v", err)
	}

	if got := testutil.ToFloat64(h.metrics.OperationsTotal.WithLabelValues("lock", "InsufficientAvailableCollateral")); got != 1 {
		t.Errorf("rejected lock metric = %v, want 1", got)
	}
}

func decode(t *testing.T, env event.Envelope) event.Event {
	t.Helper()
	evt, err := env.Decode()
	if err != nil {
		t.Fatal(err)
	}
	return evt
}

// ============================================================================
// Test: Initialize
// ============================================================================

func TestInitialize_BindsDerivedAddresses(t *testing.T) {
	h := newHarness(t)
	owner := addr("owner:A")
	v := h.initialize(t, owner, 7)

	d := vault.NewDeriver(vault.DefaultProgramID)
	want, nonce, _ := d.VaultAddress(owner, 7)
	wantCustody, _, _ := d.CustodyAddress(want)
	if v.Address != want || v.DerivationNonce != nonce || v.CustodyAccount != wantCustody {
		t.Errorf("vault not at derived addresses: %+v", v)
	}

	acct, err := h.store.Account(context.Background(), v.CustodyAccount)
	if err != nil {
		t.Fatal(err)
	}
	if acct.Authority != v.Address || acct.Mint != usdc {
		t.Errorf("custody account = %+v", acct)
	}
}

func TestInitialize_Twice(t *testing.T) {
	h := newHarness(t)
	owner := addr("owner:A")
	h.initialize(t, owner, 0)

	_, err := h.engine.Initialize(context.Background(), core.InitializeRequest{Owner: owner, VaultIndex: 0, Mint: usdc})
	if !errors.Is(err, vault.ErrVaultExists) {
		t.Errorf("expected ErrVaultExists, got %v", err)
	}
}

func TestInitialize_IndicesDoNotInterfere(t *testing.T) {
	h := newHarness(t)
	owner := addr("owner:A")
	src := h.source(t, owner, 1_000)

	v0 := h.initialize(t, owner, 0)
	v1 := h.initialize(t, owner, 1)
	if v0.Address == v1.Address || v0.CustodyAccount == v1.CustodyAccount {
		t.Fatal("indices 0 and 1 collided")
	}

	if _, err := h.deposit(owner, v0, src, 300); err != nil {
		t.Fatal(err)
	}
	if _, err := h.lock(owner, 0, 100); err != nil {
		t.Fatal(err)
	}

	assertBalances(t, h.stored(t, v0.Address), 300, 200, 100)
	assertBalances(t, h.stored(t, v1.Address), 0, 0, 0)

	list, err := h.store.ListVaults(context.Background(), owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].VaultIndex != 0 || list[1].VaultIndex != 1 {
		t.Errorf("ListVaults returned %d vaults", len(list))
	}
}

// ============================================================================
// Test: Deposit
// ============================================================================

func TestDeposit_ZeroAmount(t *testing.T) {
	h := newHarness(t)
	owner := addr("owner:A")
	src := h.source(t, owner, 10)
	v := h.initialize(t, owner, 0)

	_, err := h.deposit(owner, v, src, 0)
	if !errors.Is(err, vault.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	assertBalances(t, h.stored(t, v.Address), 0, 0, 0)
	if len(h.events(t, v.Address)) != 1 {
		t.Error("rejected deposit emitted an event")
	}
}

func TestDeposit_AddsExactAmount(t *testing.T) {
	h := newHarness(t)
	owner := addr("owner:A")
	src := h.source(t, owner, math.MaxUint32)
	v := h.initialize(t, owner, 0)

	var total uint64
	for _, amt := range []uint64{1, 999, 123_456} {
		res, err := h.deposit(owner, v, src, amt)
		if err != nil {
			t.Fatal(err)
		}
		total += amt
		assertBalances(t, res.Vault, total, total, 0)
	}
}

func TestDeposit_OverflowRollsBackTransfer(t *testing.T) {
	h := newHarness(t)
	owner := addr("owner:A")
	src := h.source(t, owner, math.MaxUint64)
	v := h.initialize(t, owner, 0)

	if _, err := h.deposit(owner, v, src, math.MaxUint64-10); err != nil {
		t.Fatal(err)
	}
	// The vault credit is checked before the source is debited.
	if _, err := h.deposit(owner, v, src, 11); !errors.Is(err, vault.ErrMath) {
		t.Fatalf("expected ErrMath, got %v", err)
	}
	if _, err := h.deposit(owner, v, src, 10); err != nil {
		t.Fatalf("deposit to exact max: %v", err)
	}

	if err := h.store.FundAccount(context.Background(), src, usdc, owner, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := h.deposit(owner, v, src, 1); !errors.Is(err, vault.ErrMath) {
		t.Fatalf("expected ErrMath, got %v", err)
	}

	assertBalances(t, h.stored(t, v.Address), math.MaxUint64, math.MaxUint64, 0)
	if got := custodyAmount(t, h, src); got != 5 {
		t.Errorf("source = %d after failed deposit, want 5", got)
	}
	if got := custodyAmount(t, h, v.CustodyAccount); got != math.MaxUint64 {
		t.Errorf("custody = %d after failed deposit", got)
	}
}

func TestDeposit_Rejections(t *testing.T) {
	owner := addr("owner:A")
	mallory := addr("owner:M")

	tests := []struct {
		name    string
		mutate  func(t *testing.T, h *harness, req *core.DepositRequest)
		wantErr error
	}{
		{
			name: "custody mismatch",
			mutate: func(_ *testing.T, _ *harness, req *core.DepositRequest) {
				req.CustodyAccount = addr("elsewhere")
			},
			wantErr: vault.ErrCustodyMismatch,
		},
		{
			name: "zero custody address",
			mutate: func(_ *testing.T, _ *harness, req *core.DepositRequest) {
				req.CustodyAccount = vault.Address{}
			},
			wantErr: vault.ErrCustodyMismatch,
		},
		{
			name: "foreign signer on presented vault",
			mutate: func(_ *testing.T, _ *harness, req *core.DepositRequest) {
				presented := vaultAddrOf(owner, 0)
				req.Owner = mallory
				req.Vault = &presented
			},
			wantErr: vault.ErrUnauthorized,
		},
		{
			name: "presented address for another index",
			mutate: func(_ *testing.T, _ *harness, req *core.DepositRequest) {
				presented := vaultAddrOf(owner, 0)
				req.VaultIndex = 1
				req.Vault = &presented
			},
			wantErr: vault.ErrAddressMismatch,
		},
		{
			name: "vault not initialized",
			mutate: func(_ *testing.T, _ *harness, req *core.DepositRequest) {
				req.VaultIndex = 9
			},
			wantErr: vault.ErrVaultNotFound,
		},
		{
			name: "source owned by someone else",
			mutate: func(t *testing.T, h *harness, req *core.DepositRequest) {
				req.SourceAccount = h.source(t, mallory, 100)
			},
			wantErr: custody.ErrOwnerMismatch,
		},
		{
			name: "source underfunded",
			mutate: func(_ *testing.T, _ *harness, req *core.DepositRequest) {
				req.Amount = 10_000
			},
			wantErr: custody.ErrInsufficientFunds,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			src := h.source(t, owner, 500)
			v := h.initialize(t, owner, 0)

			req := core.DepositRequest{
				Owner:          owner,
				VaultIndex:     0,
				Amount:         100,
				SourceAccount:  src,
				CustodyAccount: v.CustodyAccount,
			}
			tc.mutate(t, h, &req)

			_, err := h.engine.Deposit(context.Background(), req)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
			assertBalances(t, h.stored(t, v.Address), 0, 0, 0)
			if got := custodyAmount(t, h, v.CustodyAccount); got != 0 {
				t.Errorf("custody moved to %d", got)
			}
		})
	}
}

func vaultAddrOf(owner vault.Address, index uint8) vault.Address {
	a, _, err := vault.NewDeriver(vault.DefaultProgramID).VaultAddress(owner, index)
	if err != nil {
		panic(err)
	}
	return a
}

// ============================================================================
// Test: Lock
// ============================================================================

func TestLock_ZeroAmountAccepted(t *testing.T) {
	h := newHarness(t)
	owner := addr("owner:A")
	v := h.initialize(t, owner, 0)

	res, err := h.lock(owner, 0, 0)
	if err != nil {
		t.Fatalf("lock 0: %v", err)
	}
	assertBalances(t, res.Vault, 0, 0, 0)
	if res.Envelope.EventType != event.EventTypeLock {
		t.Errorf("event type = %s", res.Envelope.EventType)
	}
	if len(h.events(t, v.Address)) != 2 {
		t.Error("zero lock should still emit a notification")
	}
}

func TestLock_ForeignSigner(t *testing.T) {
	h := newHarness(t)
	owner := addr("owner:A")
	h.initialize(t, owner, 0)

	presented := vaultAddrOf(owner, 0)
	_, err := h.engine.Lock(context.Background(), core.LockRequest{
		Owner: addr("owner:M"), VaultIndex: 0, Amount: 0, Vault: &presented,
	})
	if !errors.Is(err, vault.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestLock_Exhaustive(t *testing.T) {
	h := newHarness(t)
	owner := addr("owner:A")
	src := h.source(t, owner, 50)
	v := h.initialize(t, owner, 0)
	if _, err := h.deposit(owner, v, src, 50); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := h.lock(owner, 0, 10); err != nil {
			t.Fatalf("lock %d: %v", i, err)
		}
	}
	if _, err := h.lock(owner, 0, 1); !errors.Is(err, vault.ErrInsufficientAvailableCollateral) {
		t.Errorf("expected InsufficientAvailableCollateral, got %v", err)
	}
	assertBalances(t, h.stored(t, v.Address), 50, 0, 50)
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestDuplicateRequestID(t *testing.T) {
	h := newHarness(t)
	owner := addr("owner:A")
	src := h.source(t, owner, 500)
	v := h.initialize(t, owner, 0)

	req := core.DepositRequest{
		Owner: owner, Amount: 100, SourceAccount: src,
		CustodyAccount: v.CustodyAccount, RequestID: "req-1",
	}
	if _, err := h.engine.Deposit(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Deposit(context.Background(), req); !errors.Is(err, vault.ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
	assertBalances(t, h.stored(t, v.Address), 100, 100, 0)

	// The store tier catches duplicates the LRU has never seen.
	fresh := core.NewEngine(core.EngineConfig{
		Store:   h.store,
		Deriver: vault.NewDeriver(vault.DefaultProgramID),
		Logger:  zerolog.Nop(),
	})
	if _, err := fresh.Deposit(context.Background(), req); !errors.Is(err, vault.ErrDuplicateRequest) {
		t.Fatalf("store tier: expected ErrDuplicateRequest, got %v", err)
	}
}

func TestFailedRequestIDCanBeRetried(t *testing.T) {
	h := newHarness(t)
	owner := addr("owner:A")
	h.initialize(t, owner, 0)

	req := core.LockRequest{Owner: owner, Amount: 10, RequestID: "lock-1"}
	if _, err := h.engine.Lock(context.Background(), req); !errors.Is(err, vault.ErrInsufficientAvailableCollateral) {
		t.Fatalf("got %v", err)
	}
	req.Amount = 0
	if _, err := h.engine.Lock(context.Background(), req); err != nil {
		t.Errorf("retry after rollback rejected: %v", err)
	}
}

// ============================================================================
// Test: Concurrency
// ============================================================================

func TestConcurrentOperationsPreserveConservation(t *testing.T) {
	h := newHarness(t)
	owner := addr("owner:A")
	src := h.source(t, owner, 10_000)
	v := h.initialize(t, owner, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.deposit(owner, v, src, 10)
		}()
		go func() {
			defer wg.Done()
			h.lock(owner, 0, 5)
		}()
	}
	wg.Wait()

	got := h.stored(t, v.Address)
	if got.TotalBalance != 500 {
		t.Errorf("total = %d, want 500", got.TotalBalance)
	}
	if got := custodyAmount(t, h, v.CustodyAccount); got != 500 {
		t.Errorf("custody = %d, want 500", got)
	}
	if err := core.NewStateHasher().VerifyChain(v.Address, h.events(t, v.Address)); err != nil {
		t.Errorf("hash chain under concurrency: %v", err)
	}
}
