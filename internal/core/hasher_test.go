package core_test

import (
	"CollateralVault/internal/core"
	"CollateralVault/internal/event"
	"CollateralVault/internal/vault"
	"testing"
)

func sealedChain(t *testing.T, h *core.StateHasher, v *vault.CollateralVault, n int) []event.Envelope {
	t.Helper()
	var envs []event.Envelope
	for i := 0; i < n; i++ {
		if err := v.CreditDeposit(10); err != nil {
			t.Fatal(err)
		}
		prev, next := h.Seal(v)
		env, err := event.NewEnvelope(&event.Deposit{Owner: v.Owner, Amount: 10, NewBalance: v.TotalBalance},
			v.Address, v.EventSequence, prev, next, fixed)
		if err != nil {
			t.Fatal(err)
		}
		envs = append(envs, env)
	}
	return envs
}

func newVault() *vault.CollateralVault {
	return vault.New(addr("vault"), addr("owner"), addr("custody"), usdc, 0, 255, fixed)
}

func TestStateHasher_SealIsDeterministic(t *testing.T) {
	h := core.NewStateHasher()
	a, b := newVault(), newVault()

	for i := 0; i < 3; i++ {
		_, na := h.Seal(a)
		_, nb := h.Seal(b)
		if na != nb {
			t.Fatalf("seal %d diverged for identical vaults", i)
		}
	}
	if a.EventSequence != 3 {
		t.Errorf("sequence = %d, want 3", a.EventSequence)
	}
}

func TestStateHasher_FirstSealLinksToGenesis(t *testing.T) {
	h := core.NewStateHasher()
	v := newVault()

	prev, next := h.Seal(v)
	if prev != h.GenesisHash(v.Address) {
		t.Error("first prev_hash is not the genesis hash")
	}
	if v.StateHash != next {
		t.Error("Seal did not store the new tip on the vault")
	}
	if h.GenesisHash(addr("other")) == prev {
		t.Error("genesis hash does not depend on the vault address")
	}
}

func TestStateHasher_DigestCoversBalances(t *testing.T) {
	h := core.NewStateHasher()
	a, b := newVault(), newVault()
	b.TotalBalance, b.AvailableBalance = 1, 1

	_, na := h.Seal(a)
	_, nb := h.Seal(b)
	if na == nb {
		t.Error("different balances produced the same state hash")
	}
}

func TestStateHasher_VerifyChain(t *testing.T) {
	h := core.NewStateHasher()
	v := newVault()
	envs := sealedChain(t, h, v, 4)

	if err := h.VerifyChain(v.Address, envs); err != nil {
		t.Fatalf("valid chain rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func([]event.Envelope) []event.Envelope
	}{
		{"gap", func(e []event.Envelope) []event.Envelope {
			return append([]event.Envelope{e[0]}, e[2:]...)
		}},
		{"tampered prev hash", func(e []event.Envelope) []event.Envelope {
			e[2].PrevHash[0] ^= 0xff
			return e
		}},
		{"foreign vault", func(e []event.Envelope) []event.Envelope {
			e[1].Vault = addr("other")
			return e
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			broken := tc.mutate(append([]event.Envelope(nil), envs...))
			if err := h.VerifyChain(v.Address, broken); err == nil {
				t.Error("expected chain verification to fail")
			}
		})
	}
}
