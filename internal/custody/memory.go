package custody

import (
	vmath "CollateralVault/internal/math"
	"CollateralVault/internal/vault"
	"context"
	"fmt"
	"sync"
)

// MemoryLedger keeps token accounts in a map. Used by the in-memory store
// and in tests.
type MemoryLedger struct {
	mu       sync.RWMutex
	accounts map[vault.Address]TokenAccount
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[vault.Address]TokenAccount)}
}

// Clone returns an independent copy. The in-memory store stages writes on a
// clone and swaps it in on commit.
func (m *MemoryLedger) Clone() *MemoryLedger {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := &MemoryLedger{accounts: make(map[vault.Address]TokenAccount, len(m.accounts))}
	for k, v := range m.accounts {
		c.accounts[k] = v
	}
	return c
}

func (m *MemoryLedger) CreateAccount(_ context.Context, addr, mint, authority vault.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[addr]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, addr)
	}
	m.accounts[addr] = TokenAccount{Address: addr, Mint: mint, Authority: authority}
	return nil
}

func (m *MemoryLedger) Transfer(_ context.Context, from, to, authority vault.Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.accounts[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, from)
	}
	dst, ok := m.accounts[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, to)
	}
	if from == to {
		return ApplyTransfer(&src, &src, authority, amount)
	}
	if err := ApplyTransfer(&src, &dst, authority, amount); err != nil {
		return err
	}
	m.accounts[from] = src
	m.accounts[to] = dst
	return nil
}

func (m *MemoryLedger) Account(_ context.Context, addr vault.Address) (TokenAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[addr]
	if !ok {
		return TokenAccount{}, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	return acct, nil
}

// MintTo credits amount to addr, creating the account if needed.
func (m *MemoryLedger) MintTo(addr, mint, authority vault.Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[addr]
	if !ok {
		acct = TokenAccount{Address: addr, Mint: mint, Authority: authority}
	} else if acct.Mint != mint {
		return fmt.Errorf("%w: %s", ErrMintMismatch, addr)
	}
	next, err := vmath.AddU64(acct.Amount, amount)
	if err != nil {
		return err
	}
	acct.Amount = next
	m.accounts[addr] = acct
	return nil
}
