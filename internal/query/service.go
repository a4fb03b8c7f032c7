package query

import (
	"CollateralVault/internal/core"
	"CollateralVault/internal/custody"
	"CollateralVault/internal/event"
	"CollateralVault/internal/observability"
	"CollateralVault/internal/vault"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// QueryService provides read-only access to committed vault records.
// Reads never take the per-vault write lock; a response reflects the last
// commit visible to the store, identified by as_of_sequence.
type QueryService struct {
	reader    core.Reader
	deriver   *vault.Deriver
	validator *vault.InvariantValidator
	hasher    *core.StateHasher
	decimals  int32
	metrics   *observability.Metrics
}

func NewQueryService(reader core.Reader, deriver *vault.Deriver, decimals int32, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		reader:    reader,
		deriver:   deriver,
		validator: vault.NewInvariantValidator(),
		hasher:    core.NewStateHasher(),
		decimals:  decimals,
		metrics:   metrics,
	}
}

// GetVault returns the vault stored at addr.
func (qs *QueryService) GetVault(ctx context.Context, addr vault.Address) (resp *VaultResponse, err error) {
	defer qs.observe("get_vault", time.Now(), &err)

	v, err := qs.reader.GetVault(ctx, addr)
	if err != nil {
		return nil, err
	}
	return qs.ToResponse(v), nil
}

// GetOwnerVault returns the vault derived from (owner, index).
func (qs *QueryService) GetOwnerVault(ctx context.Context, owner vault.Address, index uint8) (resp *VaultResponse, err error) {
	defer qs.observe("get_owner_vault", time.Now(), &err)

	addr, _, err := qs.deriver.VaultAddress(owner, index)
	if err != nil {
		return nil, fmt.Errorf("derive vault address: %w", err)
	}
	v, err := qs.reader.GetVault(ctx, addr)
	if err != nil {
		return nil, err
	}
	return qs.ToResponse(v), nil
}

// ListVaults returns all vaults of owner ordered by index.
func (qs *QueryService) ListVaults(ctx context.Context, owner vault.Address) (resp []*VaultResponse, err error) {
	defer qs.observe("list_vaults", time.Now(), &err)

	vaults, err := qs.reader.ListVaults(ctx, owner)
	if err != nil {
		return nil, err
	}
	resp = make([]*VaultResponse, 0, len(vaults))
	for _, v := range vaults {
		resp = append(resp, qs.ToResponse(v))
	}
	return resp, nil
}

// VerifyIntegrity re-checks a stored vault. The checks are:
//   - balance conservation
//   - the vault sits at the address derived from its owner and index
//   - its custody account is the one derived from that address
//   - the custody account holds exactly total_balance
//   - its notifications chain from genesis to the recorded state hash
func (qs *QueryService) VerifyIntegrity(ctx context.Context, addr vault.Address) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)

	v, err := qs.reader.GetVault(ctx, addr)
	if err != nil {
		return nil, err
	}

	report = &IntegrityReport{Vault: addr}
	fail := func(format string, args ...interface{}) {
		report.Failures = append(report.Failures, fmt.Sprintf(format, args...))
	}

	if err := qs.validator.ValidateState(v); err != nil {
		fail("%v", err)
	}
	if err := qs.deriver.VerifyVault(v, v.Owner, v.VaultIndex, &addr); err != nil {
		fail("%v", err)
	}
	derived, _, err := qs.deriver.CustodyAddress(v.Address)
	if err != nil {
		return nil, fmt.Errorf("derive custody address: %w", err)
	}
	if derived != v.CustodyAccount {
		fail("custody account %s, derived %s", v.CustodyAccount, derived)
	}

	acct, err := qs.reader.Account(ctx, v.CustodyAccount)
	switch {
	case errors.Is(err, custody.ErrAccountNotFound):
		fail("custody account %s missing", v.CustodyAccount)
	case err != nil:
		return nil, fmt.Errorf("load custody account: %w", err)
	case acct.Amount != v.TotalBalance:
		fail("custody account holds %d, total_balance %d", acct.Amount, v.TotalBalance)
	}

	envs, err := qs.reader.VaultEvents(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	if err := qs.hasher.VerifyChain(addr, envs); err != nil {
		fail("notification chain: %v", err)
	} else if err := verifyTip(v, envs); err != nil {
		fail("notification chain: %v", err)
	}

	report.IsHealthy = len(report.Failures) == 0
	return report, nil
}

// verifyTip checks that a linked chain ends at the vault's recorded state.
func verifyTip(v *vault.CollateralVault, envs []event.Envelope) error {
	if uint64(len(envs)) != v.EventSequence {
		return fmt.Errorf("%d notifications, event_sequence %d", len(envs), v.EventSequence)
	}
	if len(envs) > 0 && envs[len(envs)-1].StateHash != v.StateHash {
		return fmt.Errorf("last state_hash does not match the vault record")
	}
	return nil
}

// ToResponse renders v with the service display precision.
func (qs *QueryService) ToResponse(v *vault.CollateralVault) *VaultResponse {
	return &VaultResponse{
		Address:          v.Address,
		Owner:            v.Owner,
		CustodyAccount:   v.CustodyAccount,
		Mint:             v.Mint,
		VaultIndex:       v.VaultIndex,
		TotalBalance:     strconv.FormatUint(v.TotalBalance, 10),
		AvailableBalance: strconv.FormatUint(v.AvailableBalance, 10),
		LockedBalance:    strconv.FormatUint(v.LockedBalance, 10),
		TotalDeposited:   strconv.FormatUint(v.TotalDeposited, 10),
		TotalWithdrawn:   strconv.FormatUint(v.TotalWithdrawn, 10),
		Display:          displayOf(v, qs.decimals),
		CreatedAt:        v.CreatedAt,
		AsOfSequence:     v.EventSequence,
		StateHash:        hex.EncodeToString(v.StateHash[:]),
	}
}

func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *errp != nil {
		status = "error"
		qs.metrics.QueryErrors.WithLabelValues(endpoint, core.ResultLabel(*errp)).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
