package server

import (
	"CollateralVault/internal/core"
	"CollateralVault/internal/event"
	"CollateralVault/internal/query"
	"CollateralVault/internal/vault"
	"encoding/hex"

	"github.com/google/uuid"
)

// Amounts travel as JSON strings so u64 values survive JavaScript clients.

type InitializeVaultRequest struct {
	VaultIndex uint8         `json:"vault_index"`
	Mint       vault.Address `json:"mint"`
	RequestID  string        `json:"request_id"`
}

type DepositRequest struct {
	VaultIndex     uint8          `json:"vault_index"`
	Amount         uint64         `json:"amount,string"`
	SourceAccount  vault.Address  `json:"source_account"`
	CustodyAccount vault.Address  `json:"custody_account"`
	Vault          *vault.Address `json:"vault,omitempty"`
	RequestID      string         `json:"request_id"`
}

type LockCollateralRequest struct {
	VaultIndex uint8          `json:"vault_index"`
	Amount     uint64         `json:"amount,string"`
	Vault      *vault.Address `json:"vault,omitempty"`
	RequestID  string         `json:"request_id"`
}

// GetVaultRequest addresses a vault directly, or by owner and index when
// Vault is nil.
type GetVaultRequest struct {
	Vault      *vault.Address `json:"vault,omitempty"`
	Owner      *vault.Address `json:"owner,omitempty"`
	VaultIndex uint8          `json:"vault_index"`
}

type ListVaultsRequest struct {
	Owner vault.Address `json:"owner"`
}

type ListVaultsResponse struct {
	Vaults []*query.VaultResponse `json:"vaults"`
}

type VerifyIntegrityRequest struct {
	Vault vault.Address `json:"vault"`
}

// EventRef identifies the notification a mutation produced.
type EventRef struct {
	ID        uuid.UUID       `json:"id"`
	Type      event.EventType `json:"type"`
	Sequence  uint64          `json:"sequence"`
	StateHash string          `json:"state_hash"`
}

// OperationResponse is returned by every mutating call.
type OperationResponse struct {
	Vault *query.VaultResponse `json:"vault"`
	Event EventRef             `json:"event"`
}

func newOperationResponse(qs *query.QueryService, res *core.Result) *OperationResponse {
	return &OperationResponse{
		Vault: qs.ToResponse(res.Vault),
		Event: EventRef{
			ID:        res.Envelope.ID,
			Type:      res.Envelope.EventType,
			Sequence:  res.Envelope.Sequence,
			StateHash: hex.EncodeToString(res.Envelope.StateHash[:]),
		},
	}
}
