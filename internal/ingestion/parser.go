package ingestion

import (
	"CollateralVault/internal/auth"
	"CollateralVault/internal/core"
	"CollateralVault/internal/vault"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidCommand marks a command that can never succeed as sent.
var ErrInvalidCommand = errors.New("invalid command")

// Command is a decoded, not yet authenticated, vault command.
type Command struct {
	Operation   string
	RequestID   string
	Credentials auth.Credentials
	VaultIndex  uint8
	Amount      uint64

	Mint           vault.Address // initialize
	SourceAccount  vault.Address // deposit
	CustodyAccount vault.Address // deposit
	Vault          *vault.Address
}

// --- JSON wire format ---
// Addresses and signatures are base58; amount may be a JSON number or a
// decimal string so u64 values above 2^53 survive JS producers.

type commandJSON struct {
	RequestID      string      `json:"request_id"`
	Owner          string      `json:"owner"`
	Signature      string      `json:"signature"`
	VaultIndex     *int        `json:"vault_index"`
	Amount         json.Number `json:"amount"`
	Mint           string      `json:"mint"`
	SourceAccount  string      `json:"source_account"`
	CustodyAccount string      `json:"custody_account"`
	Vault          string      `json:"vault"`
}

// ParseCommand decodes raw.Data as a command for raw.Operation.
func ParseCommand(raw RawCommand) (*Command, error) {
	var j commandJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCommand, raw.Operation, err)
	}

	creds, err := auth.ParseCredentials(j.Owner, j.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	index, err := parseVaultIndex(j.VaultIndex)
	if err != nil {
		return nil, err
	}

	if j.RequestID == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommand, auth.ErrMissingRequestID)
	}

	cmd := &Command{
		Operation:   raw.Operation,
		RequestID:   j.RequestID,
		Credentials: creds,
		VaultIndex:  index,
	}

	switch raw.Operation {
	case core.OpInitialize:
		if cmd.Mint, err = requireAddress("mint", j.Mint); err != nil {
			return nil, err
		}
	case core.OpDeposit:
		if cmd.Amount, err = parseAmount(j.Amount); err != nil {
			return nil, err
		}
		if cmd.SourceAccount, err = requireAddress("source_account", j.SourceAccount); err != nil {
			return nil, err
		}
		if cmd.CustodyAccount, err = requireAddress("custody_account", j.CustodyAccount); err != nil {
			return nil, err
		}
		if cmd.Vault, err = optionalAddress("vault", j.Vault); err != nil {
			return nil, err
		}
	case core.OpLock:
		if cmd.Amount, err = parseAmount(j.Amount); err != nil {
			return nil, err
		}
		if cmd.Vault, err = optionalAddress("vault", j.Vault); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidCommand, raw.Operation)
	}
	return cmd, nil
}

// Authenticate checks the owner signature over the command's fields.
func (c *Command) Authenticate() error {
	return c.Credentials.Verify(c.SignedOperation())
}

// SignedOperation is the operation the command's signature must cover.
func (c *Command) SignedOperation() auth.Operation {
	return auth.Operation{
		Name:           c.Operation,
		VaultIndex:     c.VaultIndex,
		Amount:         c.Amount,
		Mint:           c.Mint,
		SourceAccount:  c.SourceAccount,
		CustodyAccount: c.CustodyAccount,
		Vault:          c.Vault,
		RequestID:      c.RequestID,
	}
}

func (c *Command) InitializeRequest() core.InitializeRequest {
	return core.InitializeRequest{
		Owner:      c.Credentials.Owner,
		VaultIndex: c.VaultIndex,
		Mint:       c.Mint,
		RequestID:  c.RequestID,
	}
}

func (c *Command) DepositRequest() core.DepositRequest {
	return core.DepositRequest{
		Owner:          c.Credentials.Owner,
		VaultIndex:     c.VaultIndex,
		Amount:         c.Amount,
		SourceAccount:  c.SourceAccount,
		CustodyAccount: c.CustodyAccount,
		Vault:          c.Vault,
		RequestID:      c.RequestID,
	}
}

func (c *Command) LockRequest() core.LockRequest {
	return core.LockRequest{
		Owner:      c.Credentials.Owner,
		VaultIndex: c.VaultIndex,
		Amount:     c.Amount,
		Vault:      c.Vault,
		RequestID:  c.RequestID,
	}
}

func parseVaultIndex(v *int) (uint8, error) {
	if v == nil {
		return 0, fmt.Errorf("%w: vault_index is required", ErrInvalidCommand)
	}
	if *v < 0 || *v > 255 {
		return 0, fmt.Errorf("%w: vault_index %d out of range", ErrInvalidCommand, *v)
	}
	return uint8(*v), nil
}

func parseAmount(n json.Number) (uint64, error) {
	if n == "" {
		return 0, fmt.Errorf("%w: amount is required", ErrInvalidCommand)
	}
	amount, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", ErrInvalidCommand, n, err)
	}
	return amount, nil
}

func requireAddress(field, s string) (vault.Address, error) {
	if s == "" {
		return vault.Address{}, fmt.Errorf("%w: %s is required", ErrInvalidCommand, field)
	}
	a, err := vault.ParseAddress(s)
	if err != nil {
		return vault.Address{}, fmt.Errorf("%w: %s: %v", ErrInvalidCommand, field, err)
	}
	return a, nil
}

func optionalAddress(field, s string) (*vault.Address, error) {
	if s == "" {
		return nil, nil
	}
	a, err := requireAddress(field, s)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
