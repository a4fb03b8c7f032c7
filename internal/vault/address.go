package vault

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

const (
	AddressLength = 32

	// MaxSeeds includes the nonce seed appended by FindProgramAddress.
	MaxSeeds      = 16
	MaxSeedLength = 32

	VaultSeed   = "vault"
	CustodySeed = "token_account"

	derivedAddressMarker = "ProgramDerivedAddress"
)

var (
	ErrInvalidSeeds   = errors.New("derived address falls on the ed25519 curve")
	ErrMaxSeedLength  = errors.New("seed exceeds maximum length")
	ErrTooManySeeds   = errors.New("too many seeds")
	ErrNoViableNonce  = errors.New("no viable nonce found for seeds")
	ErrInvalidAddress = errors.New("invalid address")
)

// Address identifies owners, vaults, custody accounts and mints.
// Text form is base58.
type Address [AddressLength]byte

func (a Address) String() string {
	return base58.Encode(a[:])
}

func (a Address) Bytes() []byte {
	b := make([]byte, AddressLength)
	copy(b, a[:])
	return b
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes a base58 address.
func ParseAddress(s string) (Address, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return AddressFromBytes(raw)
}

// AddressFromBytes copies a 32-byte slice into an Address.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressLength {
		return a, fmt.Errorf("%w: length %d", ErrInvalidAddress, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// CreateProgramAddress hashes seeds with the program id and rejects results
// that are valid curve points, so no private key can exist for the address.
func CreateProgramAddress(seeds [][]byte, programID Address) (Address, error) {
	if len(seeds) > MaxSeeds {
		return Address{}, ErrTooManySeeds
	}

	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return Address{}, ErrMaxSeedLength
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write([]byte(derivedAddressMarker))

	var addr Address
	copy(addr[:], h.Sum(nil))

	if isOnCurve(addr) {
		return Address{}, ErrInvalidSeeds
	}
	return addr, nil
}

// FindProgramAddress searches nonces from 255 down and returns the first
// off-curve address together with the nonce that produced it.
func FindProgramAddress(seeds [][]byte, programID Address) (Address, uint8, error) {
	if len(seeds) >= MaxSeeds {
		return Address{}, 0, ErrTooManySeeds
	}

	withNonce := make([][]byte, len(seeds)+1)
	copy(withNonce, seeds)

	for nonce := 255; nonce >= 0; nonce-- {
		withNonce[len(seeds)] = []byte{byte(nonce)}
		addr, err := CreateProgramAddress(withNonce, programID)
		if err == nil {
			return addr, uint8(nonce), nil
		}
		if !errors.Is(err, ErrInvalidSeeds) {
			return Address{}, 0, err
		}
	}
	return Address{}, 0, ErrNoViableNonce
}

func isOnCurve(a Address) bool {
	_, err := new(edwards25519.Point).SetBytes(a[:])
	return err == nil
}

// DefaultProgramID is used when no program id is configured.
var DefaultProgramID = Address(sha256.Sum256([]byte("CollateralVault:program:v1")))

// Deriver binds address derivation to one program id.
type Deriver struct {
	programID Address
}

func NewDeriver(programID Address) *Deriver {
	return &Deriver{programID: programID}
}

func (d *Deriver) ProgramID() Address {
	return d.programID
}

func vaultSeeds(owner Address, index uint8) [][]byte {
	return [][]byte{[]byte(VaultSeed), owner[:], {index}}
}

func custodySeeds(vaultAddr Address) [][]byte {
	return [][]byte{[]byte(CustodySeed), vaultAddr[:]}
}

// VaultAddress derives the vault address for (owner, index).
func (d *Deriver) VaultAddress(owner Address, index uint8) (Address, uint8, error) {
	return FindProgramAddress(vaultSeeds(owner, index), d.programID)
}

// CustodyAddress derives the custody token account address for a vault.
func (d *Deriver) CustodyAddress(vaultAddr Address) (Address, uint8, error) {
	return FindProgramAddress(custodySeeds(vaultAddr), d.programID)
}

// VaultAddressWithNonce recomputes a vault address from a stored nonce.
// It costs one hash instead of a nonce search.
func (d *Deriver) VaultAddressWithNonce(owner Address, index, nonce uint8) (Address, error) {
	seeds := append(vaultSeeds(owner, index), []byte{nonce})
	return CreateProgramAddress(seeds, d.programID)
}

// VerifyVault checks that v lives at the address derived from (signer, index)
// with its stored nonce, and that the caller-presented address (if any) is
// that same address.
func (d *Deriver) VerifyVault(v *CollateralVault, signer Address, index uint8, presented *Address) error {
	derived, err := d.VaultAddressWithNonce(signer, index, v.DerivationNonce)
	if err != nil {
		return Errorf(CodeAddressMismatch, "re-derive vault address: %v", err)
	}
	if derived != v.Address {
		return Errorf(CodeAddressMismatch, "vault %s does not match seeds for owner %s index %d", v.Address, signer, index)
	}
	if presented != nil && *presented != derived {
		return Errorf(CodeAddressMismatch, "presented vault %s, derived %s", presented, derived)
	}
	return nil
}
