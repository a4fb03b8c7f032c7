package core

import (
	"CollateralVault/internal/event"
	"CollateralVault/internal/vault"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const GenesisHashSeed = "CollateralVault:genesis:v1"

// StateHasher maintains each vault's notification hash chain. The chain tip
// lives on the vault record, so the hasher itself is stateless.
type StateHasher struct{}

func NewStateHasher() *StateHasher {
	return &StateHasher{}
}

// GenesisHash is the prev_hash of a vault's first notification.
func (h *StateHasher) GenesisHash(vaultAddr vault.Address) [32]byte {
	hasher := sha256.New()
	hasher.Write([]byte(GenesisHashSeed))
	hasher.Write(vaultAddr[:])

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
func (h *StateHasher) ComputeHash(prevHash [32]byte, sequence uint64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], sequence)
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// Seal advances v's chain by one and returns the previous and new tip.
// Call it after the balance change and before persisting v.
func (h *StateHasher) Seal(v *vault.CollateralVault) (prev, next [32]byte) {
	if v.EventSequence == 0 {
		prev = h.GenesisHash(v.Address)
	} else {
		prev = v.StateHash
	}
	v.EventSequence++
	next = h.ComputeHash(prev, v.EventSequence, VaultDigest(v))
	v.StateHash = next
	return prev, next
}

// VerifyChain checks that envelopes of one vault link from genesis with
// consecutive sequences.
func (h *StateHasher) VerifyChain(vaultAddr vault.Address, envs []event.Envelope) error {
	prev := h.GenesisHash(vaultAddr)
	for i, env := range envs {
		if env.Vault != vaultAddr {
			return fmt.Errorf("envelope %d belongs to vault %s", i, env.Vault)
		}
		if env.Sequence != uint64(i+1) {
			return fmt.Errorf("envelope %d has sequence %d, want %d", i, env.Sequence, i+1)
		}
		if env.PrevHash != prev {
			return fmt.Errorf("envelope %d: prev_hash does not link to previous state", env.Sequence)
		}
		prev = env.StateHash
	}
	return nil
}

// VaultDigest is a fixed-layout encoding of every field of v except the
// chain tip itself.
func VaultDigest(v *vault.CollateralVault) []byte {
	buf := make([]byte, 0, 4*vault.AddressLength+2+6*8)
	buf = append(buf, v.Address[:]...)
	buf = append(buf, v.Owner[:]...)
	buf = append(buf, v.CustodyAccount[:]...)
	buf = append(buf, v.Mint[:]...)
	buf = append(buf, v.VaultIndex, v.DerivationNonce)
	buf = binary.LittleEndian.AppendUint64(buf, v.TotalBalance)
	buf = binary.LittleEndian.AppendUint64(buf, v.AvailableBalance)
	buf = binary.LittleEndian.AppendUint64(buf, v.LockedBalance)
	buf = binary.LittleEndian.AppendUint64(buf, v.TotalDeposited)
	buf = binary.LittleEndian.AppendUint64(buf, v.TotalWithdrawn)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(v.CreatedAt.UnixMicro()))
	return buf
}
