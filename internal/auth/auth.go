// Package auth authenticates vault owners. An owner is an ed25519 public
// key; every mutating request carries a signature over a canonical message
// covering all of its fields, including a mandatory request id.
package auth

import (
	"CollateralVault/internal/vault"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strconv"

	"github.com/mr-tron/base58"
)

// Header names, used as gRPC metadata keys and HTTP headers.
const (
	HeaderOwner     = "x-vault-owner"
	HeaderSignature = "x-vault-signature"
)

const messagePrefix = "collateral-vault"

var (
	ErrMissingCredentials = errors.New("missing owner credentials")
	ErrMalformed          = errors.New("malformed owner credentials")
	ErrBadSignature       = errors.New("signature does not verify")
	ErrMissingRequestID   = errors.New("request_id is required on signed operations")
)

// Credentials is an owner identity plus the signature it presented.
type Credentials struct {
	Owner     vault.Address
	Signature []byte
}

// ParseCredentials decodes the base58 owner key and signature.
func ParseCredentials(owner, signature string) (Credentials, error) {
	if owner == "" || signature == "" {
		return Credentials{}, ErrMissingCredentials
	}
	addr, err := vault.ParseAddress(owner)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: owner: %v", ErrMalformed, err)
	}
	sig, err := base58.Decode(signature)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	if len(sig) != ed25519.SignatureSize {
		return Credentials{}, fmt.Errorf("%w: signature is %d bytes", ErrMalformed, len(sig))
	}
	return Credentials{Owner: addr, Signature: sig}, nil
}

// Operation is everything an owner signature commits to. Absent addresses
// sign as empty fields.
type Operation struct {
	Name           string
	VaultIndex     uint8
	Amount         uint64
	Mint           vault.Address
	SourceAccount  vault.Address
	CustodyAccount vault.Address
	Vault          *vault.Address
	RequestID      string
}

// Message is the byte string an owner signs for one operation:
//
//	collateral-vault:<op>:<vault_index>:<amount>:<mint>:<source>:<custody>:<vault>:<request_id>
func Message(o Operation) []byte {
	buf := make([]byte, 0, 256+len(o.RequestID))
	buf = append(buf, messagePrefix...)
	buf = append(buf, ':')
	buf = append(buf, o.Name...)
	buf = append(buf, ':')
	buf = strconv.AppendUint(buf, uint64(o.VaultIndex), 10)
	buf = append(buf, ':')
	buf = strconv.AppendUint(buf, o.Amount, 10)
	buf = appendAddress(buf, o.Mint)
	buf = appendAddress(buf, o.SourceAccount)
	buf = appendAddress(buf, o.CustodyAccount)
	var presented vault.Address
	if o.Vault != nil {
		presented = *o.Vault
	}
	buf = appendAddress(buf, presented)
	buf = append(buf, ':')
	buf = append(buf, o.RequestID...)
	return buf
}

func appendAddress(buf []byte, a vault.Address) []byte {
	buf = append(buf, ':')
	if a.IsZero() {
		return buf
	}
	return append(buf, a.String()...)
}

// Verify checks the signature against the operation it authorizes. An
// operation without a request id is rejected before the signature is checked.
func (c Credentials) Verify(o Operation) error {
	if o.RequestID == "" {
		return fmt.Errorf("%w: op %s", ErrMissingRequestID, o.Name)
	}
	if !ed25519.Verify(ed25519.PublicKey(c.Owner[:]), Message(o), c.Signature) {
		return fmt.Errorf("%w: owner %s op %s", ErrBadSignature, c.Owner, o.Name)
	}
	return nil
}

// Sign produces the base58 signature header value for an operation.
func Sign(key ed25519.PrivateKey, o Operation) string {
	return base58.Encode(ed25519.Sign(key, Message(o)))
}

// OwnerOf returns the vault owner address for a key pair.
func OwnerOf(key ed25519.PrivateKey) vault.Address {
	var a vault.Address
	copy(a[:], key.Public().(ed25519.PublicKey))
	return a
}

type credentialsKey struct{}

func WithCredentials(ctx context.Context, c Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, c)
}

func FromContext(ctx context.Context) (Credentials, bool) {
	c, ok := ctx.Value(credentialsKey{}).(Credentials)
	return c, ok
}
