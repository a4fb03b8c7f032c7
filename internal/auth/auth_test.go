package auth_test

import (
	"CollateralVault/internal/auth"
	"CollateralVault/internal/vault"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/mr-tron/base58"
)

func testKey(label string) ed25519.PrivateKey {
	seed := sha256.Sum256([]byte(label))
	return ed25519.NewKeyFromSeed(seed[:])
}

func addr(label string) vault.Address {
	return vault.Address(sha256.Sum256([]byte(label)))
}

func depositOp() auth.Operation {
	v := addr("vault")
	return auth.Operation{
		Name:           "deposit",
		VaultIndex:     1,
		Amount:         500,
		SourceAccount:  addr("source"),
		CustodyAccount: addr("custody"),
		Vault:          &v,
		RequestID:      "r1",
	}
}

// ============================================================================
// Test: Signed message
// ============================================================================

func TestMessage_Format(t *testing.T) {
	got := string(auth.Message(auth.Operation{Name: "lock", VaultIndex: 3, Amount: 100, RequestID: "req-7"}))
	want := "collateral-vault:lock:3:100:::::req-7"
	if got != want {
		t.Errorf("Message = %q, want %q", got, want)
	}

	op := depositOp()
	want = "collateral-vault:deposit:1:500::" + addr("source").String() + ":" +
		addr("custody").String() + ":" + addr("vault").String() + ":r1"
	if got := string(auth.Message(op)); got != want {
		t.Errorf("Message = %q, want %q", got, want)
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	key := testKey("alice")
	owner := auth.OwnerOf(key)
	sig := auth.Sign(key, depositOp())

	creds, err := auth.ParseCredentials(owner.String(), sig)
	if err != nil {
		t.Fatal(err)
	}
	if creds.Owner != owner {
		t.Fatal("owner did not round trip")
	}
	if err := creds.Verify(depositOp()); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
}

func TestVerify_RejectsTampering(t *testing.T) {
	key := testKey("alice")
	creds, err := auth.ParseCredentials(auth.OwnerOf(key).String(), auth.Sign(key, depositOp()))
	if err != nil {
		t.Fatal(err)
	}

	otherVault := addr("other-vault")
	tests := []struct {
		name   string
		mutate func(o *auth.Operation)
	}{
		{"operation", func(o *auth.Operation) { o.Name = "lock" }},
		{"index", func(o *auth.Operation) { o.VaultIndex = 2 }},
		{"amount", func(o *auth.Operation) { o.Amount = 501 }},
		{"request id", func(o *auth.Operation) { o.RequestID = "r2" }},
		{"mint", func(o *auth.Operation) { o.Mint = addr("mint") }},
		{"source account", func(o *auth.Operation) { o.SourceAccount = addr("mallory-source") }},
		{"custody account", func(o *auth.Operation) { o.CustodyAccount = addr("mallory-custody") }},
		{"presented vault", func(o *auth.Operation) { o.Vault = &otherVault }},
		{"vault dropped", func(o *auth.Operation) { o.Vault = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			op := depositOp()
			tc.mutate(&op)
			if err := creds.Verify(op); !errors.Is(err, auth.ErrBadSignature) {
				t.Errorf("expected ErrBadSignature, got %v", err)
			}
		})
	}

	// Someone else's key over the same message.
	other := creds
	other.Owner = auth.OwnerOf(testKey("mallory"))
	if err := other.Verify(depositOp()); !errors.Is(err, auth.ErrBadSignature) {
		t.Errorf("foreign owner accepted: %v", err)
	}
}

func TestVerify_RequiresRequestID(t *testing.T) {
	key := testKey("alice")
	op := auth.Operation{Name: "lock", Amount: 10}
	creds, err := auth.ParseCredentials(auth.OwnerOf(key).String(), auth.Sign(key, op))
	if err != nil {
		t.Fatal(err)
	}
	if err := creds.Verify(op); !errors.Is(err, auth.ErrMissingRequestID) {
		t.Errorf("expected ErrMissingRequestID for a correctly signed op without id, got %v", err)
	}
}

func TestParseCredentials_Errors(t *testing.T) {
	owner := auth.OwnerOf(testKey("alice")).String()
	validSig := auth.Sign(testKey("alice"), auth.Operation{Name: "lock", RequestID: "r1"})

	tests := []struct {
		name      string
		owner     string
		signature string
		want      error
	}{
		{"missing owner", "", validSig, auth.ErrMissingCredentials},
		{"missing signature", owner, "", auth.ErrMissingCredentials},
		{"owner not base58", "0OIl", validSig, auth.ErrMalformed},
		{"short signature", owner, base58.Encode([]byte{1, 2, 3}), auth.ErrMalformed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := auth.ParseCredentials(tc.owner, tc.signature); !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestContextCredentials(t *testing.T) {
	if _, ok := auth.FromContext(context.Background()); ok {
		t.Fatal("empty context has credentials")
	}
	c := auth.Credentials{Owner: auth.OwnerOf(testKey("alice"))}
	got, ok := auth.FromContext(auth.WithCredentials(context.Background(), c))
	if !ok || got.Owner != c.Owner {
		t.Error("credentials did not round trip through context")
	}
}
