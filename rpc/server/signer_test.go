package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/swarmKV/lib/proto"
)

func testEnvelope() *proto.Envelope {
	return proto.NewDatabaseMsgEnvelope("node-a", proto.NewCreateRequest("db", "key", []byte("value"), 0))
}

// TestSignAndVerify checks that a signed envelope verifies against the
// signer's public key.
func TestSignAndVerify(t *testing.T) {
	signer, err := NewEphemeralSigner()
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	env := testEnvelope()
	signer.Sign(env)

	if env.Signature == nil {
		t.Fatal("Sign left the envelope unsigned")
	}
	if env.Timestamp == 0 {
		t.Error("Sign left the envelope unstamped")
	}
	if !Verify(env, signer.PublicKey()) {
		t.Error("signature does not verify against the signer's public key")
	}
}

// TestVerifyRejectsTampering checks that changing the payload after signing
// invalidates the signature.
func TestVerifyRejectsTampering(t *testing.T) {
	signer, err := NewEphemeralSigner()
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	env := testEnvelope()
	signer.Sign(env)

	env.DatabaseMsg.Value = []byte("forged")
	if Verify(env, signer.PublicKey()) {
		t.Error("signature verified over a tampered payload")
	}
}

// TestVerifyRejectsWrongKey checks that another identity's key does not
// verify the envelope.
func TestVerifyRejectsWrongKey(t *testing.T) {
	signer, _ := NewEphemeralSigner()
	other, _ := NewEphemeralSigner()

	env := testEnvelope()
	signer.Sign(env)

	if Verify(env, other.PublicKey()) {
		t.Error("signature verified against a foreign public key")
	}
	if Verify(env, "not-hex") {
		t.Error("signature verified against a malformed public key")
	}
}

// TestVerifyIgnoresRoutingMetadata checks that relaying metadata added after
// signing does not break the signature.
func TestVerifyIgnoresRoutingMetadata(t *testing.T) {
	signer, _ := NewEphemeralSigner()

	env := testEnvelope()
	signer.Sign(env)

	env.DatabaseMsg.Header.PointOfContact = "node-b"
	if !Verify(env, signer.PublicKey()) {
		t.Error("setting the point of contact invalidated the signature")
	}
}

// TestLoadOrCreateSignerPersistence checks that the identity survives a
// restart and is stored with owner-only permissions.
func TestLoadOrCreateSignerPersistence(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateSigner(dir)
	if err != nil {
		t.Fatalf("first start failed: %v", err)
	}

	second, err := LoadOrCreateSigner(dir)
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}

	if first.PublicKey() != second.PublicKey() {
		t.Error("node identity changed across restarts")
	}

	info, err := os.Stat(filepath.Join(dir, keyFileName))
	if err != nil {
		t.Fatalf("key file missing: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}
}

// TestLoadOrCreateSignerEphemeral checks that an empty data directory yields
// a fresh identity per start.
func TestLoadOrCreateSignerEphemeral(t *testing.T) {
	first, err := LoadOrCreateSigner("")
	if err != nil {
		t.Fatalf("failed to create ephemeral signer: %v", err)
	}
	second, err := LoadOrCreateSigner("")
	if err != nil {
		t.Fatalf("failed to create ephemeral signer: %v", err)
	}
	if first.PublicKey() == second.PublicKey() {
		t.Error("ephemeral identities are expected to differ")
	}
}

// TestLoadOrCreateSignerCorruptKey checks that a damaged key file is
// reported instead of silently replaced.
func TestLoadOrCreateSignerCorruptKey(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, keyFileName), []byte("zz"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadOrCreateSigner(dir); err == nil {
		t.Error("expected an error for a corrupt key file")
	}
}
