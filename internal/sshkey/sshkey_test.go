package sshkey

import (
	"os"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestGenerateWritesBothFiles(t *testing.T) {
	dir := t.TempDir()
	kp, err := Generate(dir, "alpha")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	privInfo, err := os.Stat(kp.PrivateKeyPath)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if privInfo.Mode().Perm() != privKeyMode {
		t.Fatalf("private key mode = %v, want %v", privInfo.Mode().Perm(), privKeyMode)
	}

	pubInfo, err := os.Stat(kp.PublicKeyPath)
	if err != nil {
		t.Fatalf("stat public key: %v", err)
	}
	if pubInfo.Mode().Perm() != pubKeyMode {
		t.Fatalf("public key mode = %v, want %v", pubInfo.Mode().Perm(), pubKeyMode)
	}

	if !strings.HasPrefix(kp.AuthorizedLine, "ssh-ed25519 ") {
		t.Fatalf("authorized line = %q", kp.AuthorizedLine)
	}

	privData, err := os.ReadFile(kp.PrivateKeyPath)
	if err != nil {
		t.Fatalf("read private key: %v", err)
	}
	if _, err := ssh.ParseRawPrivateKey(privData); err != nil {
		t.Fatalf("private key not parseable: %v", err)
	}
}

func TestRemoveMissingIsSuccess(t *testing.T) {
	dir := t.TempDir()
	if err := Remove(dir, "nonexistent"); err != nil {
		t.Fatalf("Remove on absent keypair: %v", err)
	}
}

func TestGenerateThenRemove(t *testing.T) {
	dir := t.TempDir()
	kp, err := Generate(dir, "beta")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := Remove(dir, "beta"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(kp.PrivateKeyPath); !os.IsNotExist(err) {
		t.Fatalf("private key still exists after Remove")
	}
	if _, err := os.Stat(kp.PublicKeyPath); !os.IsNotExist(err) {
		t.Fatalf("public key still exists after Remove")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	kp, err := Generate(dir, "gamma")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	loaded, err := Load(dir, "gamma")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.AuthorizedLine != kp.AuthorizedLine {
		t.Fatalf("loaded authorized line mismatch")
	}
}
