// Package sshkey is the SSH-key driver: generates an ed25519 keypair per
// tenant, persists it as tenant-named files in the host's SSH key
// directory, and removes it on
// evict. Key-pair generation uses crypto/ed25519; the OpenSSH private-key
// and authorized_keys encodings are produced with golang.org/x/crypto/ssh.
package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/lobsterd/lobsterd/internal/errs"
)

const (
	privKeyMode = 0o600
	pubKeyMode  = 0o644
)

// KeyPair is a generated tenant keypair plus its authorized_keys line.
type KeyPair struct {
	PrivateKeyPath string
	PublicKeyPath  string
	AuthorizedLine string
}

// Generate creates an ed25519 keypair for tenant, writes both files
// directly under dir as <tenant>_ed25519 and <tenant>_ed25519.pub (no
// per-tenant subdirectory is created), and returns the authorized_keys
// line to inject into the guest.
func Generate(dir, tenant string) (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, errs.Wrap(errs.CodeExecFailed, "generating ed25519 keypair", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return KeyPair{}, errs.Wrap(errs.CodeExecFailed, "creating ssh key dir", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return KeyPair{}, errs.Wrap(errs.CodeExecFailed, "marshaling ssh public key", err)
	}
	authorizedLine := string(ssh.MarshalAuthorizedKey(sshPub))

	block, err := ssh.MarshalPrivateKey(priv, tenant)
	if err != nil {
		return KeyPair{}, errs.Wrap(errs.CodeExecFailed, "marshaling ssh private key", err)
	}

	privPath := filepath.Join(dir, tenant+"_ed25519")
	pubPath := privPath + ".pub"

	if err := os.WriteFile(privPath, pem.EncodeToMemory(block), privKeyMode); err != nil {
		return KeyPair{}, errs.Wrap(errs.CodeExecFailed, "writing private key", err)
	}
	if err := os.WriteFile(pubPath, []byte(authorizedLine), pubKeyMode); err != nil {
		return KeyPair{}, errs.Wrap(errs.CodeExecFailed, "writing public key", err)
	}

	return KeyPair{PrivateKeyPath: privPath, PublicKeyPath: pubPath, AuthorizedLine: authorizedLine}, nil
}

// Remove deletes both files of a tenant's keypair under dir; missing files
// are success.
func Remove(dir, tenant string) error {
	privPath := filepath.Join(dir, tenant+"_ed25519")
	for _, p := range []string{privPath, privPath + ".pub"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.CodeExecFailed, "removing "+p, err)
		}
	}
	return nil
}

// Load reads back a previously generated keypair's authorized_keys line
// from its public key file.
func Load(dir, tenant string) (KeyPair, error) {
	privPath := filepath.Join(dir, tenant+"_ed25519")
	pubPath := privPath + ".pub"
	data, err := os.ReadFile(pubPath)
	if err != nil {
		return KeyPair{}, errs.Wrap(errs.CodeExecFailed, "reading public key", err)
	}
	return KeyPair{PrivateKeyPath: privPath, PublicKeyPath: pubPath, AuthorizedLine: string(data)}, nil
}
