package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/lobsterd/lobsterd/internal/errs"
	"github.com/lobsterd/lobsterd/internal/sshkey"
)

var execCmd = &cobra.Command{
	Use:   "exec <name> [cmd...]",
	Short: "Run a command inside a tenant's guest over SSH",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := store.LoadRegistry()
		if err != nil {
			return err
		}
		tenant := reg.Find(args[0])
		if tenant == nil {
			return errs.New(errs.CodeTenantNotFound, "tenant "+args[0]+" not found")
		}

		keyPair, err := sshkey.Load(defaultSSHDir, tenant.Name)
		if err != nil {
			return fmt.Errorf("loading ssh keypair: %w", err)
		}
		keyBytes, err := os.ReadFile(keyPair.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("reading private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return fmt.Errorf("parsing private key: %w", err)
		}

		clientConfig := &ssh.ClientConfig{
			User:            "root",
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         10 * time.Second,
		}

		conn, err := ssh.Dial("tcp", tenant.GuestIP+":22", clientConfig)
		if err != nil {
			return fmt.Errorf("dialing guest: %w", err)
		}
		defer conn.Close()

		session, err := conn.NewSession()
		if err != nil {
			return fmt.Errorf("opening ssh session: %w", err)
		}
		defer session.Close()

		session.Stdout = os.Stdout
		session.Stderr = os.Stderr
		session.Stdin = os.Stdin

		command := "sh"
		if len(args) > 1 {
			command = strings.Join(args[1:], " ")
		}
		return session.Run(command)
	},
}
