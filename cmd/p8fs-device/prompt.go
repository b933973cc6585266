package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassphrase takes the keystore passphrase from P8FS_PASSPHRASE or
// prompts for it with echo disabled.
func readPassphrase() (string, error) {
	if p := os.Getenv("P8FS_PASSPHRASE"); p != "" {
		return p, nil
	}

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return "", errors.New("stdin is not a terminal; set P8FS_PASSPHRASE")
	}

	fmt.Fprint(os.Stderr, "Keystore passphrase: ")
	passphrase, err := term.ReadPassword(stdinFd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if len(passphrase) == 0 {
		return "", errors.New("empty passphrase")
	}
	return string(passphrase), nil
}

// terminalGate confirms presence with an interactive yes/no prompt.
type terminalGate struct{}

func (terminalGate) Confirm(ctx context.Context, reason string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("confirmation needs a terminal; pass --yes to skip")
	}
	fmt.Fprintf(os.Stderr, "Allow p8fs-device to %s? [y/N] ", reason)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	}
	return errors.New("not confirmed")
}

type allowGate struct{}

func (allowGate) Confirm(ctx context.Context, reason string) error { return nil }
