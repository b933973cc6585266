// p8fs-device is the device-side CLI for P8FS authentication. A mobile-style
// device registers with an email code; a desktop device pairs to it through
// the device authorization grant and then uploads with derived credentials.
//
// State (the device keypair and the current token grant) lives in an
// age-encrypted keystore file unlocked with a passphrase.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

type command struct {
	summary string
	flags   func(env *environment, fs *pflag.FlagSet)
	run     func(ctx context.Context, env *environment, args []string) error
}

var commands = map[string]command{
	"init":        {"create the device keypair", nil, runInit},
	"register":    {"start email registration for this device", registerFlags, runRegister},
	"verify":      {"complete registration with the emailed code", verifyFlags, runVerify},
	"login":       {"pair this device to an approved device", loginFlags, runLogin},
	"approve":     {"approve another device's pairing request", approveFlags, runApprove},
	"credentials": {"print derived storage credentials", nil, runCredentials},
	"upload":      {"upload a file to the tenant bucket", nil, runUpload},
	"rotate":      {"replace the device keypair", nil, runRotate},
}

var commandOrder = []string{"init", "register", "verify", "login", "approve", "credentials", "upload", "rotate"}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" || os.Args[1] == "help" {
		printUsage()
		return nil
	}

	name := os.Args[1]
	cmd, ok := commands[name]
	if !ok {
		printUsage()
		return fmt.Errorf("unknown command %q", name)
	}

	var env environment
	flagSet := pflag.NewFlagSet("p8fs-device "+name, pflag.ContinueOnError)
	env.addFlags(flagSet)
	if cmd.flags != nil {
		cmd.flags(&env, flagSet)
	}
	if err := flagSet.Parse(os.Args[2:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage of p8fs-device %s:\n", name)
		flagSet.PrintDefaults()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cmd.run(ctx, &env, flagSet.Args())
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: p8fs-device <command> [flags]\n\nCommands:\n")
	for _, name := range commandOrder {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(os.Stderr, "\nRun 'p8fs-device <command> --help' for command flags.\n")
}
