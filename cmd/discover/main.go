// discover probes serial ports for known lab devices and prints config
// stubs for the server. It also hashes API tokens for auth.api_tokens.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLabCore/internal/auth"
	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/discovery"
	"github.com/KevinKickass/OpenLabCore/internal/drivers"
	"github.com/KevinKickass/OpenLabCore/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		ports      []string
		timeout    time.Duration
		output     string
		hashToken  string
		newToken   bool
		saveDB     bool
		configPath string
		verbose    bool
	)

	flagSet := pflag.NewFlagSet("discover", pflag.ContinueOnError)
	flagSet.StringSliceVarP(&ports, "port", "p", nil, "serial ports to probe (default: all ports of the host)")
	flagSet.DurationVar(&timeout, "timeout", 500*time.Millisecond, "reply timeout per probe")
	flagSet.StringVarP(&output, "output", "o", "", "write stubs to this file instead of stdout")
	flagSet.StringVar(&hashToken, "hash-token", "", "print the argon2id hash of an API token and exit")
	flagSet.BoolVar(&newToken, "new-token", false, "generate an API token, print it with its hash and exit")
	flagSet.BoolVar(&saveDB, "save", false, "store found devices in the database from --config")
	flagSet.StringVarP(&configPath, "config", "c", "configs/config.yaml", "server configuration (for --save)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log every probe")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	hasher := auth.NewTokenHasher()
	switch {
	case newToken:
		token, err := auth.GenerateAPIToken()
		if err != nil {
			return err
		}
		hash, err := hasher.Hash(token)
		if err != nil {
			return err
		}
		fmt.Printf("token: %s\nhash:  %s\n", token, hash)
		return nil
	case hashToken != "":
		hash, err := hasher.Hash(hashToken)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	}

	logger := zap.NewNop()
	if verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if len(ports) == 0 {
		var err error
		if ports, err = discovery.ListSerialPorts(); err != nil {
			return err
		}
	}
	if len(ports) == 0 {
		fmt.Fprintln(os.Stderr, "no serial ports found")
		return nil
	}

	registry, err := drivers.Builtin()
	if err != nil {
		return err
	}
	found := discovery.NewProber(registry, timeout, logger).Probe(ctx, ports)
	fmt.Fprintf(os.Stderr, "probed %d ports, found %d devices\n", len(ports), len(found))
	for _, c := range found {
		fmt.Fprintf(os.Stderr, "  %s: %s (%s)\n", c.Config.Transport.Port, c.Config.Type, c.Identity)
	}

	out := os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", output, err)
		}
		defer f.Close()
		out = f
	}
	if err := discovery.WriteStubs(out, found); err != nil {
		return err
	}

	if saveDB {
		return save(ctx, configPath, found)
	}
	return nil
}

func save(ctx context.Context, configPath string, found []discovery.Candidate) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := storage.NewPostgresClient(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}
	for _, c := range found {
		if err := db.SaveDeviceConfig(ctx, c.Config); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "saved %d devices\n", len(found))
	return nil
}
