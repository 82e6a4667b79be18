// Command pa-tool drives an activation engine instance from the command
// line: enrollment, status checks and ad-hoc signature computation against a
// PowerAuth-compatible server. Intended for integration testing against a
// real enrollment backend.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cipherbind/powerauth"
	"github.com/cipherbind/powerauth/storage"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "pa-tool.yaml", "Path to the YAML configuration file")
	storagePath := flag.String("storage", "pa-tool.db", "Path to the secure storage database")
	storeKey := flag.String("store-key", "", "Base64 32-byte storage encryption key")
	password := flag.String("password", "", "Knowledge factor for commit/sign commands")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if !*debug {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: pa-tool [flags] <status|create <code>|commit|remove|sign <method> <uriId>>")
		os.Exit(1)
	}

	cfg, err := powerauth.LoadConfiguration(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	key, err := base64.StdEncoding.DecodeString(*storeKey)
	if err != nil || len(key) != 32 {
		log.Fatal().Msg("--store-key must be a base64 32-byte key")
	}
	store, err := storage.OpenSQLite(*storagePath, key)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open secure storage")
	}
	defer store.Close()

	pa, err := powerauth.Configure(cfg, powerauth.Dependencies{Storage: store})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure engine")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, pa, args, []byte(*password)); err != nil {
		log.Fatal().Err(err).Str("command", args[0]).Msg("Command failed")
	}
}

func run(ctx context.Context, pa *powerauth.PowerAuth, args []string, password []byte) error {
	switch args[0] {
	case "status":
		if !pa.HasValidActivation() && !pa.HasPendingActivation() {
			fmt.Println("no activation")
			return nil
		}
		info, err := pa.FetchActivationStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("activation: %s\nstatus: %s\nfailed attempts: %d/%d\n",
			pa.ActivationID(), info.Status, info.FailCount, info.MaxFailCount)
		return nil

	case "create":
		if len(args) < 2 {
			return fmt.Errorf("usage: create <activation-code>")
		}
		result, err := pa.CreateActivation(ctx, powerauth.ActivationParams{
			ActivationCode: args[1],
			DeviceName:     "pa-tool",
		})
		if err != nil {
			return err
		}
		fmt.Printf("activation: %s\nfingerprint: %s\n", result.ActivationID, result.Fingerprint)
		fmt.Println("compare the fingerprint, then run: pa-tool commit")
		return nil

	case "commit":
		if len(password) == 0 {
			return fmt.Errorf("commit requires --password")
		}
		auth := &powerauth.Authentication{UsePossession: true, Password: password}
		if err := pa.CommitActivation(ctx, auth); err != nil {
			return err
		}
		fmt.Println("activation committed")
		return nil

	case "remove":
		if len(password) == 0 {
			pa.RemoveActivationLocal()
			fmt.Println("activation removed locally")
			return nil
		}
		auth := &powerauth.Authentication{UsePossession: true, Password: password}
		if err := pa.RemoveActivationWithAuthentication(ctx, auth); err != nil {
			return err
		}
		fmt.Println("activation removed")
		return nil

	case "sign":
		if len(args) < 3 {
			return fmt.Errorf("usage: sign <method> <uriId>")
		}
		auth := &powerauth.Authentication{UsePossession: true, Password: password}
		if len(password) == 0 {
			auth.Password = nil
		}
		header, err := pa.RequestSignature(ctx, auth, args[1], args[2], nil)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", header.Key, header.Value)
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}
