package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/serena/serena-cli/internal/config"
	"github.com/serena/serena-cli/internal/receiver"
)

var (
	receiverAddr       string
	receiverPrefix     string
	receiverToken      string
	receiverJWTSecret  string
	receiverOut        string
	receiverFormat     string
	receiverQuiet      bool
	receiverGzip       bool
	receiverFailFirst  int
	receiverFailStatus int
)

var receiverCmd = &cobra.Command{
	Use:   "receiver",
	Short: "Run a local collection service",
	Long: `Starts a blocking HTTP server that speaks the collection service's contract:
NDJSON ingest with idempotency keys, ping, status, recent signals and the
live signal stream (SSE and WebSocket).

Point api.base_url at it to exercise the whole pipeline on one machine.
--fail-first makes the first ingest requests fail so retries and the
offline queue can be watched.

Examples:
  serena receiver
  serena receiver --addr 0.0.0.0:8000 --token auto
  serena receiver --out received.ndjson --quiet
  serena receiver --fail-first 5 --fail-status 503`,
	RunE: runReceiver,
}

func init() {
	receiverCmd.Flags().StringVar(&receiverAddr, "addr", "", "Address to listen on (default receiver.addr)")
	receiverCmd.Flags().StringVar(&receiverPrefix, "prefix", "", "Route prefix (default receiver.prefix)")
	receiverCmd.Flags().StringVar(&receiverToken, "token", "", "Static bearer token; \"auto\" generates one")
	receiverCmd.Flags().StringVar(&receiverJWTSecret, "jwt-secret", "", "Accept HS256 tokens signed with this secret")
	receiverCmd.Flags().StringVar(&receiverOut, "out", "", "Capture received records to file (.ndjson or .pb)")
	receiverCmd.Flags().StringVar(&receiverFormat, "format", "ndjson", "Stdout format: json|ndjson")
	receiverCmd.Flags().BoolVar(&receiverQuiet, "quiet", false, "Do not print received records")
	receiverCmd.Flags().BoolVar(&receiverGzip, "gzip", false, "Accept gzip-compressed payloads")
	receiverCmd.Flags().IntVar(&receiverFailFirst, "fail-first", 0, "Fail this many ingest requests before accepting")
	receiverCmd.Flags().IntVar(&receiverFailStatus, "fail-status", 503, "Status used by --fail-first")
}

func runReceiver(cmd *cobra.Command, args []string) error {
	receiverFormat = strings.ToLower(strings.TrimSpace(receiverFormat))
	if receiverFormat != "json" && receiverFormat != "ndjson" {
		return fmt.Errorf("invalid --format %q (expected: json|ndjson)", receiverFormat)
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	rc := cfg.Receiver
	if receiverAddr != "" {
		rc.Addr = receiverAddr
	}
	if receiverPrefix != "" {
		rc.Prefix = receiverPrefix
	}
	if receiverToken != "" {
		rc.Token = receiverToken
	}
	if receiverJWTSecret != "" {
		rc.JWTSecret = receiverJWTSecret
	}
	if receiverOut != "" {
		rc.Output = receiverOut
	}
	if rc.Token == "auto" {
		if rc.Token, err = generateToken(); err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}
	}

	var writers []receiver.Writer
	if !receiverQuiet {
		writers = append(writers, receiver.NewStdoutWriter(cmd.OutOrStdout(), receiverFormat))
	}
	if rc.Output != "" {
		cw, err := receiver.NewCaptureWriter(rc.Output)
		if err != nil {
			return fmt.Errorf("failed to create capture file: %w", err)
		}
		writers = append(writers, cw)
	}

	server := receiver.NewServer(receiver.Config{
		Addr:       rc.Addr,
		Prefix:     rc.Prefix,
		Token:      rc.Token,
		JWTSecret:  rc.JWTSecret,
		AcceptGzip: receiverGzip,
	}, receiver.NewMultiWriter(writers...), log)
	if receiverFailFirst > 0 {
		server.FailNext(receiverFailFirst, receiverFailStatus)
	}
	if err := server.Listen(); err != nil {
		return err
	}

	ctx, cancel := interruptContext(cmd.ErrOrStderr())
	defer cancel()

	printReceiverBanner(cmd, server.GetAddress(), rc)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}

	stats := server.GetStats()
	fmt.Fprintf(cmd.ErrOrStderr(), "\n📊 Session Stats:\n")
	fmt.Fprintf(cmd.ErrOrStderr(), "   Batches:    %d\n", stats.Batches)
	fmt.Fprintf(cmd.ErrOrStderr(), "   Records:    %d\n", stats.Records)
	fmt.Fprintf(cmd.ErrOrStderr(), "   Duplicates: %d\n", stats.Duplicates)
	fmt.Fprintf(cmd.ErrOrStderr(), "   Errors:     %d\n", stats.Errors)
	fmt.Fprintln(cmd.ErrOrStderr(), "\n✓ Shutdown complete")
	return nil
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "sr_" + hex.EncodeToString(bytes), nil
}

func printReceiverBanner(cmd *cobra.Command, address string, rc config.ReceiverConfig) {
	out := cmd.ErrOrStderr()

	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║                 🫀 Serena Receiver Started                     ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out, "")
	fmt.Fprintf(out, "  Ingest:    POST %s/ingest\n", address)
	fmt.Fprintf(out, "  Stream:    GET  %s/stream\n", address)
	fmt.Fprintf(out, "  Socket:    GET  %s/ws\n", address)
	switch {
	case rc.Token != "":
		fmt.Fprintf(out, "  Token:     %s\n", rc.Token)
	case rc.JWTSecret != "":
		fmt.Fprintln(out, "  Auth:      HS256 JWT")
	default:
		fmt.Fprintln(out, "  Auth:      none")
	}
	fmt.Fprintln(out, "")
	if rc.Output != "" {
		fmt.Fprintf(out, "  Capture:   %s\n", rc.Output)
	}
	if receiverFailFirst > 0 {
		fmt.Fprintf(out, "  Failing:   first %d requests with %d\n", receiverFailFirst, receiverFailStatus)
	}

	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "───────────────────────────────────────────────────────────────────")
	fmt.Fprintln(out, "  Point serena at it:")
	fmt.Fprintf(out, "    SERENA_API_BASE_URL=%s\n", strings.TrimSuffix(address, rc.Prefix))
	if rc.Token != "" {
		fmt.Fprintf(out, "    SERENA_API_TOKEN=%s\n", rc.Token)
	}
	fmt.Fprintln(out, "───────────────────────────────────────────────────────────────────")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Waiting for records... (Press Ctrl+C to stop)")
	fmt.Fprintln(out, "")
}
