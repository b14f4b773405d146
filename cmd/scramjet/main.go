// Command scramjet is the CLI entrypoint: "monitor" runs the core as a
// long-lived HTTP/websocket service (generalizing the teacher's
// runtime/main.go), "fire" sends one pre-signed transaction and exits,
// "spam" streams transactions from stdin over one multiplexed session
// (spec.md §2, Non-goals: transaction construction and signing are out of
// scope, so every subcommand reads already-signed bytes).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scramjetlabs/scramjet"
	"github.com/scramjetlabs/scramjet/internal/config"
	"github.com/scramjetlabs/scramjet/internal/health"
	"github.com/scramjetlabs/scramjet/internal/identity"
	"github.com/scramjetlabs/scramjet/internal/monitorws"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "monitor":
		err = runMonitor(os.Args[2:])
	case "fire":
		err = runFire(os.Args[2:])
	case "spam":
		err = runSpam(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		log.Fatal().Err(err).Msg("scramjet: fatal")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: scramjet <monitor|fire|spam> [flags]")
}

func commonFlags(fs *flag.FlagSet) (keypairPath *string) {
	return fs.String("keypair", "", "path to a Solana-CLI-style keypair JSON file (required)")
}

func boot(keypairPath string) (*config.Config, *scramjet.App, error) {
	if keypairPath == "" {
		return nil, nil, scramjet.ErrConfigInvalid
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, err
	}

	kp, err := identity.LoadKeypairFile(keypairPath)
	if err != nil {
		return nil, nil, err
	}

	app, err := scramjet.New(cfg, kp)
	if err != nil {
		return nil, nil, err
	}
	return cfg, app, nil
}

func runMonitor(args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	keypairPath := commonFlags(fs)
	addr := fs.String("addr", ":8080", "HTTP listen address")
	wsAddr := fs.String("ws-addr", ":8081", "websocket listen address for the live slot/leader feed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, app, err := boot(*keypairPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.Start(ctx)
	defer app.Shutdown(context.Background())

	wsLn, err := net.Listen("tcp", *wsAddr)
	if err != nil {
		return err
	}
	wsServer := monitorws.NewServer(app.Slot(), app.Cartographer(), cfg.MonitorInterval())
	go func() {
		if err := wsServer.Run(wsLn); err != nil {
			log.Warn().Err(err).Msg("scramjet: monitor websocket feed stopped")
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(app.HealthSources()...))
	mux.HandleFunc("/", sendHandler(app))

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	log.Info().Str("addr", *addr).Str("ws_addr", *wsAddr).Msg("scramjet: monitor listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// sendHandler generalizes the teacher's runtime.sendTransaction: same CORS
// headers, same POST-only/read-body/call-Send shape, but calling App.Fire
// instead of TransactionSender.Send, and tagging each request with a
// correlation id for the log line (grounded on bloXroute-Labs-relayproxy's
// per-request uuid.NewString() logging pattern).
func sendHandler(app *scramjet.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "only POST allowed", http.StatusMethodNotAllowed)
			return
		}

		requestId := uuid.NewString()
		txBytes, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusInternalServerError)
			return
		}
		defer r.Body.Close()

		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := app.Fire(ctx, txBytes); err != nil {
			log.Error().Err(err).Str("request_id", requestId).Msg("scramjet: fire failed")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(err.Error()))
			return
		}

		log.Info().Str("request_id", requestId).Msg("scramjet: transaction fired")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
	}
}

func runFire(args []string) error {
	fs := flag.NewFlagSet("fire", flag.ExitOnError)
	keypairPath := commonFlags(fs)
	txPath := fs.String("tx", "-", "path to a pre-signed transaction, or - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, app, err := boot(*keypairPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.Start(ctx)
	defer app.Shutdown(context.Background())

	// Give the clock and Cartographer a brief head start so the first
	// fire has a chance at a resolved leader rather than racing startup.
	time.Sleep(500 * time.Millisecond)

	txBytes, err := readTxBytes(*txPath)
	if err != nil {
		return err
	}

	sendCtx, sendCancel := context.WithTimeout(ctx, 5*time.Second)
	defer sendCancel()
	if err := app.Fire(sendCtx, txBytes); err != nil {
		return err
	}
	log.Info().Msg("scramjet: transaction fired")
	return nil
}

func runSpam(args []string) error {
	fs := flag.NewFlagSet("spam", flag.ExitOnError)
	keypairPath := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, app, err := boot(*keypairPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.Start(ctx)
	defer app.Shutdown(context.Background())

	time.Sleep(500 * time.Millisecond)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	txs := make(chan []byte)
	go func() {
		defer close(txs)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			cp := make([]byte, len(line))
			copy(cp, line)
			select {
			case txs <- cp:
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info().Msg("scramjet: spamming transactions from stdin, one base64-free raw line each")
	return app.Spam(ctx, txs)
}

func readTxBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
