// Command validator runs the coordinator process: it loads (or
// bootstraps) a ledger, accepts child program connections, and serves
// instruction execution against them. Grounded on
// solana-debug-validator/src/main.rs, rebuilt around cobra/zap the way
// this module's teacher wires its own CLI entrypoints.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/blendle/zapdriver"

	"github.com/gagliardetto/solana-go"

	"go.sealevel.dev/emulator/internal/builtin/system"
	"go.sealevel.dev/emulator/internal/caller"
	"go.sealevel.dev/emulator/internal/executor"
	"go.sealevel.dev/emulator/internal/ledger"
	"go.sealevel.dev/emulator/internal/metrics"
	"go.sealevel.dev/emulator/internal/registry"
	"go.sealevel.dev/emulator/internal/telemetry"
	"go.sealevel.dev/emulator/pkg/sealevel"
	"go.sealevel.dev/emulator/pkg/wire"
)

type config struct {
	SocketPath        string `yaml:"socket_path"`
	LedgerPath        string `yaml:"ledger_path"`
	MetricsAddr       string `yaml:"metrics_addr"`
	InitialMint       string `yaml:"initial_mint"`
	InitialMintAmount uint64 `yaml:"initial_mint_lamports"`
	WaitForPrograms   int    `yaml:"wait_for_programs"`
	TelemetryAddr     string `yaml:"telemetry_addr"`
}

func defaultConfig() config {
	return config{
		SocketPath:        "sealevel-emulator.sock",
		LedgerPath:        "sealevel-ledger",
		MetricsAddr:       ":9102",
		InitialMintAmount: 500_000_000_000,
	}
}

func newLogger() *zap.Logger {
	encoderCfg := zapdriver.NewProductionEncoderConfig()
	if isatty.IsTerminal(os.Stdout.Fd()) {
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), zapcore.AddSync(os.Stdout), zap.DebugLevel)
		return zap.New(core)
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stdout), zap.InfoLevel)
	return zap.New(core, zapdriver.WrapCore())
}

func main() {
	cfg := defaultConfig()
	var configPath string

	root := &cobra.Command{
		Use:   "validator",
		Short: "Runs the local Sealevel-style emulator validator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				b, err := os.ReadFile(configPath)
				if err != nil {
					return fmt.Errorf("reading config: %w", err)
				}
				if err := yaml.Unmarshal(b, &cfg); err != nil {
					return fmt.Errorf("parsing config: %w", err)
				}
			}
			return run(cfg)
		},
	}
	root.Flags().StringVar(&cfg.SocketPath, "socket-path", cfg.SocketPath, "unix socket child programs connect to")
	root.Flags().StringVar(&cfg.LedgerPath, "ledger-path", cfg.LedgerPath, "directory backing the persistent account/block ledger")
	root.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address the /metrics endpoint listens on")
	root.Flags().StringVar(&cfg.InitialMint, "initial-mint", cfg.InitialMint, "base58 pubkey to fund on a fresh ledger")
	root.Flags().Uint64Var(&cfg.InitialMintAmount, "initial-mint-lamports", cfg.InitialMintAmount, "lamports credited to the initial mint on bootstrap")
	root.Flags().StringVar(&configPath, "config", "", "optional YAML config file, overrides flags")
	root.Flags().IntVar(&cfg.WaitForPrograms, "wait-for-programs", cfg.WaitForPrograms, "on a terminal, show a progress bar that fills as this many child programs register; startup does not wait for them (0 disables)")
	root.Flags().StringVar(&cfg.TelemetryAddr, "telemetry-addr", cfg.TelemetryAddr, "address a QUIC log-tailing stream listens on (empty disables)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config) error {
	logger := newLogger()
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	reg := registry.New(logger)

	c := caller.New(logger, reg.Lookup)
	sys := system.New()
	c.RegisterNative(system.ID, sys)

	if cfg.TelemetryAddr != "" {
		broadcaster := telemetry.NewBroadcaster(logger)
		c.SetLogSink(broadcaster.Publish)
		go func() {
			if err := broadcaster.Serve(ctx, cfg.TelemetryAddr); err != nil && err != context.Canceled {
				logger.Warn("telemetry server stopped", zap.Error(err))
			}
		}()
	}

	var mint *ledger.InitialMint
	if cfg.InitialMint != "" {
		pk, err := solana.PublicKeyFromBase58(cfg.InitialMint)
		if err != nil {
			return fmt.Errorf("parsing --initial-mint: %w", err)
		}
		mint = &ledger.InitialMint{Pubkey: pk, Lamports: cfg.InitialMintAmount}
	}
	l, err := ledger.Open(cfg.LedgerPath, c.HasProgram, mint)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer l.Close()

	exec := executor.New(l, c)

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	exec.SetMetrics(m)
	c.SetMetrics(m)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(promReg))
		mux.Handle("/tx", newTxHandler(exec, m, logger))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
	}

	os.Remove(cfg.SocketPath)
	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.SocketPath, err)
	}
	defer ln.Close()

	logger.Info("validator listening",
		zap.String("socket_path", cfg.SocketPath),
		zap.String("ledger_path", cfg.LedgerPath),
		zap.String("metrics_addr", cfg.MetricsAddr),
		zap.String("telemetry_addr", cfg.TelemetryAddr),
		zap.Uint64("slot", l.CurrentSlot()),
	)

	var onProgramReady func()
	if cfg.WaitForPrograms > 0 && isatty.IsTerminal(os.Stdout.Fd()) {
		onProgramReady = newWaitBar(cfg.WaitForPrograms)
	}

	return reg.Serve(ctx, ln, func(programID sealevel.PublicKey, ch *wire.Channel) {
		m.ActiveConnections.Inc()
		if onProgramReady != nil {
			onProgramReady()
		}
		go func() {
			c.Pump(ch)
			m.ActiveConnections.Dec()
		}()
	})
}

// newWaitBar renders a progress bar that fills as child programs
// register, for a developer who passed `--wait-for-programs` to watch a
// known-size fleet of debuggable programs announce themselves. Nothing
// blocks on the bar; the validator serves as soon as it is listening.
func newWaitBar(want int) func() {
	p := mpb.New(mpb.WithWidth(40))
	bar := p.New(int64(want),
		mpb.BarStyle(),
		mpb.PrependDecorators(decor.Name("programs registered")),
		mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
	)
	return func() {
		if !bar.Completed() {
			bar.Increment()
		}
	}
}

// wireAccountMeta is the /tx JSON shape a debug client submits for one
// account reference within an instruction.
type wireAccountMeta struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

type wireInstruction struct {
	ProgramID string            `json:"program_id"`
	Accounts  []wireAccountMeta `json:"accounts"`
	Data      string            `json:"data"` // base64
}

type wireTransaction struct {
	FeePayer     string            `json:"fee_payer"`
	Instructions []wireInstruction `json:"instructions"`
}

// newTxHandler exposes a minimal debug-only HTTP endpoint for submitting a
// transaction straight to the Instruction Executor, bypassing the
// (out-of-scope) networked JSON-RPC surface a full validator would have.
func newTxHandler(exec *executor.Executor, m *metrics.Metrics, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var tx wireTransaction
		if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		feePayer, err := solana.PublicKeyFromBase58(tx.FeePayer)
		if err != nil {
			http.Error(w, "bad fee_payer: "+err.Error(), http.StatusBadRequest)
			return
		}
		instructions := make([]sealevel.Instruction, 0, len(tx.Instructions))
		signers := map[solana.PublicKey]bool{feePayer: true}
		for _, wi := range tx.Instructions {
			programID, err := solana.PublicKeyFromBase58(wi.ProgramID)
			if err != nil {
				http.Error(w, "bad program_id: "+err.Error(), http.StatusBadRequest)
				return
			}
			data, err := base64.StdEncoding.DecodeString(wi.Data)
			if err != nil {
				http.Error(w, "bad instruction data: "+err.Error(), http.StatusBadRequest)
				return
			}
			metas := make([]sealevel.AccountMeta, 0, len(wi.Accounts))
			for _, wa := range wi.Accounts {
				pk, err := solana.PublicKeyFromBase58(wa.Pubkey)
				if err != nil {
					http.Error(w, "bad account pubkey: "+err.Error(), http.StatusBadRequest)
					return
				}
				if wa.Signer {
					signers[pk] = true
				}
				metas = append(metas, sealevel.AccountMeta{PublicKey: pk, IsSigner: wa.Signer, IsWritable: wa.Writable})
			}
			instructions = append(instructions, sealevel.Instruction{ProgramID: programID, Accounts: metas, Data: data})
		}

		result, err := exec.Execute(r.Context(), feePayer, instructions, true)
		if err != nil {
			logger.Info("transaction failed", zap.Error(err))
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		m.InstructionsExecuted.Add(float64(len(instructions)))
		m.FeesCollected.Add(float64(feePerSignerEstimate(len(signers))))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Logs []string `json:"logs"`
		}{Logs: result.Logs})
	}
}

// feePerSignerEstimate gives metrics the fee the executor charged a
// committed transaction, 5000 lamports per unique signer, without
// exposing the executor's internal constant.
func feePerSignerEstimate(numSigners int) int {
	return numSigners * 5000
}
