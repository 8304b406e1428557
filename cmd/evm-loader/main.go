// evm-loader drives the EVM execution controller against a local LevelDB ledger.
// It seeds devnet accounts, submits one-shot or multi-step transactions and
// inspects or diffs the stored regions.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/colorfulnotion/evmloader/account"
	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/config"
	"github.com/colorfulnotion/evmloader/controller"
	"github.com/colorfulnotion/evmloader/evm"
	log "github.com/colorfulnotion/evmloader/log"
	"github.com/colorfulnotion/evmloader/storage"
	"github.com/colorfulnotion/evmloader/telemetry"
	"github.com/colorfulnotion/evmloader/types"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type globalFlags struct {
	dataPath       string
	network        string
	logLevel       string
	debug          string
	operatorName   string
	minerIndex     int
	treasuryIndex  uint32
	telemetryAddr  string
	tracingURL     string
	tracingRatio   float64
	accountsExtra  []string
	coloredDiff    bool
	genesisBalance uint64
}

// session is everything one command needs: config, ledger and event sink.
type session struct {
	cfg     *config.Config
	ledger  *storage.Ledger
	store   *storage.PersistenceStore
	events  types.EventSink
	keys    fixedKeys
	tracing *telemetry.Tracing
	client  *telemetry.TelemetryClient
}

func openSession(ctx context.Context, g *globalFlags) (*session, error) {
	log.InitLogger(g.logLevel)
	log.EnableModules(g.debug)

	cfg, err := config.ReadConfig(g.network)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewPersistenceStore(g.dataPath)
	if err != nil {
		return nil, err
	}
	s := &session{
		cfg:    cfg,
		ledger: storage.NewLedger(store),
		store:  store,
		events: &types.EventLog{},
		keys:   newFixedKeys(cfg, g.operatorName, g.minerIndex, g.treasuryIndex),
	}
	if g.telemetryAddr != "" {
		host, port, ok := strings.Cut(g.telemetryAddr, ":")
		if !ok {
			s.Close()
			return nil, fmt.Errorf("telemetry address %q is not host:port", g.telemetryAddr)
		}
		s.client = telemetry.NewTelemetryClient(host, port)
		info := telemetry.ProgramInfo{ProgramID: cfg.ProgramID, ChainID: cfg.ChainID, Network: cfg.Network, Version: Version}
		if err := s.client.Connect(info); err != nil {
			log.Warn(log.TelemetryMonitoring, "telemetry disabled", "err", err)
			s.client = nil
		} else {
			s.events = s.client
		}
	}
	if s.tracing, err = telemetry.StartTracing(ctx, telemetry.TracingConfig{Endpoint: g.tracingURL, SampleRatio: g.tracingRatio}, "evm-loader"); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) Close() {
	if s.client != nil {
		s.client.Close()
	}
	s.tracing.Shutdown()
	s.store.Close()
}

func (s *session) printEvents() {
	l, ok := s.events.(*types.EventLog)
	if !ok {
		return
	}
	for _, ev := range l.Events {
		fields := make([]string, len(ev.Fields))
		for i, f := range ev.Fields {
			fields[i] = fmt.Sprintf("0x%x", f)
		}
		fmt.Printf("  %-7s %s\n", ev.Name, strings.Join(fields, " "))
	}
}

func main() {
	var rootCmd = &cobra.Command{
		Use:     "evm-loader",
		Short:   "EVM execution controller on a local ledger",
		Version: fmt.Sprintf("%s (%s, %s)", Version, Commit, BuildTime),
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	g := &globalFlags{}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.dataPath, "data", "./evm-loader-db", "LevelDB ledger directory")
	pf.StringVar(&g.network, "network", "devnet", "network config name or JSON path")
	pf.StringVar(&g.logLevel, "log-level", "info", "trace, debug, info, warn, error")
	pf.StringVar(&g.debug, "debug", "", "comma separated log modules, or all")
	pf.StringVar(&g.operatorName, "operator", "operator", "operator key name")
	pf.IntVar(&g.minerIndex, "miner", 2, "dev account index receiving gas payments")
	pf.Uint32Var(&g.treasuryIndex, "treasury-index", 0, "treasury pool index")
	pf.StringVar(&g.telemetryAddr, "telemetry", "", "telemetry server host:port")
	pf.StringVar(&g.tracingURL, "otlp", "", "OTLP/HTTP tracing endpoint")
	pf.Float64Var(&g.tracingRatio, "otlp-ratio", 1, "trace sample ratio")
	pf.StringSliceVar(&g.accountsExtra, "account", nil, "extra application account (hex pubkey)")

	var genesisCmd = &cobra.Command{
		Use:   "genesis",
		Short: "Seed the operator, the treasury pools, the miner and funded dev accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := seedGenesis(s.cfg, s.ledger, s.keys, g.genesisBalance); err != nil {
				return err
			}
			fmt.Printf("✓ genesis written to %s (operator %s)\n", g.dataPath, s.keys.operator.Hex())
			return nil
		},
	}
	genesisCmd.Flags().Uint64Var(&g.genesisBalance, "balance", 1_000_000_000_000_000, "balance of each dev account")

	var executeCmd = &cobra.Command{
		Use:   "execute <raw-trx-hex>",
		Short: "Run a transaction in a single invocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer s.Close()
			raw := common.FromHex(args[0])
			metas, err := s.keys.oneShotMetas(s.cfg, raw, g.accountsExtra)
			if err != nil {
				return err
			}
			payload := (&controller.OneShotPayload{TreasuryIndex: g.treasuryIndex, Transaction: raw}).Bytes()
			err = s.ledger.Invoke(metas, func(infos []*account.Info) error {
				return controller.ExecuteOneShot(cmd.Context(), controller.NewEnv(s.cfg, infos, evm.NewFactory(), s.events), payload)
			})
			s.printEvents()
			return err
		},
	}

	var (
		holderName string
		budget     uint32
		resumeOnly bool
		maxInvokes int
	)
	var stepCmd = &cobra.Command{
		Use:   "step [raw-trx-hex]",
		Short: "Run a transaction over several invocations through a holder region",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer s.Close()
			holder, err := s.keys.ensureHolder(s.cfg, s.ledger, holderName)
			if err != nil {
				return err
			}
			var raw []byte
			if len(args) == 1 {
				raw = common.FromHex(args[0])
			}
			entry := controller.BeginOrContinue
			if resumeOnly {
				entry = controller.Continue
			}
			for i := 0; i < maxInvokes; i++ {
				metas, err := s.keys.stepMetas(s.cfg, s.ledger, holder, raw, g.accountsExtra)
				if err != nil {
					return err
				}
				payload := (&controller.StepPayload{TreasuryIndex: g.treasuryIndex, StepBudget: budget, Transaction: raw}).Bytes()
				err = s.ledger.Invoke(metas, func(infos []*account.Info) error {
					return entry(cmd.Context(), controller.NewEnv(s.cfg, infos, evm.NewFactory(), s.events), payload)
				})
				if err != nil {
					s.printEvents()
					return err
				}
				info, err := s.ledger.Load(holder)
				if err != nil {
					return err
				}
				tag, err := account.TagOf(s.cfg.ProgramID, info)
				if err != nil {
					return err
				}
				fmt.Printf("invocation %d: %s\n", i+1, tag)
				if tag == account.TagStateFinalized {
					break
				}
				entry = controller.Continue
			}
			s.printEvents()
			return nil
		},
	}
	stepCmd.Flags().StringVar(&holderName, "holder", "holder-0", "holder region name")
	stepCmd.Flags().Uint32Var(&budget, "budget", 0, "EVM steps per invocation (0: network default)")
	stepCmd.Flags().BoolVar(&resumeOnly, "continue", false, "only resume a transaction already in flight")
	stepCmd.Flags().IntVar(&maxInvokes, "max-invocations", 1000, "stop after this many invocations")

	var dumpCmd = &cobra.Command{
		Use:   "dump <pubkey-hex>...",
		Short: "Print stored regions and their decoded layout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer s.Close()
			for _, arg := range args {
				key, err := common.HexToPubkey(arg)
				if err != nil {
					return err
				}
				info, err := s.ledger.Load(key)
				if err != nil {
					return err
				}
				fmt.Print(account.Dump(s.cfg.ProgramID, info).String())
			}
			return nil
		},
	}

	var snapshotCmd = &cobra.Command{
		Use:   "snapshot <out.json>",
		Short: "Write every stored region as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer s.Close()
			snap, err := s.ledger.Snapshot(s.cfg.ProgramID)
			if err != nil {
				return err
			}
			return os.WriteFile(args[0], snap, 0644)
		},
	}

	var diffCmd = &cobra.Command{
		Use:   "diff <before.json> <after.json>",
		Short: "Show what changed between two snapshots",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			before, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			after, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			diff, changed, err := storage.DiffSnapshots(before, after, g.coloredDiff)
			if err != nil {
				return err
			}
			if !changed {
				fmt.Println("no changes")
				return nil
			}
			fmt.Print(diff)
			return nil
		},
	}
	diffCmd.Flags().BoolVar(&g.coloredDiff, "color", true, "colored output")

	rootCmd.AddCommand(genesisCmd, executeCmd, stepCmd, dumpCmd, snapshotCmd, diffCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
