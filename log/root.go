package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	ethlog "github.com/ethereum/go-ethereum/log"
)

const (
	ControllerMonitoring = "ctrl_mod"   // begin / continue / finalize
	GasMonitoring        = "gas_mod"    // gasometer
	AccountMonitoring    = "acct_mod"   // tags, migration, allocation
	TrieMonitoring       = "trie_mod"   // storage trie
	LedgerMonitoring     = "ledger_mod" // host ledger persistence
	EVMMonitoring        = "evm_mod"    // machine + precompiles
	TelemetryMonitoring  = "tele_mod"   // event stream + tracing
)

var root atomic.Value

func init() {
	root.Store(NewLogger(ethlog.DiscardHandler()))
}

func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "MAX", "MAXVERBOSITY":
		return levelMaxVerbosity, nil
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	default:
		return 0, fmt.Errorf("invalid level: %s", lvl)
	}
}

func InitLogger(logLevel string) {
	logLvl, err := ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	SetDefault(NewLogger(ethlog.NewTerminalHandlerWithLevel(os.Stderr, logLvl, true)))
}

// InitJSONLogger routes every record to w as one JSON object per line.
func InitJSONLogger(w io.Writer, logLevel string) error {
	logLvl, err := ParseLevel(logLevel)
	if err != nil {
		return err
	}
	SetDefault(NewLogger(ethlog.JSONHandlerWithLevel(w, logLvl)))
	return nil
}

// SetDefault sets the default global logger
func SetDefault(l Logger) {
	root.Store(l)
	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

// Root returns the root logger
func Root() Logger {
	return root.Load().(Logger)
}

var knownModules = []string{ControllerMonitoring, GasMonitoring, AccountMonitoring, TrieMonitoring, LedgerMonitoring, EVMMonitoring, TelemetryMonitoring}

// --- Module management ---
// moduleEnabled keeps track of whether a module's trace/debug logging is enabled.
var (
	moduleMu      sync.RWMutex
	moduleEnabled = make(map[string]bool)
)

// EnableModule enables logging for the specified module.
func EnableModule(module string) {
	moduleMu.Lock()
	defer moduleMu.Unlock()
	moduleEnabled[module] = true
}

// DisableModule disables logging for the specified module.
func DisableModule(module string) {
	moduleMu.Lock()
	defer moduleMu.Unlock()
	moduleEnabled[module] = false
}

// EnableModules takes a comma separated list; "all" enables every known module.
func EnableModules(list string) {
	for _, module := range strings.Split(list, ",") {
		module = strings.TrimSpace(module)
		switch module {
		case "":
		case "all":
			for _, m := range knownModules {
				EnableModule(m)
			}
		default:
			EnableModule(module)
		}
	}
}

// isModuleEnabled checks if logging is enabled for the given module.
func isModuleEnabled(module string) bool {
	moduleMu.RLock()
	defer moduleMu.RUnlock()
	return moduleEnabled[module]
}

// Trace logs a message at the trace level for a specific module.
func Trace(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(LevelTrace, module, msg, ctx...)
}

// Debug logs a message at the debug level for a specific module.
func Debug(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(slog.LevelDebug, module, msg, ctx...)
}

// The rest of the logging functions (Info, Warn, Error, Crit, New) dont filter on module
func Info(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelInfo, module, msg, ctx...)
}

func Warn(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelWarn, module, msg, ctx...)
}

func Error(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelError, module, msg, ctx...)
}

func Crit(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}

func New(ctx ...interface{}) Logger {
	return Root().With(ctx...)
}
