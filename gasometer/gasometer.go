package gasometer

import (
	"github.com/colorfulnotion/evmloader/account"
	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/config"
	"github.com/colorfulnotion/evmloader/log"
	"github.com/colorfulnotion/evmloader/types"
	"github.com/holiman/uint256"
)

// Gasometer accumulates the gas charged to a transaction across invocations.
// Every counter only grows; UsedGas is their sum.
type Gasometer struct {
	cfg *config.Config

	paid             uint256.Int // restored from earlier invocations
	intrinsic        uint256.Int
	solanaTrx        uint256.Int
	evm              uint256.Int
	lookupTable      uint256.Int
	operatorExpenses uint256.Int

	refunded        uint64
	operatorAtStart uint64
}

// New starts metering from initialUsedGas with the operator's current lamports as the expense baseline.
func New(cfg *config.Config, initialUsedGas *uint256.Int, operator *account.Operator) *Gasometer {
	g := &Gasometer{cfg: cfg, operatorAtStart: operator.Lamports()}
	g.paid.Set(initialUsedGas)
	return g
}

func add(counter *uint256.Int, v uint64) {
	counter.AddUint64(counter, v)
}

// RecordIntrinsicCost charges the base transaction cost.
func (g *Gasometer) RecordIntrinsicCost(trx *types.Transaction) {
	cost := trx.IntrinsicGas()
	add(&g.intrinsic, cost)
	log.Trace(log.GasMonitoring, "intrinsic", "gas", cost)
}

// RecordSolanaTransactionCost charges the fixed cost of one host invocation.
func (g *Gasometer) RecordSolanaTransactionCost() {
	add(&g.solanaTrx, g.cfg.SolanaTransactionCost)
}

// RecordAddressLookupTable charges for invocations that resolved accounts through a lookup table.
func (g *Gasometer) RecordAddressLookupTable(accounts []*account.Info) {
	for _, info := range accounts {
		if info.Key == common.AddressLookupTableProgramID {
			add(&g.lookupTable, g.cfg.AddressLookupTableCost)
			return
		}
	}
}

func (g *Gasometer) RecordEvmGas(gas uint64) {
	add(&g.evm, gas)
}

// RecordOperatorExpenses charges the lamports the operator spent since New,
// less what was refunded to it. Repeated calls charge only the difference.
func (g *Gasometer) RecordOperatorExpenses(operator *account.Operator) {
	now := operator.Lamports()
	if now >= g.operatorAtStart {
		return
	}
	spent := g.operatorAtStart - now
	if spent <= g.refunded {
		return
	}
	charge := uint256.NewInt(spent - g.refunded)
	if charge.Gt(&g.operatorExpenses) {
		g.operatorExpenses.Set(charge)
	}
	log.Debug(log.GasMonitoring, "operator expenses", "lamports", spent, "refunded", g.refunded)
}

// RefundLamports records lamports returned to the operator during this invocation.
func (g *Gasometer) RefundLamports(lamports uint64) {
	g.refunded += lamports
}

func (g *Gasometer) Refunded() uint64 { return g.refunded }

// UsedGas is the total charged so far, saturating at 2^256-1.
func (g *Gasometer) UsedGas() *uint256.Int {
	total := g.paid.Clone()
	for _, c := range []*uint256.Int{&g.intrinsic, &g.solanaTrx, &g.evm, &g.lookupTable, &g.operatorExpenses} {
		if _, overflow := total.AddOverflow(total, c); overflow {
			return new(uint256.Int).SetAllOne()
		}
	}
	return total
}
