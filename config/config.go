package config

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/colorfulnotion/evmloader/common"
)

//go:embed *.json
var configFS embed.FS

var networkFile = map[string]string{
	"devnet":  "devnet.json",
	"mainnet": "mainnet.json",
}

// Config holds the program parameters that the host ledger fixes at deployment.
type Config struct {
	Network   string        `json:"network"`
	ProgramID common.Pubkey `json:"program_id"`
	ChainID   uint64        `json:"chain_id"`

	TreasuryPoolSeed  string          `json:"treasury_pool_seed"`
	TreasuryPoolCount uint32          `json:"treasury_pool_count"`
	Operators         []common.Pubkey `json:"operators"` // empty: any signer may operate

	SolanaTransactionCost  uint64 `json:"solana_transaction_cost"`
	AddressLookupTableCost uint64 `json:"address_lookup_table_cost"`

	MaxPermittedDataIncrease int    `json:"max_permitted_data_increase"`
	LamportsPerByteYear      uint64 `json:"lamports_per_byte_year"`
	ExemptionThresholdYears  uint64 `json:"exemption_threshold_years"`
	AccountStorageOverhead   uint64 `json:"account_storage_overhead"`

	MetadataCreateFee uint64 `json:"metadata_create_fee"`

	DefaultStepBudget        uint64 `json:"default_step_budget"`
	MaxEvmStepsPerInvocation uint64 `json:"max_evm_steps_per_invocation"`
}

// DefaultConfig returns the devnet parameters.
func DefaultConfig() *Config {
	cfg, err := ReadConfig("devnet")
	if err != nil {
		panic(fmt.Sprintf("embedded devnet config: %v", err))
	}
	return cfg
}

// ReadConfig loads an embedded network config by name, or a JSON file by path.
func ReadConfig(id string) (cfg *Config, err error) {
	var data []byte
	path, ok := networkFile[id]
	if ok {
		data, err = configFS.ReadFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		data, err = os.ReadFile(id)
		if err != nil {
			return nil, err
		}
	}
	cfg = &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", id, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", id, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.ChainID == 0:
		return fmt.Errorf("chain_id must be set")
	case c.TreasuryPoolCount == 0:
		return fmt.Errorf("treasury_pool_count must be positive")
	case c.TreasuryPoolSeed == "":
		return fmt.Errorf("treasury_pool_seed must be set")
	case c.MaxPermittedDataIncrease <= 0:
		return fmt.Errorf("max_permitted_data_increase must be positive")
	case c.MaxEvmStepsPerInvocation == 0:
		return fmt.Errorf("max_evm_steps_per_invocation must be positive")
	}
	return nil
}

// IsOperator reports whether key may sign invocations.
func (c *Config) IsOperator(key common.Pubkey) bool {
	if len(c.Operators) == 0 {
		return true
	}
	for _, op := range c.Operators {
		if op == key {
			return true
		}
	}
	return false
}

// RentExemptMinimum is the lamport balance a region of dataLen bytes must hold.
func (c *Config) RentExemptMinimum(dataLen int) uint64 {
	return (c.AccountStorageOverhead + uint64(dataLen)) * c.LamportsPerByteYear * c.ExemptionThresholdYears
}

// String method returns the Config as a formatted JSON string
func (c *Config) String() string {
	jsonData, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("Error marshaling JSON: %v", err)
	}
	return string(jsonData)
}
