package precompile

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/evm"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/log"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/holiman/uint256"
)

var MetadataRegistryAddress = common.HexToAddress("0xff00000000000000000000000000000000000005")

const (
	maxNameLength   = 256
	maxSymbolLength = 256
	maxURILength    = 1024
)

const registryABIJSON = `[
	{"type":"function","name":"createMetadata","stateMutability":"nonpayable",
	 "inputs":[{"name":"mint","type":"bytes32"},{"name":"name","type":"string"},{"name":"symbol","type":"string"},{"name":"uri","type":"string"}],
	 "outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"createMasterEdition","stateMutability":"nonpayable",
	 "inputs":[{"name":"mint","type":"bytes32"},{"name":"maxSupply","type":"uint64"}],
	 "outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"isInitialized","stateMutability":"view",
	 "inputs":[{"name":"mint","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"isNFT","stateMutability":"view",
	 "inputs":[{"name":"mint","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"uri","stateMutability":"view",
	 "inputs":[{"name":"mint","type":"bytes32"}],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"name","stateMutability":"view",
	 "inputs":[{"name":"mint","type":"bytes32"}],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"symbol","stateMutability":"view",
	 "inputs":[{"name":"mint","type":"bytes32"}],"outputs":[{"name":"","type":"string"}]}
]`

var registryABI = mustParseABI(registryABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("registry abi: %v", err))
	}
	return parsed
}

// registry slots, all derived from the mint
var (
	fieldMetadata = []byte("metadata")
	fieldEdition  = []byte("edition")
	fieldName     = []byte("name")
	fieldSymbol   = []byte("symbol")
	fieldURI      = []byte("uri")
)

func slotOf(mint [32]byte, field []byte) *uint256.Int {
	h := common.Keccak256(mint[:], field)
	return new(uint256.Int).SetBytes(h[:])
}

func (d *Dispatcher) metadataRegistry(address common.Address, input []byte, ctx *evm.Context, isStatic bool) ([]byte, error) {
	if ctx.Value != nil && !ctx.Value.IsZero() {
		return nil, precompileErr(address, nil, evmerrors.ErrPrecompileValueTransfer)
	}
	if ctx.Contract != address {
		return nil, precompileErr(address, nil, evmerrors.ErrPrecompileDelegateCall)
	}
	if len(input) < 4 {
		return nil, precompileErr(address, nil, evmerrors.ErrOutOfBounds)
	}
	selector := input[:4]
	method, err := registryABI.MethodById(selector)
	if err != nil {
		return nil, precompileErr(address, selector, evmerrors.ErrUnknownPrecompileMethodSelector)
	}
	if !method.IsConstant() && isStatic {
		return nil, precompileErr(address, selector, evmerrors.ErrStaticModeViolation)
	}
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return nil, precompileErr(address, selector, fmt.Errorf("%s: %v: %w", method.Name, err, evmerrors.ErrOutOfBounds))
	}
	mint := args[0].([32]byte)

	var out []interface{}
	switch method.Name {
	case "createMetadata":
		name, symbol, uri := args[1].(string), args[2].(string), args[3].(string)
		if err := checkString(name, maxNameLength); err != nil {
			return nil, precompileErr(address, selector, err)
		}
		if err := checkString(symbol, maxSymbolLength); err != nil {
			return nil, precompileErr(address, selector, err)
		}
		if err := checkString(uri, maxURILength); err != nil {
			return nil, precompileErr(address, selector, err)
		}
		key, err := d.createMetadata(address, mint, name, symbol, uri)
		if err != nil {
			return nil, precompileErr(address, selector, err)
		}
		out = []interface{}{key}
	case "createMasterEdition":
		key, err := d.createMasterEdition(address, mint, args[1].(uint64))
		if err != nil {
			return nil, precompileErr(address, selector, err)
		}
		out = []interface{}{key}
	case "isInitialized", "isNFT":
		field := fieldMetadata
		if method.Name == "isNFT" {
			field = fieldEdition
		}
		v, err := d.state.Storage(address, slotOf(mint, field))
		if err != nil {
			return nil, err
		}
		out = []interface{}{!v.IsZero()}
	case "name", "symbol", "uri":
		field := map[string][]byte{"name": fieldName, "symbol": fieldSymbol, "uri": fieldURI}[method.Name]
		s, err := d.readString(address, slotOf(mint, field))
		if err != nil {
			return nil, err
		}
		out = []interface{}{s}
	}
	return method.Outputs.Pack(out...)
}

func checkString(s string, limit int) error {
	if len(s) > limit {
		return fmt.Errorf("string of %d bytes, max %d: %w", len(s), limit, evmerrors.ErrOutOfBounds)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("invalid utf8 string: %w", evmerrors.ErrOutOfBounds)
	}
	return nil
}

func (d *Dispatcher) createMetadata(address common.Address, mint [32]byte, name, symbol, uri string) ([32]byte, error) {
	flag := slotOf(mint, fieldMetadata)
	existing, err := d.state.Storage(address, flag)
	if err != nil {
		return [32]byte{}, err
	}
	if !existing.IsZero() {
		return [32]byte{}, evmerrors.ErrPrecompileAlreadyInitialized
	}
	fields := []struct {
		field []byte
		value string
	}{{fieldName, name}, {fieldSymbol, symbol}, {fieldURI, uri}}
	for _, f := range fields {
		if err := d.writeString(address, slotOf(mint, f.field), f.value); err != nil {
			return [32]byte{}, err
		}
	}
	if err := d.state.SetStorage(address, flag, uint256.NewInt(1)); err != nil {
		return [32]byte{}, err
	}
	d.state.ChargeTreasuryFee(d.cfg.MetadataCreateFee)
	log.Debug(log.EVMMonitoring, "metadata created", "mint", common.Bytes2Hex(mint[:]), "name", name, "symbol", symbol)
	return flag.Bytes32(), nil
}

// createMasterEdition records the supply cap; a mint with an edition reads as an NFT.
func (d *Dispatcher) createMasterEdition(address common.Address, mint [32]byte, maxSupply uint64) ([32]byte, error) {
	edition := slotOf(mint, fieldEdition)
	existing, err := d.state.Storage(address, edition)
	if err != nil {
		return [32]byte{}, err
	}
	if !existing.IsZero() {
		return [32]byte{}, evmerrors.ErrPrecompileAlreadyInitialized
	}
	// stored +1 so an unlimited edition is still nonzero
	value := new(uint256.Int).AddUint64(uint256.NewInt(maxSupply), 1)
	if err := d.state.SetStorage(address, edition, value); err != nil {
		return [32]byte{}, err
	}
	d.state.ChargeTreasuryFee(d.cfg.MetadataCreateFee)
	return edition.Bytes32(), nil
}

// writeString stores the length at base and the bytes in 32-byte words after it.
func (d *Dispatcher) writeString(address common.Address, base *uint256.Int, s string) error {
	if err := d.state.SetStorage(address, base, uint256.NewInt(uint64(len(s)))); err != nil {
		return err
	}
	data := []byte(s)
	for i := 0; i*32 < len(data); i++ {
		var word [32]byte
		copy(word[:], data[i*32:])
		key := new(uint256.Int).AddUint64(base, uint64(i+1))
		if err := d.state.SetStorage(address, key, new(uint256.Int).SetBytes32(word[:])); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) readString(address common.Address, base *uint256.Int) (string, error) {
	length, err := d.state.Storage(address, base)
	if err != nil {
		return "", err
	}
	if !length.IsUint64() || length.Uint64() > maxURILength {
		return "", fmt.Errorf("stored string length %s: %w", length.Dec(), evmerrors.ErrOutOfBounds)
	}
	n := int(length.Uint64())
	data := make([]byte, 0, n+32)
	for i := 0; len(data) < n; i++ {
		key := new(uint256.Int).AddUint64(base, uint64(i+1))
		word, err := d.state.Storage(address, key)
		if err != nil {
			return "", err
		}
		b := word.Bytes32()
		data = append(data, b[:]...)
	}
	return string(data[:n]), nil
}
