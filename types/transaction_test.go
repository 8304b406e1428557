package types

import (
	"math/big"
	"testing"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/evmerrors"
	ethereumCommon "github.com/ethereum/go-ethereum/common"
	ethereumTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChainID = 245022926

func signTx(t *testing.T, txdata ethereumTypes.TxData, signer ethereumTypes.Signer) []byte {
	t.Helper()
	_, keyHex := common.GetEVMDevAccount(0)
	key, err := crypto.HexToECDSA(keyHex)
	require.NoError(t, err)
	tx, err := ethereumTypes.SignNewTx(key, signer, txdata)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func TestDecodeLegacyTransfer(t *testing.T) {
	to := ethereumCommon.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	raw := signTx(t, &ethereumTypes.LegacyTx{
		Nonce: 3, GasPrice: big.NewInt(10), Gas: 21000, To: &to, Value: big.NewInt(1000),
	}, ethereumTypes.NewEIP155Signer(big.NewInt(testChainID)))

	trx, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), trx.Nonce())
	assert.Equal(t, uint64(10), trx.GasPrice().Uint64())
	assert.Equal(t, uint64(21000), trx.GasLimit().Uint64())
	assert.Equal(t, uint64(1000), trx.Value().Uint64())
	require.NotNil(t, trx.ChainID())
	assert.Equal(t, uint64(testChainID), *trx.ChainID())
	assert.Equal(t, common.Address(to), *trx.Target())
	assert.Equal(t, uint64(21000), trx.IntrinsicGas())
	assert.Equal(t, common.Hash(crypto.Keccak256Hash(raw)), trx.Hash())

	origin, err := trx.RecoverCallerAddress()
	require.NoError(t, err)
	dev, _ := common.GetEVMDevAccount(0)
	assert.Equal(t, dev, origin)
}

func TestDecodeUnprotectedLegacy(t *testing.T) {
	raw := signTx(t, &ethereumTypes.LegacyTx{
		Nonce: 0, GasPrice: big.NewInt(1), Gas: 100000, Data: []byte{0x60, 0x01, 0x00},
	}, ethereumTypes.HomesteadSigner{})

	trx, err := Decode(raw)
	require.NoError(t, err)
	assert.Nil(t, trx.ChainID())
	assert.Equal(t, uint64(77), trx.ChainIDOr(77))
	assert.True(t, trx.IsCreate())
	// create base + two non-zero bytes + one zero byte + one init code word
	assert.Equal(t, uint64(53000+2*16+4+2), trx.IntrinsicGas())

	origin, err := trx.RecoverCallerAddress()
	require.NoError(t, err)
	dev, _ := common.GetEVMDevAccount(0)
	assert.Equal(t, dev, origin)
}

func TestDecodeFromBuffer(t *testing.T) {
	to := ethereumCommon.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	raw := signTx(t, &ethereumTypes.DynamicFeeTx{
		ChainID: big.NewInt(testChainID), Nonce: 1, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(7),
		Gas: 50000, To: &to, Value: big.NewInt(5),
	}, ethereumTypes.LatestSignerForChainID(big.NewInt(testChainID)))

	buf := make([]byte, len(raw)+512)
	copy(buf, raw)
	n, err := EncodedLength(buf)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)

	trx, err := DecodeFromBuffer(buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(ethereumTypes.DynamicFeeTxType), trx.Type())
	assert.Equal(t, uint64(7), trx.GasPrice().Uint64())
	assert.Equal(t, raw, trx.Raw())

	_, err = Decode(buf)
	assert.ErrorIs(t, err, evmerrors.ErrTransactionDecode)

	_, err = DecodeFromBuffer(make([]byte, 64))
	assert.ErrorIs(t, err, evmerrors.ErrHolderTransactionEmpty)
}

func TestEvents(t *testing.T) {
	var events EventLog
	events.Emit(GasEvent(21000))
	events.Emit(ReturnEvent(0x11, nil))
	gas := events.Named(EventGas)
	require.Len(t, gas, 1)
	assert.Equal(t, gas[0].Fields[0], gas[0].Fields[1])
	assert.Equal(t, []byte{0x08, 0x52, 0, 0, 0, 0, 0, 0}, gas[0].Fields[0])
}
