package evmerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutOfGasCarriesValues(t *testing.T) {
	err := fmt.Errorf("finalize: %w", OutOfGas(uint256.NewInt(21000), uint256.NewInt(41000)))
	require.ErrorIs(t, err, ErrOutOfGas)

	var oog *OutOfGasError
	require.True(t, errors.As(err, &oog))
	assert.Equal(t, uint64(21000), oog.Limit.Uint64())
	assert.Equal(t, uint64(41000), oog.Used.Uint64())
	assert.Equal(t, "G1_OutOfGas", GetErrorCodeWithName(oog))
}

func TestInvalidTagError(t *testing.T) {
	err := &InvalidTagError{Key: common.NamedPubkey("storage"), Expected: 23, Actual: 52}
	assert.ErrorIs(t, err, ErrAccountInvalidTag)
	assert.Equal(t, "A1", GetErrorCode(err))
	assert.Equal(t, "AccountInvalidTag", GetErrorName(err))
}

func TestAccountErr(t *testing.T) {
	err := AccountErr(ErrAccountBlocked, common.NamedPubkey("x"))
	assert.ErrorIs(t, err, ErrAccountBlocked)
	assert.NotErrorIs(t, err, ErrAccountMissing)
	assert.Equal(t, "", GetErrorName(errors.New("plain")))
}
