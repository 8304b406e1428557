package controller

import (
	"fmt"

	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/ethereum/go-ethereum/rlp"
)

const continuationVersion byte = 1

// continuation is what a STATE region carries between invocations.
type continuation struct {
	Transaction []byte
	Machine     []byte
	Executor    []byte
}

func (c *continuation) encode() ([]byte, error) {
	body, err := rlp.EncodeToBytes(c)
	if err != nil {
		return nil, err
	}
	return append([]byte{continuationVersion}, body...), nil
}

func decodeContinuation(blob []byte) (*continuation, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty continuation: %w", evmerrors.ErrUnsupportedStateVersion)
	}
	if blob[0] != continuationVersion {
		return nil, fmt.Errorf("continuation version %d: %w", blob[0], evmerrors.ErrUnsupportedStateVersion)
	}
	var c continuation
	if err := rlp.DecodeBytes(blob[1:], &c); err != nil {
		return nil, fmt.Errorf("continuation: %v: %w", err, evmerrors.ErrUnsupportedStateVersion)
	}
	return &c, nil
}
