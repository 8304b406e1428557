package account

import (
	"fmt"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/config"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/log"
)

// Operator is the signer that submits invocations and fronts their rent.
type Operator struct {
	info *Info
}

func OperatorFromAccount(cfg *config.Config, info *Info) (*Operator, error) {
	if !info.IsSigner {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountNotSigner, info.Key)
	}
	if !cfg.IsOperator(info.Key) {
		return nil, evmerrors.AccountErr(evmerrors.ErrOperatorNotAuthorized, info.Key)
	}
	return &Operator{info: info}, nil
}

func (o *Operator) Key() common.Pubkey { return o.info.Key }

func (o *Operator) Lamports() uint64 { return o.info.Lamports }

func (o *Operator) Info() *Info { return o.info }

// Credit adds lamports returned to the operator.
func (o *Operator) Credit(lamports uint64) {
	o.info.Lamports += lamports
}

// Treasury is one of the fee pools selected by index in the payload.
type Treasury struct {
	info  *Info
	index uint32
}

func TreasuryFromAccount(programID common.Pubkey, cfg *config.Config, index uint32, info *Info) (*Treasury, error) {
	if index >= cfg.TreasuryPoolCount {
		return nil, fmt.Errorf("index %d of %d: %w", index, cfg.TreasuryPoolCount, evmerrors.ErrInvalidTreasuryIndex)
	}
	if info.Key != TreasuryKey(programID, cfg.TreasuryPoolSeed, index) {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountInvalidKey, info.Key)
	}
	return &Treasury{info: info, index: index}, nil
}

func (t *Treasury) Index() uint32 { return t.index }

func (t *Treasury) Info() *Info { return t.info }

// System is the host's system program: account creation and lamport transfers.
type System struct {
	info *Info
}

func SystemFromAccount(info *Info) (*System, error) {
	if info.Key != common.SystemProgramID {
		return nil, evmerrors.AccountErr(evmerrors.ErrAccountInvalidKey, info.Key)
	}
	return &System{info: info}, nil
}

// Transfer moves lamports between two writable regions.
func (s *System) Transfer(from, to *Info, lamports uint64) error {
	if lamports == 0 {
		return nil
	}
	if !from.IsWritable || !to.IsWritable {
		return evmerrors.AccountErr(evmerrors.ErrAccountBorrowFailed, from.Key)
	}
	if from.Lamports < lamports {
		return fmt.Errorf("%s has %d, needs %d: %w", from.Key.String_short(), from.Lamports, lamports, evmerrors.ErrInsufficientLamports)
	}
	from.Lamports -= lamports
	to.Lamports += lamports
	return nil
}

// CreateAccount funds target up to lamports, allocates space and assigns it to owner.
func (s *System) CreateAccount(payer *Operator, target *Info, owner common.Pubkey, space int, lamports uint64) error {
	if target.Owner != common.SystemProgramID || len(target.Data()) != 0 {
		return evmerrors.AccountErr(evmerrors.ErrAccountInvalidOwner, target.Key)
	}
	if target.Lamports < lamports {
		if err := s.Transfer(payer.info, target, lamports-target.Lamports); err != nil {
			return err
		}
	}
	if err := target.Assign(owner); err != nil {
		return err
	}
	if err := target.Realloc(space); err != nil {
		return err
	}
	log.Debug(log.AccountMonitoring, "account created", "key", target.Key.String_short(), "space", space, "lamports", target.Lamports)
	return nil
}

// Fund tops target up to lamports from the operator.
func (s *System) Fund(payer *Operator, target *Info, lamports uint64) error {
	if target.Lamports >= lamports {
		return nil
	}
	return s.Transfer(payer.info, target, lamports-target.Lamports)
}
