package account

import (
	"fmt"

	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/evmerrors"
	"github.com/colorfulnotion/evmloader/log"
)

// Info is one account region passed to an invocation.
type Info struct {
	Key        common.Pubkey
	Owner      common.Pubkey
	Lamports   uint64
	IsSigner   bool
	IsWritable bool
	Executable bool

	data   []byte
	borrow int // >0 shared readers, -1 exclusive writer
}

func NewInfo(key, owner common.Pubkey, lamports uint64, data []byte, isSigner, isWritable bool) *Info {
	return &Info{Key: key, Owner: owner, Lamports: lamports, data: data, IsSigner: isSigner, IsWritable: isWritable}
}

// Data returns the region for reading. It panics while an exclusive borrow is live.
func (a *Info) Data() []byte {
	if a.borrow < 0 {
		panic(fmt.Sprintf("account %s: read while exclusively borrowed", a.Key.String_short()))
	}
	return a.data
}

// Borrow takes a shared borrow of the region.
func (a *Info) Borrow() ([]byte, func(), error) {
	if a.borrow < 0 {
		return nil, nil, evmerrors.AccountErr(evmerrors.ErrAccountBorrowFailed, a.Key)
	}
	a.borrow++
	released := false
	return a.data, func() {
		if !released {
			released = true
			a.borrow--
		}
	}, nil
}

// BorrowMut takes the exclusive borrow of the region. The account must be writable.
func (a *Info) BorrowMut() ([]byte, func(), error) {
	if !a.IsWritable {
		return nil, nil, evmerrors.AccountErr(evmerrors.ErrAccountBorrowFailed, a.Key)
	}
	if a.borrow != 0 {
		return nil, nil, evmerrors.AccountErr(evmerrors.ErrAccountBorrowFailed, a.Key)
	}
	a.borrow = -1
	released := false
	return a.data, func() {
		if !released {
			released = true
			a.borrow = 0
		}
	}, nil
}

// Realloc resizes the region, zero-filling any growth.
func (a *Info) Realloc(size int) error {
	if !a.IsWritable || a.borrow != 0 {
		return evmerrors.AccountErr(evmerrors.ErrAccountBorrowFailed, a.Key)
	}
	switch {
	case size <= len(a.data):
		a.data = a.data[:size]
	case size <= cap(a.data):
		prev := len(a.data)
		a.data = a.data[:size]
		clear(a.data[prev:])
	default:
		grown := make([]byte, size)
		copy(grown, a.data)
		a.data = grown
	}
	return nil
}

// Assign transfers ownership. Only regions with no data may change owner.
func (a *Info) Assign(owner common.Pubkey) error {
	if len(a.data) != 0 && a.Owner != owner {
		return evmerrors.AccountErr(evmerrors.ErrAccountInvalidOwner, a.Key)
	}
	a.Owner = owner
	return nil
}

func (a *Info) String() string {
	return fmt.Sprintf("%s owner=%s lamports=%d len=%d signer=%v writable=%v",
		a.Key.String_short(), a.Owner.String_short(), a.Lamports, len(a.data), a.IsSigner, a.IsWritable)
}

// AccountsDB is the arena of regions passed to one invocation: the fixed
// operator, treasury and system accounts plus the application accounts indexed by key.
type AccountsDB struct {
	operator        *Operator
	operatorBalance *Balance
	treasury        *Treasury
	system          *System

	accounts []*Info
	index    map[common.Pubkey]int
}

func NewAccountsDB(accounts []*Info, operator *Operator, operatorBalance *Balance, system *System, treasury *Treasury) *AccountsDB {
	db := &AccountsDB{
		operator:        operator,
		operatorBalance: operatorBalance,
		treasury:        treasury,
		system:          system,
		accounts:        make([]*Info, 0, len(accounts)),
		index:           make(map[common.Pubkey]int, len(accounts)),
	}
	for _, info := range accounts {
		if _, dup := db.index[info.Key]; dup {
			log.Warn(log.AccountMonitoring, "duplicate account ignored", "key", info.Key.String_short())
			continue
		}
		db.index[info.Key] = len(db.accounts)
		db.accounts = append(db.accounts, info)
	}
	return db
}

func (db *AccountsDB) Operator() *Operator { return db.operator }

func (db *AccountsDB) OperatorBalance() *Balance { return db.operatorBalance }

func (db *AccountsDB) Treasury() *Treasury { return db.treasury }

func (db *AccountsDB) System() *System { return db.system }

// Accounts returns the application accounts in invocation order.
func (db *AccountsDB) Accounts() []*Info { return db.accounts }

func (db *AccountsDB) Len() int { return len(db.accounts) }

func (db *AccountsDB) Find(key common.Pubkey) (*Info, bool) {
	if i, ok := db.index[key]; ok {
		return db.accounts[i], true
	}
	if db.operatorBalance != nil && db.operatorBalance.info.Key == key {
		return db.operatorBalance.info, true
	}
	return nil, false
}

// Get returns the region for key or AccountMissing.
func (db *AccountsDB) Get(key common.Pubkey) (*Info, error) {
	if info, ok := db.Find(key); ok {
		return info, nil
	}
	return nil, evmerrors.AccountErr(evmerrors.ErrAccountMissing, key)
}
