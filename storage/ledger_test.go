package storage

import (
	"errors"
	"testing"

	"github.com/colorfulnotion/evmloader/account"
	"github.com/colorfulnotion/evmloader/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	ps, err := NewMemoryPersistenceStore()
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	return NewLedger(ps)
}

func TestLedgerInvokeCommitsOnSuccess(t *testing.T) {
	l := newTestLedger(t)
	program := common.NamedPubkey("program")
	a, b := common.NamedPubkey("a"), common.NamedPubkey("b")
	require.NoError(t, l.Store(account.NewInfo(a, common.SystemProgramID, 100, nil, false, false)))

	metas := []AccountMeta{{Key: a, IsSigner: true, IsWritable: true}, {Key: b, IsWritable: true}}
	err := l.Invoke(metas, func(accounts []*account.Info) error {
		require.Len(t, accounts, 2)
		assert.Equal(t, uint64(100), accounts[0].Lamports)
		assert.Equal(t, uint64(0), accounts[1].Lamports)
		accounts[0].Lamports -= 40
		accounts[1].Lamports += 40
		if err := accounts[1].Assign(program); err != nil {
			return err
		}
		if err := accounts[1].Realloc(4); err != nil {
			return err
		}
		copy(accounts[1].Data(), []byte{1, 2, 3, 4})
		return nil
	})
	require.NoError(t, err)

	got, err := l.Load(b)
	require.NoError(t, err)
	assert.Equal(t, program, got.Owner)
	assert.Equal(t, uint64(40), got.Lamports)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.Data())
	assert.False(t, got.IsWritable)
}

func TestLedgerInvokeRollsBackOnError(t *testing.T) {
	l := newTestLedger(t)
	a := common.NamedPubkey("a")
	require.NoError(t, l.Store(account.NewInfo(a, common.SystemProgramID, 100, nil, false, false)))
	before, err := l.Snapshot(common.NamedPubkey("program"))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = l.Invoke([]AccountMeta{{Key: a, IsWritable: true}}, func(accounts []*account.Info) error {
		accounts[0].Lamports = 0
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := l.Snapshot(common.NamedPubkey("program"))
	require.NoError(t, err)
	_, changed, err := DiffSnapshots(before, after, false)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestLedgerReadOnlyAccountsNotPersisted(t *testing.T) {
	l := newTestLedger(t)
	a := common.NamedPubkey("a")
	require.NoError(t, l.Store(account.NewInfo(a, common.SystemProgramID, 100, nil, false, false)))

	require.NoError(t, l.Invoke([]AccountMeta{{Key: a}}, func(accounts []*account.Info) error {
		accounts[0].Lamports = 1
		return nil
	}))
	got, err := l.Load(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got.Lamports)
}

func TestLedgerSnapshotDiff(t *testing.T) {
	l := newTestLedger(t)
	program := common.NamedPubkey("program")
	a := common.NamedPubkey("a")
	require.NoError(t, l.Store(account.NewInfo(a, common.SystemProgramID, 100, nil, false, false)))
	before, err := l.Snapshot(program)
	require.NoError(t, err)

	require.NoError(t, l.Invoke([]AccountMeta{{Key: a, IsWritable: true}}, func(accounts []*account.Info) error {
		accounts[0].Lamports = 7
		return nil
	}))
	after, err := l.Snapshot(program)
	require.NoError(t, err)

	diff, changed, err := DiffSnapshots(before, after, false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Contains(t, diff, "lamports")

	// emptied system accounts disappear
	require.NoError(t, l.Invoke([]AccountMeta{{Key: a, IsWritable: true}}, func(accounts []*account.Info) error {
		accounts[0].Lamports = 0
		return nil
	}))
	final, err := l.Snapshot(program)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(final))
}
