package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/colorfulnotion/evmloader/account"
	"github.com/colorfulnotion/evmloader/common"
	"github.com/colorfulnotion/evmloader/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

var accountPrefix = []byte("acct:")

// AccountMeta names one account of an invocation and how it is passed.
type AccountMeta struct {
	Key        common.Pubkey
	IsSigner   bool
	IsWritable bool
}

type accountRecord struct {
	Owner      common.Pubkey
	Lamports   uint64
	Executable bool
	Data       []byte
}

// Ledger simulates the host: it hands account regions to one invocation at a time
// and keeps the writes only when the invocation succeeds.
type Ledger struct {
	mu    sync.Mutex
	store *PersistenceStore
}

func NewLedger(store *PersistenceStore) *Ledger {
	return &Ledger{store: store}
}

func recordKey(key common.Pubkey) []byte {
	return append(append([]byte(nil), accountPrefix...), key[:]...)
}

func (l *Ledger) load(meta AccountMeta) (*account.Info, error) {
	raw, found, err := l.store.Get(recordKey(meta.Key))
	if err != nil {
		return nil, err
	}
	info := account.NewInfo(meta.Key, common.SystemProgramID, 0, nil, meta.IsSigner, meta.IsWritable)
	if !found {
		return info, nil
	}
	var rec accountRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", meta.Key.String_short(), err)
	}
	info.Owner = rec.Owner
	info.Lamports = rec.Lamports
	info.Executable = rec.Executable
	if len(rec.Data) > 0 {
		if err := info.Realloc(len(rec.Data)); err != nil {
			return nil, err
		}
		copy(info.Data(), rec.Data)
	}
	return info, nil
}

// Load returns a read-only copy of the account at key. Absent accounts are empty and system owned.
func (l *Ledger) Load(key common.Pubkey) (*account.Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, err := l.load(AccountMeta{Key: key, IsWritable: true})
	if err != nil {
		return nil, err
	}
	info.IsWritable = false
	return info, nil
}

func (l *Ledger) put(batch *Batch, info *account.Info) error {
	data := info.Data()
	if len(data) == 0 && info.Lamports == 0 && info.Owner == common.SystemProgramID {
		batch.Delete(recordKey(info.Key))
		return nil
	}
	raw, err := rlp.EncodeToBytes(&accountRecord{Owner: info.Owner, Lamports: info.Lamports, Executable: info.Executable, Data: data})
	if err != nil {
		return err
	}
	batch.Put(recordKey(info.Key), raw)
	return nil
}

// Store writes accounts directly, outside any invocation. Used to seed a ledger.
func (l *Ledger) Store(infos ...*account.Info) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var batch Batch
	for _, info := range infos {
		if err := l.put(&batch, info); err != nil {
			return err
		}
	}
	return l.store.Write(&batch)
}

// Invoke loads the accounts named by metas, runs fn on them and persists every
// writable account atomically if fn returns nil. On error nothing is written.
// A key listed twice is loaded once and passed as the same region.
func (l *Ledger) Invoke(metas []AccountMeta, fn func(accounts []*account.Info) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	loaded := make(map[common.Pubkey]*account.Info, len(metas))
	infos := make([]*account.Info, 0, len(metas))
	for _, meta := range metas {
		if info, ok := loaded[meta.Key]; ok {
			info.IsSigner = info.IsSigner || meta.IsSigner
			info.IsWritable = info.IsWritable || meta.IsWritable
			infos = append(infos, info)
			continue
		}
		// load writable so stored data can be copied in, then apply the meta
		info, err := l.load(AccountMeta{Key: meta.Key, IsSigner: meta.IsSigner, IsWritable: true})
		if err != nil {
			return err
		}
		info.IsWritable = meta.IsWritable
		loaded[meta.Key] = info
		infos = append(infos, info)
	}

	if err := fn(infos); err != nil {
		log.Debug(log.LedgerMonitoring, "invocation rolled back", "accounts", len(metas), "err", err)
		return err
	}

	var batch Batch
	for key, info := range loaded {
		if !info.IsWritable {
			continue
		}
		if err := l.put(&batch, info); err != nil {
			return fmt.Errorf("persist %s: %w", key.String_short(), err)
		}
	}
	return l.store.Write(&batch)
}

type snapshotAccount struct {
	Owner      string `json:"owner"`
	Lamports   uint64 `json:"lamports"`
	Executable bool   `json:"executable,omitempty"`
	Tag        string `json:"tag"`
	Data       string `json:"data"`
}

// Snapshot renders every stored account as JSON keyed by account key.
func (l *Ledger) Snapshot(programID common.Pubkey) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pairs, err := l.store.GetWithPrefix(accountPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]snapshotAccount, len(pairs))
	for _, kv := range pairs {
		var rec accountRecord
		if err := rlp.DecodeBytes(kv[1], &rec); err != nil {
			return nil, fmt.Errorf("decode %x: %w", kv[0], err)
		}
		key := common.BytesToPubkey(kv[0][len(accountPrefix):])
		tag := "-"
		if t, err := account.TagOf(programID, account.NewInfo(key, rec.Owner, rec.Lamports, rec.Data, false, false)); err == nil {
			tag = t.String()
		}
		out[key.Hex()] = snapshotAccount{
			Owner:      rec.Owner.Hex(),
			Lamports:   rec.Lamports,
			Executable: rec.Executable,
			Tag:        tag,
			Data:       fmt.Sprintf("0x%x", rec.Data),
		}
	}
	return json.MarshalIndent(out, "", "  ")
}

// DiffSnapshots renders the differences between two snapshots. The bool reports
// whether anything changed.
func DiffSnapshots(before, after []byte, coloring bool) (string, bool, error) {
	delta, err := gojsondiff.New().Compare(before, after)
	if err != nil {
		return "", false, fmt.Errorf("compare snapshots: %w", err)
	}
	if !delta.Modified() {
		return "", false, nil
	}
	var leftObj map[string]interface{}
	if err := json.Unmarshal(before, &leftObj); err != nil {
		return "", true, err
	}
	asciiFmt := formatter.NewAsciiFormatter(leftObj, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       coloring,
	})
	diff, err := asciiFmt.Format(delta)
	if err != nil {
		return "", true, err
	}
	return diff, true, nil
}
