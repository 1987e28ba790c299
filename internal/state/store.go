// Package state persists per-account trading state as versioned JSON files.
//
// Each account owns one directory under the store root:
//
//	<root>/<account>/state.json
//	<root>/<account>/backups/state-<timestamp>.json
//
// No two accounts ever share a file.
package state

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"hedge-core/pkg/errs"
)

const (
	stateFile    = "state.json"
	backupDir    = "backups"
	backupPrefix = "state-"
	backupLayout = "20060102T150405.000000000Z"
)

var accountPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// ValidateAccountID rejects ids that could escape the account directory.
func ValidateAccountID(account string) error {
	if !accountPattern.MatchString(account) || account == "." || account == ".." {
		return errs.New(errs.CodeInvalidParameter,
			errs.WithMessage("invalid account id"),
			errs.WithDetail("account", account),
			errs.WithRemediation("use 1-64 characters from [A-Za-z0-9_.-]"))
	}
	return nil
}

// BackupInfo describes one stored backup.
type BackupInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Store reads and writes AccountState files. It holds no per-account state of
// its own; callers serialize access per account.
type Store struct {
	root string
	now  func() time.Time
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("state root is empty")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, errs.New(errs.CodeStatePersistence, errs.WithMessage("create state root"), errs.WithCause(err))
	}
	return &Store{root: root, now: time.Now}, nil
}

// Root returns the base directory.
func (s *Store) Root() string { return s.root }

func (s *Store) accountDir(account string) string { return filepath.Join(s.root, account) }

// Path returns the state file of account.
func (s *Store) Path(account string) string {
	return filepath.Join(s.accountDir(account), stateFile)
}

// Load reads the state of account. A missing file yields a default state; a
// file that cannot be decoded is reported as corruption and never replaced by
// a default.
func (s *Store) Load(account string) (*AccountState, error) {
	if err := ValidateAccountID(account); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(account))
	if errors.Is(err, fs.ErrNotExist) {
		return NewAccountState(account), nil
	}
	if err != nil {
		return nil, errs.New(errs.CodeStatePersistence,
			errs.WithMessage("read state file"),
			errs.WithDetail("account", account),
			errs.WithCause(err))
	}
	return decode(account, data)
}

// Save writes st atomically: a temp file in the same directory is synced and
// renamed over the state file.
func (s *Store) Save(account string, st *AccountState) error {
	if err := ValidateAccountID(account); err != nil {
		return err
	}
	if st == nil {
		return errs.Newf(errs.CodeInvalidParameter, "nil state")
	}
	if st.AccountID != "" && st.AccountID != account {
		return errs.New(errs.CodeInvalidParameter,
			errs.WithMessage("state belongs to another account"),
			errs.WithDetail("account", account),
			errs.WithDetail("state_account", st.AccountID))
	}
	st.AccountID = account
	st.SchemaVersion = CurrentSchemaVersion
	st.Global.SchemaVersion = CurrentSchemaVersion

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errs.New(errs.CodeStatePersistence, errs.WithMessage("encode state"), errs.WithCause(err))
	}
	if err := writeAtomic(s.Path(account), data); err != nil {
		return errs.New(errs.CodeStatePersistence,
			errs.WithMessage("write state file"),
			errs.WithDetail("account", account),
			errs.WithCause(err))
	}
	return nil
}

// Backup copies the current state file to a timestamped sibling and returns
// its id.
func (s *Store) Backup(account string) (string, error) {
	if err := ValidateAccountID(account); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.Path(account))
	if errors.Is(err, fs.ErrNotExist) {
		return "", errs.New(errs.CodePrecondition,
			errs.WithMessage("no state file to back up"),
			errs.WithDetail("account", account),
			errs.WithRemediation("save state for the account before taking a backup"))
	}
	if err != nil {
		return "", errs.New(errs.CodeStatePersistence, errs.WithMessage("read state file"), errs.WithCause(err))
	}

	id := backupPrefix + s.now().UTC().Format(backupLayout)
	path := filepath.Join(s.accountDir(account), backupDir, id+".json")
	if _, err := os.Stat(path); err == nil {
		return "", errs.New(errs.CodeConflict, errs.WithMessage("backup id already exists"), errs.WithDetail("backup_id", id))
	}
	if err := writeAtomic(path, data); err != nil {
		return "", errs.New(errs.CodeStatePersistence,
			errs.WithMessage("write backup"),
			errs.WithDetail("account", account),
			errs.WithCause(err))
	}
	return id, nil
}

// Restore replaces the current state with backup id. The backup must decode
// cleanly; otherwise the current file is left untouched.
func (s *Store) Restore(account, id string) error {
	if err := ValidateAccountID(account); err != nil {
		return err
	}
	if !strings.HasPrefix(id, backupPrefix) || strings.ContainsAny(id, `/\`) {
		return errs.New(errs.CodeBackupNotFound, errs.WithDetail("backup_id", id))
	}
	data, err := os.ReadFile(filepath.Join(s.accountDir(account), backupDir, id+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return errs.New(errs.CodeBackupNotFound,
			errs.WithMessage("backup not found"),
			errs.WithDetail("account", account),
			errs.WithDetail("backup_id", id))
	}
	if err != nil {
		return errs.New(errs.CodeStatePersistence, errs.WithMessage("read backup"), errs.WithCause(err))
	}
	st, err := decode(account, data)
	if err != nil {
		return err
	}
	return s.Save(account, st)
}

// ListBackups returns the backups of account, newest first.
func (s *Store) ListBackups(account string) ([]BackupInfo, error) {
	if err := ValidateAccountID(account); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.accountDir(account), backupDir))
	if errors.Is(err, fs.ErrNotExist) {
		return []BackupInfo{}, nil
	}
	if err != nil {
		return nil, errs.New(errs.CodeStatePersistence, errs.WithMessage("list backups"), errs.WithCause(err))
	}
	out := make([]BackupInfo, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		info := BackupInfo{ID: id}
		if ts, err := time.Parse(backupLayout, strings.TrimPrefix(id, backupPrefix)); err == nil {
			info.CreatedAt = ts
		}
		if fi, err := e.Info(); err == nil {
			info.Size = fi.Size()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// Accounts lists account ids that have a state directory.
func (s *Store) Accounts() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errs.New(errs.CodeStatePersistence, errs.WithMessage("list accounts"), errs.WithCause(err))
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && ValidateAccountID(e.Name()) == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func decode(account string, data []byte) (*AccountState, error) {
	corrupt := func(msg string, cause error) error {
		return errs.New(errs.CodeStateCorruption,
			errs.WithMessage(msg),
			errs.WithDetail("account", account),
			errs.WithCause(cause))
	}

	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, corrupt("state file is not valid JSON", err)
	}
	if doc == nil {
		return nil, corrupt("state file is empty", nil)
	}
	if _, err := Migrate(doc); err != nil {
		return nil, corrupt("state schema cannot be upgraded", err)
	}
	upgraded, err := json.Marshal(doc)
	if err != nil {
		return nil, corrupt("re-encode migrated state", err)
	}

	st := NewAccountState(account)
	if err := json.Unmarshal(upgraded, st); err != nil {
		return nil, corrupt("state file does not match schema", err)
	}
	if st.AccountID == "" {
		st.AccountID = account
	}
	if st.AccountID != account {
		return nil, corrupt(fmt.Sprintf("state file belongs to account %q", st.AccountID), nil)
	}
	if st.Pairs == nil {
		st.Pairs = make(map[string]*SymbolState)
	}
	for _, set := range []map[string]*SymbolState{st.Pairs, st.Unclaimed} {
		for key, pair := range set {
			if pair == nil {
				return nil, corrupt(fmt.Sprintf("pair %s has null state", key), nil)
			}
			normalize(&pair.Long)
			normalize(&pair.Short)
		}
	}
	if st.Global.BackfillDone == nil {
		st.Global.BackfillDone = make(map[string]BackfillFlags)
	}
	return st, nil
}

func normalize(p *PositionState) {
	if p.AddHistory == nil {
		p.AddHistory = []Fill{}
	}
	if p.Round < 1 {
		p.Round = 1
	}
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		return err
	}
	if d, derr := os.Open(dir); derr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
