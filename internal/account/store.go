package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/antigravity-tools/gateway/internal/config"
	gerrors "github.com/antigravity-tools/gateway/internal/errors"
	"github.com/antigravity-tools/gateway/internal/utils"
)

// Store persists accounts under a data directory: accounts.json holds the
// index, accounts/<id>.json one record per account. All writes go through
// the store mutex; the request path only writes on token refresh.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore creates a Store rooted at dir, creating the layout if needed
func NewStore(dir string) (*Store, error) {
	if err := utils.EnsureDir(config.AccountsDir(dir)); err != nil {
		return nil, gerrors.NewAccountError("init", "could not create data directory", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's data directory
func (s *Store) Dir() string { return s.dir }

func (s *Store) indexPath() string { return config.AccountsIndexPath(s.dir) }

func (s *Store) recordPath(id string) string {
	return filepath.Join(config.AccountsDir(s.dir), id+".json")
}

// readIndex loads the index; a missing file yields an empty index.
// Caller holds s.mu.
func (s *Store) readIndex() (*Index, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &Index{}, nil
		}
		return nil, gerrors.NewAccountError("index", "could not read account index", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, gerrors.NewAccountError("index", "account index is not valid JSON", err)
	}
	return &idx, nil
}

// writeIndex persists the index. Caller holds s.mu.
func (s *Store) writeIndex(idx *Index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return gerrors.NewAccountError("index", "could not encode account index", err)
	}
	if err := os.WriteFile(s.indexPath(), data, 0644); err != nil {
		return gerrors.NewAccountError("index", "could not write account index", err)
	}
	return nil
}

// writeRecord persists one account record. Caller holds s.mu.
func (s *Store) writeRecord(acc *Account) error {
	data, err := json.MarshalIndent(acc, "", "  ")
	if err != nil {
		return gerrors.NewAccountError("save", "could not encode account "+acc.Email, err)
	}
	if err := os.WriteFile(s.recordPath(acc.ID), data, 0600); err != nil {
		return gerrors.NewAccountError("save", "could not write account "+acc.Email, err)
	}
	return nil
}

// readRecord loads one account record. Caller holds s.mu.
func (s *Store) readRecord(id string) (*Account, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		return nil, gerrors.NewAccountError("load", "could not read account record "+id, err)
	}
	var acc Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, gerrors.NewAccountError("load", "account record "+id+" is not valid JSON", err)
	}
	return &acc, nil
}

// Load returns the account with the given id
func (s *Store) Load(id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRecord(id)
}

// List returns all accounts in index order. Summaries whose record file is
// missing are skipped with a warning; they are recreated on the next upsert.
func (s *Store) List() ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}

	accounts := make([]*Account, 0, len(idx.Accounts))
	for _, sum := range idx.Accounts {
		acc, err := s.readRecord(sum.ID)
		if err != nil {
			utils.Warn("[Store] Skipping %s: %v", sum.Email, err)
			continue
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// Save writes an account record and refreshes its index summary
func (s *Store) Save(acc *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeRecord(acc); err != nil {
		return err
	}

	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	for i := range idx.Accounts {
		if idx.Accounts[i].ID == acc.ID {
			idx.Accounts[i].Email = acc.Email
			idx.Accounts[i].Name = acc.Name
			idx.Accounts[i].LastUsed = acc.LastUsed
			return s.writeIndex(idx)
		}
	}
	return nil
}

// Add creates a new account. Duplicate emails are rejected; the first account
// added becomes the current one.
func (s *Store) Add(email, name string, token TokenData) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	if idx.find(email) != nil {
		return nil, gerrors.NewAccountError("add", fmt.Sprintf("account %s already exists", email), nil)
	}

	now := utils.NowISO()
	acc := &Account{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      name,
		Token:     token,
		CreatedAt: now,
		LastUsed:  now,
	}
	if err := s.writeRecord(acc); err != nil {
		return nil, err
	}

	idx.Accounts = append(idx.Accounts, Summary{
		ID: acc.ID, Email: email, Name: name, CreatedAt: now, LastUsed: now,
	})
	if len(idx.Accounts) == 1 {
		idx.CurrentAccountID = acc.ID
	}
	if err := s.writeIndex(idx); err != nil {
		return nil, err
	}
	return acc, nil
}

// Upsert creates or updates the account keyed by email. An existing account
// keeps its id and gets the new token (and name when given); a summary whose
// record file went missing is recreated from the incoming token.
func (s *Store) Upsert(email, name string, token TokenData) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}

	if sum := idx.find(email); sum != nil {
		acc, err := s.readRecord(sum.ID)
		if err != nil {
			utils.Warn("[Store] Recreating missing record for %s", email)
			acc = &Account{
				ID:        sum.ID,
				Email:     email,
				Name:      sum.Name,
				CreatedAt: sum.CreatedAt,
				LastUsed:  sum.LastUsed,
			}
		}
		acc.Token = token
		if name != "" {
			acc.Name = name
			sum.Name = name
		}
		acc.LastUsed = utils.NowISO()
		sum.LastUsed = acc.LastUsed
		if err := s.writeRecord(acc); err != nil {
			return nil, err
		}
		if err := s.writeIndex(idx); err != nil {
			return nil, err
		}
		return acc, nil
	}

	now := utils.NowISO()
	acc := &Account{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      name,
		Token:     token,
		CreatedAt: now,
		LastUsed:  now,
	}
	if err := s.writeRecord(acc); err != nil {
		return nil, err
	}
	idx.Accounts = append(idx.Accounts, Summary{
		ID: acc.ID, Email: email, Name: name, CreatedAt: now, LastUsed: now,
	})
	if len(idx.Accounts) == 1 {
		idx.CurrentAccountID = acc.ID
	}
	if err := s.writeIndex(idx); err != nil {
		return nil, err
	}
	return acc, nil
}

// Delete removes an account record and its summary. When the deleted account
// was current, the first remaining account becomes current.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return err
	}

	kept := idx.Accounts[:0]
	found := false
	for _, sum := range idx.Accounts {
		if sum.ID == id {
			found = true
			continue
		}
		kept = append(kept, sum)
	}
	if !found {
		return gerrors.NewAccountError("delete", "no account with id "+id, nil)
	}
	idx.Accounts = kept

	if idx.CurrentAccountID == id {
		idx.CurrentAccountID = ""
		if len(idx.Accounts) > 0 {
			idx.CurrentAccountID = idx.Accounts[0].ID
		}
	}

	if err := os.Remove(s.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return gerrors.NewAccountError("delete", "could not remove account record "+id, err)
	}
	return s.writeIndex(idx)
}

// CurrentID returns the current account id, empty when unset
func (s *Store) CurrentID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return "", err
	}
	return idx.CurrentAccountID, nil
}

// SetCurrentID marks an account as current
func (s *Store) SetCurrentID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	for _, sum := range idx.Accounts {
		if sum.ID == id {
			idx.CurrentAccountID = id
			return s.writeIndex(idx)
		}
	}
	return gerrors.NewAccountError("current", "no account with id "+id, nil)
}
