package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "postbot/pkg/logx"
)

const fileCompactEvery = 500

// fileStore is the memory store persisted to plain files.
//
// Files:
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.snapshot.json  (periodic snapshot of posts and accounts)
//   - <prefix>.journal.jsonl  (append-only journal since the last snapshot)
//
// The journal is compacted into the snapshot every fileCompactEvery writes and on Close.
type fileStore struct {
	*MemoryStore
	log logx.Logger

	mu sync.Mutex

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File
	writes       int
}

type journalRecord struct {
	Op      string   `json:"op"`
	Post    *Post    `json:"post,omitempty"`
	Account *Account `json:"account,omitempty"`
	ID      int64    `json:"id,omitempty"`
}

type fileSnapshot struct {
	Posts    []Post    `json:"posts"`
	Accounts []Account `json:"accounts"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := NewMemory()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, mem, log); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		MemoryStore:  mem,
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
	}, nil
}

func (s *fileStore) CreatePost(ctx context.Context, p Post) (Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.MemoryStore.CreatePost(ctx, p)
	if err != nil {
		return Post{}, err
	}
	return out, s.journalLocked(journalRecord{Op: "post", Post: &out})
}

func (s *fileStore) UpdatePost(ctx context.Context, p Post) (Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.MemoryStore.UpdatePost(ctx, p)
	if err != nil {
		return Post{}, err
	}
	return out, s.journalLocked(journalRecord{Op: "post", Post: &out})
}

func (s *fileStore) UpdatePostStatus(ctx context.Context, id int64, status Status, externalID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.MemoryStore.UpdatePostStatus(ctx, id, status, externalID, lastError); err != nil {
		return err
	}
	p, err := s.MemoryStore.GetPost(ctx, id)
	if err != nil {
		return err
	}
	return s.journalLocked(journalRecord{Op: "post", Post: &p})
}

func (s *fileStore) DeletePost(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.MemoryStore.DeletePost(ctx, id); err != nil {
		return err
	}
	return s.journalLocked(journalRecord{Op: "delete", ID: id})
}

func (s *fileStore) CreateAccount(ctx context.Context, a Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.MemoryStore.CreateAccount(ctx, a)
	if err != nil {
		return Account{}, err
	}
	return out, s.journalLocked(journalRecord{Op: "account", Account: &out})
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.MemoryStore.AppendAudit(ctx, e); err != nil {
		return err
	}
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		errs = append(errs, s.compactLocked(), s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	errs = append(errs, s.MemoryStore.Close())
	return errors.Join(errs...)
}

func (s *fileStore) journalLocked(r journalRecord) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	posts, accounts := s.dump()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(fileSnapshot{Posts: posts, Accounts: accounts}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, mem *MemoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, p := range snap.Posts {
		mem.restorePost(p)
	}
	for _, a := range snap.Accounts {
		mem.restoreAccount(a)
	}
	return nil
}

func replayJournal(path string, mem *MemoryStore, log logx.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn last line after a crash is expected.
			log.Warn("storage journal: skipping bad record", logx.Err(err))
			continue
		}
		switch r.Op {
		case "post":
			if r.Post != nil {
				mem.restorePost(*r.Post)
			}
		case "account":
			if r.Account != nil {
				mem.restoreAccount(*r.Account)
			}
		case "delete":
			mem.removePost(r.ID)
		}
	}
	return sc.Err()
}
