package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/eddiefleurent/spread_ledger/internal/models"
)

const documentExt = ".json"

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]{0,127}$`)

// renameFile is swapped in tests to simulate a failed commit.
var renameFile = os.Rename

// FileStore keeps one JSON document per user under a directory. Writes go
// to a temporary file in the same directory and are committed by rename, so
// a failed write never truncates the previous document.
//
// FileStore does no locking of its own.
type FileStore struct {
	dir             string
	startingBalance float64
	now             func() time.Time
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, startingBalance float64) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, startingBalance: startingBalance, now: time.Now}, nil
}

func (s *FileStore) path(userID string) (string, error) {
	if !userIDPattern.MatchString(userID) || strings.Contains(userID, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return filepath.Join(s.dir, userID+documentExt), nil
}

// Get reads the user's document, or returns a fresh portfolio if absent.
func (s *FileStore) Get(ctx context.Context, userID string) (*models.Portfolio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(userID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return models.NewPortfolio(userID, s.startingBalance, s.now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading portfolio %s: %w", userID, err)
	}

	var p models.Portfolio
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding portfolio %s: %w", userID, err)
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	if p.Trades == nil {
		p.Trades = []models.Trade{}
	}
	for i := range p.Trades {
		if p.Trades[i].UserID == "" {
			p.Trades[i].UserID = userID
		}
	}
	return &p, nil
}

// Put validates and atomically replaces the user's document.
func (s *FileStore) Put(ctx context.Context, userID string, p *models.Portfolio) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(userID)
	if err != nil {
		return err
	}

	doc := p.Clone()
	doc.UserID = userID
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now().UTC()
	}
	if err := checkPortfolio(userID, doc); err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding portfolio %s: %w", userID, err)
	}
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("saving portfolio %s: %w", userID, err)
	}
	return nil
}

// Upsert replaces the trade with the same id in its owner's document, or
// appends it.
func (s *FileStore) Upsert(ctx context.Context, t models.Trade) error {
	if t.UserID == "" {
		return fmt.Errorf("trade %s has no owner: %w", t.ID, models.ErrInvalidTrade)
	}
	p, err := s.Get(ctx, t.UserID)
	if err != nil {
		return err
	}

	if existing := p.FindTrade(t.ID); existing != nil {
		if err := checkReopen(&t, existing.Status); err != nil {
			return err
		}
		*existing = t
	} else {
		p.Trades = append(p.Trades, t)
	}
	return s.Put(ctx, t.UserID, p)
}

// List returns the matching trades of one user, or of every document when
// the filter names no user.
func (s *FileStore) List(ctx context.Context, f Filter) ([]models.Trade, error) {
	users := []string{f.UserID}
	if f.UserID == "" {
		var err error
		if users, err = s.users(); err != nil {
			return nil, err
		}
	}

	out := []models.Trade{}
	for _, userID := range users {
		p, err := s.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, t := range p.Trades {
			if f.Match(t) {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (s *FileStore) users() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing ledger directory: %w", err)
	}
	var users []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, documentExt) {
			continue
		}
		userID := strings.TrimSuffix(name, documentExt)
		if userIDPattern.MatchString(userID) {
			users = append(users, userID)
		}
	}
	return users, nil
}

// Delete removes the user's document. Deleting a missing document is not an
// error.
func (s *FileStore) Delete(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(userID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting portfolio %s: %w", userID, err)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

// writeAtomic writes data next to path and renames it into place. On any
// failure the temporary file is removed and path is left untouched.
func writeAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err = renameFile(tmpName, path); err != nil {
		return fmt.Errorf("committing %s: %w", filepath.Base(path), err)
	}
	return nil
}
