package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/pagebatch/internal/models"
)

const (
	recordExt   = ".json"
	tempPattern = ".tmp-*"
)

// ErrAlreadyArchived is returned by Save when the record has already left staging.
var ErrAlreadyArchived = errors.New("record already archived")

// FileStore keeps one JSON file per record: staged records in stagingDir,
// finished ones in archiveDir. Writes go to a temp file in the same
// directory and are renamed over the target, so readers only ever see a
// complete previous or complete new version.
type FileStore struct {
	stagingDir string
	archiveDir string
	permFile   os.FileMode
	permDir    os.FileMode
}

// NewFileStore creates both directories if needed.
func NewFileStore(stagingDir, archiveDir string) (*FileStore, error) {
	if strings.TrimSpace(stagingDir) == "" || strings.TrimSpace(archiveDir) == "" {
		return nil, fmt.Errorf("staging and archive directories must be set")
	}
	if filepath.Clean(stagingDir) == filepath.Clean(archiveDir) {
		return nil, fmt.Errorf("staging and archive directories must differ")
	}
	s := &FileStore{stagingDir: stagingDir, archiveDir: archiveDir, permFile: 0o644, permDir: 0o755}
	for _, dir := range []string{stagingDir, archiveDir} {
		if err := os.MkdirAll(dir, s.permDir); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}
	return s, nil
}

var _ Store = (*FileStore)(nil)

// recordPath maps an id to a file name inside dir, rejecting ids that would escape it.
func (s *FileStore) recordPath(dir, id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || filepath.Base(id) != id {
		return "", fmt.Errorf("invalid record id %q", id)
	}
	return filepath.Join(dir, id+recordExt), nil
}

func (s *FileStore) ListActive(ctx context.Context) ([]string, error) {
	return s.listStaged(ctx, models.StateActive)
}

func (s *FileStore) ListPendingArchive(ctx context.Context) ([]string, error) {
	return s.listStaged(ctx, models.StateArchived)
}

func (s *FileStore) listStaged(ctx context.Context, state models.DocumentState) ([]string, error) {
	entries, err := os.ReadDir(s.stagingDir)
	if err != nil {
		return nil, persistence("list", s.stagingDir, err)
	}
	var matched []listEntry
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, recordExt)
		rec, err := s.readRecord(filepath.Join(s.stagingDir, name), id)
		if err != nil {
			// A broken record stays put until someone fixes or re-ingests it;
			// it must not block the rest of the queue.
			slog.Warn("Skipping unreadable staged record.", "documentId", id, "error", err)
			continue
		}
		if rec.State == state {
			matched = append(matched, listEntry{id: rec.ID, ingestedAt: rec.IngestedAt})
		}
	}
	return sortNewestFirst(matched), nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*models.DocumentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, dir := range []string{s.stagingDir, s.archiveDir} {
		path, err := s.recordPath(dir, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		rec, err := s.readRecord(path, id)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return rec, err
	}
	return nil, notFound(id)
}

// readRecord parses and validates one record file. Missing files surface as
// fs.ErrNotExist; other read failures as ErrNotFound; parse or invariant
// failures as ErrCorruptRecord.
func (s *FileStore) readRecord(path, id string) (*models.DocumentRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, id, err)
	}
	var rec models.DocumentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, corrupt(id, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, corrupt(id, err)
	}
	if rec.ID != id {
		return nil, corrupt(id, fmt.Errorf("file holds record %q", rec.ID))
	}
	return &rec, nil
}

func (s *FileStore) Save(ctx context.Context, rec *models.DocumentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateForSave(rec); err != nil {
		return err
	}
	dest, err := s.recordPath(s.stagingDir, rec.ID)
	if err != nil {
		return err
	}
	archived, _ := s.recordPath(s.archiveDir, rec.ID)
	if _, err := os.Stat(archived); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyArchived, rec.ID)
	}
	data, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		return persistence("encode", rec.ID, err)
	}
	if err := s.writeAtomic(dest, data); err != nil {
		return persistence("save", rec.ID, err)
	}
	return nil
}

func (s *FileStore) Archive(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := s.recordPath(s.stagingDir, id)
	if err != nil {
		return err
	}
	dst, _ := s.recordPath(s.archiveDir, id)

	rec, err := s.readRecord(src, id)
	if errors.Is(err, fs.ErrNotExist) {
		if _, statErr := os.Stat(dst); statErr == nil {
			return nil
		}
		return notFound(id)
	}
	if err != nil {
		return err
	}
	if rec.State != models.StateArchived {
		return fmt.Errorf("%w: %s is %s", ErrNotArchivable, id, rec.State)
	}
	if err := os.Rename(src, dst); err != nil {
		return persistence("archive", id, err)
	}
	_ = SyncDir(s.archiveDir)
	_ = SyncDir(s.stagingDir)
	return nil
}

func (s *FileStore) writeAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, s.permFile)

	bw := bufio.NewWriter(tmp)
	if _, err := io.Copy(bw, bytes.NewReader(data)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	// best effort: persist the rename itself
	_ = SyncDir(dir)
	return nil
}

// SyncDir flushes a directory so a rename inside it survives a crash.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
