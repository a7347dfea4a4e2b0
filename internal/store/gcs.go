package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/pagebatch/internal/gcp"
	"github.com/Lllllllleong/pagebatch/internal/models"
	"google.golang.org/api/iterator"
)

const (
	metaState      = "record-state"
	metaIngestedAt = "record-ingested-at"
)

// GCSStore keeps records as JSON objects under a staging and an archive
// prefix of one bucket. GCS object writes are all-or-nothing, which gives
// the same visibility guarantee as the file store's rename. State and
// ingestion time are mirrored into object metadata so listing never has to
// download record bodies.
type GCSStore struct {
	bucket        *storage.BucketHandle
	bucketName    string
	stagingPrefix string
	archivePrefix string
}

// NewGCSStore binds a store to bucketName. Prefixes are used as object name directories.
func NewGCSStore(client *storage.Client, bucketName, stagingPrefix, archivePrefix string) (*GCSStore, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("records bucket must be set")
	}
	stagingPrefix = strings.Trim(stagingPrefix, "/")
	archivePrefix = strings.Trim(archivePrefix, "/")
	if stagingPrefix == archivePrefix {
		return nil, fmt.Errorf("staging and archive prefixes must differ")
	}
	return &GCSStore{
		bucket:        client.Bucket(bucketName),
		bucketName:    bucketName,
		stagingPrefix: stagingPrefix,
		archivePrefix: archivePrefix,
	}, nil
}

var _ Store = (*GCSStore)(nil)

func (s *GCSStore) objectName(prefix, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid record id %q", id)
	}
	return path.Join(prefix, id+recordExt), nil
}

func (s *GCSStore) ListActive(ctx context.Context) ([]string, error) {
	return s.listStaged(ctx, models.StateActive)
}

func (s *GCSStore) ListPendingArchive(ctx context.Context) ([]string, error) {
	return s.listStaged(ctx, models.StateArchived)
}

func (s *GCSStore) listStaged(ctx context.Context, state models.DocumentState) ([]string, error) {
	prefix := s.stagingPrefix + "/"
	if s.stagingPrefix == "" {
		prefix = ""
	}
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})

	var matched []listEntry
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, persistence("list", "gs://"+s.bucketName+"/"+prefix, err)
		}
		if attrs.Name == "" || !strings.HasSuffix(attrs.Name, recordExt) {
			continue
		}
		id := strings.TrimSuffix(path.Base(attrs.Name), recordExt)

		recState, ingestedAt, ok := entryFromMetadata(attrs.Metadata)
		if !ok {
			rec, err := s.readRecord(ctx, attrs.Name, id)
			if err != nil {
				slog.Warn("Skipping unreadable staged record.", "documentId", id, "gcsObject", attrs.Name, "error", err)
				continue
			}
			recState, ingestedAt = rec.State, rec.IngestedAt
		}
		if recState == state {
			matched = append(matched, listEntry{id: id, ingestedAt: ingestedAt})
		}
	}
	return sortNewestFirst(matched), nil
}

func entryFromMetadata(md map[string]string) (models.DocumentState, time.Time, bool) {
	state, ok := md[metaState]
	if !ok {
		return "", time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, md[metaIngestedAt])
	if err != nil {
		return "", time.Time{}, false
	}
	return models.DocumentState(state), ts, true
}

func (s *GCSStore) readRecord(ctx context.Context, objectName, id string) (*models.DocumentRecord, error) {
	data, err := gcp.ReadObject(ctx, s.bucket, objectName)
	if err != nil {
		return nil, err
	}
	var rec models.DocumentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, corrupt(id, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, corrupt(id, err)
	}
	if rec.ID != id {
		return nil, corrupt(id, fmt.Errorf("object holds record %q", rec.ID))
	}
	return &rec, nil
}

func (s *GCSStore) Load(ctx context.Context, id string) (*models.DocumentRecord, error) {
	for _, prefix := range []string{s.stagingPrefix, s.archivePrefix} {
		name, err := s.objectName(prefix, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		rec, err := s.readRecord(ctx, name, id)
		if gcp.IsNotFound(err) {
			continue
		}
		if err != nil && !errors.Is(err, ErrCorruptRecord) {
			return nil, persistence("load", id, err)
		}
		return rec, err
	}
	return nil, notFound(id)
}

func (s *GCSStore) Save(ctx context.Context, rec *models.DocumentRecord) error {
	if err := validateForSave(rec); err != nil {
		return err
	}
	name, err := s.objectName(s.stagingPrefix, rec.ID)
	if err != nil {
		return err
	}
	archived, _ := s.objectName(s.archivePrefix, rec.ID)
	if _, err := s.bucket.Object(archived).Attrs(ctx); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyArchived, rec.ID)
	} else if !gcp.IsNotFound(err) {
		return persistence("stat", rec.ID, err)
	}

	data, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		return persistence("encode", rec.ID, err)
	}
	opts := gcp.ObjectOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			metaState:      string(rec.State),
			metaIngestedAt: rec.IngestedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := gcp.WriteObject(ctx, s.bucket, name, data, opts); err != nil {
		return persistence("save", rec.ID, err)
	}
	return nil
}

func (s *GCSStore) Archive(ctx context.Context, id string) error {
	src, err := s.objectName(s.stagingPrefix, id)
	if err != nil {
		return err
	}
	dst, _ := s.objectName(s.archivePrefix, id)

	rec, err := s.readRecord(ctx, src, id)
	if gcp.IsNotFound(err) {
		if _, statErr := s.bucket.Object(dst).Attrs(ctx); statErr == nil {
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
	if err := gcp.MoveObject(ctx, s.bucket.Object(src), s.bucket.Object(dst)); err != nil {
		return persistence("archive", id, err)
	}
	return nil
}
