package services

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/pagebatch/internal/gcp"
	"github.com/Lllllllleong/pagebatch/internal/store"
	"google.golang.org/api/iterator"
)

// SourceDocument is one raw document waiting to be ingested.
type SourceDocument struct {
	Name     string
	Location string
	Content  []byte
}

// Source is where raw documents arrive and where they are moved once ingested.
type Source interface {
	// List returns the names of documents waiting to be ingested.
	List(ctx context.Context) ([]string, error)
	// Read returns the full content of one waiting document.
	Read(ctx context.Context, name string) (SourceDocument, error)
	// MarkIngested moves the document to the done-ingesting area under
	// doneName. Callers pick a doneName unique to the content so earlier
	// versions of a document are never overwritten.
	MarkIngested(ctx context.Context, name, doneName string) error
}

func checkSourceName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid source document name %q", name)
	}
	return nil
}

func hasExtension(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// DirSource reads documents from a local directory and moves ingested ones to doneDir.
type DirSource struct {
	dir        string
	doneDir    string
	extensions []string
}

// NewDirSource creates doneDir if needed. Only files with one of extensions
// are listed; an empty list accepts every file.
func NewDirSource(dir, doneDir string, extensions []string) (*DirSource, error) {
	if dir == "" || doneDir == "" {
		return nil, fmt.Errorf("source and done directories must be set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create source directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(doneDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create processed directory %s: %w", doneDir, err)
	}
	return &DirSource{dir: dir, doneDir: doneDir, extensions: extensions}, nil
}

var _ Source = (*DirSource)(nil)

func (s *DirSource) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list source directory %s: %w", s.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !hasExtension(e.Name(), s.extensions) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *DirSource) Read(ctx context.Context, name string) (SourceDocument, error) {
	if err := checkSourceName(name); err != nil {
		return SourceDocument{}, err
	}
	content, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return SourceDocument{}, fmt.Errorf("failed to read source document %s: %w", name, err)
	}
	return SourceDocument{Name: name, Location: s.dir, Content: content}, nil
}

func (s *DirSource) MarkIngested(ctx context.Context, name, doneName string) error {
	if err := checkSourceName(name); err != nil {
		return err
	}
	if err := checkSourceName(doneName); err != nil {
		return err
	}
	if err := os.Rename(filepath.Join(s.dir, name), filepath.Join(s.doneDir, doneName)); err != nil {
		return fmt.Errorf("failed to move %s to processed directory: %w", name, err)
	}
	if err := store.SyncDir(s.doneDir); err != nil {
		return fmt.Errorf("failed to sync processed directory: %w", err)
	}
	return store.SyncDir(s.dir)
}

// GCSSource reads documents from a bucket prefix and moves ingested ones under donePrefix.
type GCSSource struct {
	bucket     *storage.BucketHandle
	bucketName string
	prefix     string
	donePrefix string
	extensions []string
}

// NewGCSSource binds a source to gs://bucketName/prefix.
func NewGCSSource(client *storage.Client, bucketName, prefix, donePrefix string, extensions []string) (*GCSSource, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("source bucket must be set")
	}
	prefix = strings.Trim(prefix, "/")
	donePrefix = strings.Trim(donePrefix, "/")
	if donePrefix == "" || donePrefix == prefix {
		return nil, fmt.Errorf("done prefix must be set and differ from the source prefix")
	}
	return &GCSSource{
		bucket:     client.Bucket(bucketName),
		bucketName: bucketName,
		prefix:     prefix,
		donePrefix: donePrefix,
		extensions: extensions,
	}, nil
}

var _ Source = (*GCSSource)(nil)

func (s *GCSSource) listPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

// ObjectName maps a document name back to its object name in the bucket.
func (s *GCSSource) ObjectName(name string) string {
	return path.Join(s.prefix, name)
}

// NameForObject maps an object name under the source prefix to a document
// name. ok is false for objects outside the prefix, in a nested folder, or
// with an extension the source does not accept.
func (s *GCSSource) NameForObject(object string) (name string, ok bool) {
	rest, found := strings.CutPrefix(object, s.listPrefix())
	if !found || rest == "" || strings.Contains(rest, "/") || !hasExtension(rest, s.extensions) {
		return "", false
	}
	return rest, true
}

func (s *GCSSource) List(ctx context.Context) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.listPrefix(), Delimiter: "/"})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gs://%s/%s: %w", s.bucketName, s.listPrefix(), err)
		}
		name, ok := s.NameForObject(attrs.Name)
		if !ok {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *GCSSource) Read(ctx context.Context, name string) (SourceDocument, error) {
	if err := checkSourceName(name); err != nil {
		return SourceDocument{}, err
	}
	content, err := gcp.ReadObject(ctx, s.bucket, s.ObjectName(name))
	if err != nil {
		return SourceDocument{}, fmt.Errorf("failed to read gs://%s/%s: %w", s.bucketName, s.ObjectName(name), err)
	}
	return SourceDocument{
		Name:     name,
		Location: fmt.Sprintf("gs://%s/%s", s.bucketName, s.prefix),
		Content:  content,
	}, nil
}

func (s *GCSSource) MarkIngested(ctx context.Context, name, doneName string) error {
	if err := checkSourceName(name); err != nil {
		return err
	}
	if err := checkSourceName(doneName); err != nil {
		return err
	}
	src := s.bucket.Object(s.ObjectName(name))
	dst := s.bucket.Object(path.Join(s.donePrefix, doneName))
	return gcp.MoveObject(ctx, src, dst)
}
