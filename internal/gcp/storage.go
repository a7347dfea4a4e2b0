package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// ErrObjectExists is returned by WriteObject when IfNotExists is set and the
// object is already present.
var ErrObjectExists = errors.New("object already exists")

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// ObjectOptions tune a WriteObject call.
type ObjectOptions struct {
	ContentType string
	Metadata    map[string]string
	IfNotExists bool
}

// WriteObject uploads data as a single GCS object. The object only becomes
// visible when the writer is closed successfully, so a failed upload never
// leaves partial content behind.
func WriteObject(ctx context.Context, bucket *storage.BucketHandle, objectName string, data []byte, opts ObjectOptions) error {
	obj := bucket.Object(objectName)
	if opts.IfNotExists {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}
	writer := obj.NewWriter(ctx)
	writer.ContentType = opts.ContentType
	writer.Metadata = opts.Metadata

	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		return classifyWriteError(objectName, err)
	}
	if err := writer.Close(); err != nil {
		return classifyWriteError(objectName, err)
	}
	return nil
}

func classifyWriteError(objectName string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
		slog.Info("Object already exists.", "gcsObject", objectName)
		return fmt.Errorf("%s: %w", objectName, ErrObjectExists)
	}
	slog.Error("Failed to write GCS object.", "gcsObject", objectName, "error", err)
	return fmt.Errorf("failed to write to GCS: %w", err)
}

// ReadObject downloads a whole object. A missing object surfaces as storage.ErrObjectNotExist.
func ReadObject(ctx context.Context, bucket *storage.BucketHandle, objectName string) ([]byte, error) {
	reader, err := bucket.Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// MoveObject relocates src to dst within or across buckets by copy then delete.
// If src is already gone but dst exists the move is treated as done, which
// makes a retried move after a crash between copy and delete a no-op.
func MoveObject(ctx context.Context, src, dst *storage.ObjectHandle) error {
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		if IsNotFound(err) {
			if _, statErr := dst.Attrs(ctx); statErr == nil {
				return nil
			}
		}
		return fmt.Errorf("failed to copy gs://%s/%s to gs://%s/%s: %w", src.BucketName(), src.ObjectName(), dst.BucketName(), dst.ObjectName(), err)
	}
	if err := src.Delete(ctx); err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to delete gs://%s/%s after copy: %w", src.BucketName(), src.ObjectName(), err)
	}
	return nil
}

// IsNotFound reports whether a Cloud Storage error means the object is missing.
func IsNotFound(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
