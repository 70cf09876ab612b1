package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCS implements Store on Cloud Storage.
type GCS struct {
	client *storage.Client
}

func NewGCS(client *storage.Client) *GCS {
	return &GCS{client: client}
}

func (g *GCS) object(uri string) (*storage.ObjectHandle, error) {
	bucket, name, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return g.client.Bucket(bucket).Object(name), nil
}

func (g *GCS) Upload(ctx context.Context, uri string, data []byte, contentType string) error {
	obj, err := g.object(uri)
	if err != nil {
		return err
	}
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		if isPreconditionFailed(err) {
			slog.Debug("Skipping upload, object already exists.", "uri", uri)
			return nil
		}
		return fmt.Errorf("failed to write to %s: %w", uri, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Debug("Skipping upload, object already exists.", "uri", uri)
			return nil
		}
		return fmt.Errorf("failed to finalize write to %s: %w", uri, err)
	}
	return nil
}

func (g *GCS) Copy(ctx context.Context, src, dst string) error {
	srcObj, err := g.object(src)
	if err != nil {
		return err
	}
	dstObj, err := g.object(dst)
	if err != nil {
		return err
	}

	copier := dstObj.If(storage.Conditions{DoesNotExist: true}).CopierFrom(srcObj)
	copier.ProgressFunc = func(copiedBytes, totalBytes uint64) {
		slog.Debug("Blob copy progress.", "dst", dst, "copiedBytes", copiedBytes, "totalBytes", totalBytes)
	}
	if _, err := copier.Run(ctx); err != nil {
		if isPreconditionFailed(err) {
			slog.Debug("Skipping copy, destination already exists.", "dst", dst)
			return nil
		}
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return nil
}

func (g *GCS) Delete(ctx context.Context, uri string) error {
	obj, err := g.object(uri)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete %s: %w", uri, err)
	}
	return nil
}

func (g *GCS) Exists(ctx context.Context, uri string) (bool, error) {
	obj, err := g.object(uri)
	if err != nil {
		return false, err
	}
	if _, err := obj.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", uri, err)
	}
	return true, nil
}

func (g *GCS) Download(ctx context.Context, uri string) ([]byte, error) {
	obj, err := g.object(uri)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", uri, ErrNotExist)
		}
		return nil, fmt.Errorf("failed to open %s: %w", uri, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	return data, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}

var _ Store = (*GCS)(nil)
