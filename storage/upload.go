package storage

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/crud"
)

// Upload is one incoming file plus the extra record fields supplied with it.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader

	// Fields are merged into the created record; key/filename/mimeType/size
	// always win.
	Fields map[string]any
}

// Uploader streams files into a Storage driver and persists their metadata
// as records of an upload collection, so hooks, versioning, realtime and
// search all fire for file changes.
type Uploader struct {
	Engine  *crud.Engine
	Storage Storage
}

func NewUploader(engine *crud.Engine, store Storage) *Uploader {
	return &Uploader{Engine: engine, Storage: store}
}

// Upload stores the file and creates its metadata record. The storage write
// happens first; when record creation fails the object is removed again.
func (u *Uploader) Upload(ctx context.Context, collection string, up *Upload) (crud.Record, error) {
	svc, err := u.Engine.Collection(collection)
	if err != nil {
		return nil, err
	}
	col, _ := u.Engine.Compiled(collection)
	if !col.Collection.Upload {
		return nil, common.E(common.KindBadRequest, "collection %q does not accept uploads", collection)
	}
	filename := sanitizeFilename(up.Filename)
	if filename == "" {
		return nil, common.E(common.KindBadRequest, "upload filename is required")
	}

	key := collection + "/" + uuid.NewString() + path.Ext(filename)
	if err := u.Storage.Put(ctx, key, up.Body, up.ContentType); err != nil {
		return nil, err
	}

	input := map[string]any{}
	for k, v := range up.Fields {
		input[k] = v
	}
	input["key"] = key
	input["filename"] = filename
	input["mimeType"] = up.ContentType
	input["size"] = up.Size

	record, err := svc.Create(ctx, input)
	if err != nil {
		if derr := u.Storage.Delete(ctx, key); derr != nil {
			common.Logger.WithError(derr).WithField("key", key).Error("orphaned upload cleanup failed")
		}
		return nil, err
	}
	common.Logger.WithFields(logrus.Fields{
		"collection": collection,
		"key":        key,
		"size":       humanize.Bytes(uint64(max(up.Size, 0))),
	}).Info("stored upload")
	return record, nil
}

// Remove deletes an upload record and its stored object.
func (u *Uploader) Remove(ctx context.Context, collection, recordID string) error {
	svc, err := u.Engine.Collection(collection)
	if err != nil {
		return err
	}
	record, err := svc.FindByID(ctx, recordID, nil)
	if err != nil {
		return err
	}
	if _, err := svc.DeleteByID(ctx, recordID); err != nil {
		return err
	}
	if key, ok := record["key"].(string); ok && key != "" {
		if err := u.Storage.Delete(ctx, key); err != nil {
			common.Logger.WithError(err).WithField("key", key).Error("stored object removal failed")
		}
	}
	return nil
}

// sanitizeFilename strips directories and characters that break keys.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
	if name == "." || name == ".." {
		return ""
	}
	return name
}
