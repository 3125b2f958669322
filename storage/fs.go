package storage

import (
	"context"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stratacms/strata/common"
)

// FSStorage keeps objects as plain files under a root directory. Intended
// for development and single-node deployments.
type FSStorage struct {
	root string
}

func NewFSStorage(root string) (*FSStorage, error) {
	if root == "" {
		return nil, common.E(common.KindBadRequest, "storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, common.Internalf(err, "storage root %q is not writable", root)
	}
	return &FSStorage{root: root}, nil
}

// resolve maps a key to a path under the root, rejecting traversal.
func (f *FSStorage) resolve(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	clean := path.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "../") {
		return "", common.E(common.KindBadRequest, "invalid storage key %q", key)
	}
	return filepath.Join(f.root, filepath.FromSlash(clean)), nil
}

func (f *FSStorage) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	target, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return common.Internalf(err, "storage put %q failed", key)
	}
	// Write to a sibling temp file, then rename, so readers never observe a
	// partial object.
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return common.Internalf(err, "storage put %q failed", key)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return common.Internalf(err, "storage put %q failed", key)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return common.Internalf(err, "storage put %q failed", key)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return common.Internalf(err, "storage put %q failed", key)
	}
	return nil
}

func (f *FSStorage) Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	target, err := f.resolve(key)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, common.NotFound("file", key)
		}
		return nil, nil, common.Internalf(err, "storage get %q failed", key)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, common.Internalf(err, "storage get %q failed", key)
	}
	return file, f.info(key, stat), nil
}

func (f *FSStorage) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	target, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.NotFound("file", key)
		}
		return nil, common.Internalf(err, "storage head %q failed", key)
	}
	return f.info(key, stat), nil
}

func (f *FSStorage) Delete(ctx context.Context, key string) error {
	target, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return common.Internalf(err, "storage delete %q failed", key)
	}
	return nil
}

func (f *FSStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		stat, err := d.Info()
		if err != nil {
			return err
		}
		infos = append(infos, *f.info(key, stat))
		return nil
	})
	if err != nil {
		return nil, common.Internalf(err, "storage list %q failed", prefix)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (f *FSStorage) info(key string, stat fs.FileInfo) *ObjectInfo {
	return &ObjectInfo{
		Key:          key,
		Size:         stat.Size(),
		ContentType:  mime.TypeByExtension(path.Ext(key)),
		LastModified: stat.ModTime(),
	}
}
