package storage

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/crud"
	"github.com/stratacms/strata/field"
	"github.com/stratacms/strata/schema"
)

func TestFSStorageRoundTrip(t *testing.T) {
	store, err := NewFSStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "media/a/logo.png", strings.NewReader("png-bytes"), "image/png"))

	body, info, err := store.Get(ctx, "media/a/logo.png")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
	assert.Equal(t, int64(9), info.Size)
	assert.Equal(t, "image/png", info.ContentType)

	head, err := store.Head(ctx, "media/a/logo.png")
	require.NoError(t, err)
	assert.Equal(t, int64(9), head.Size)

	infos, err := store.List(ctx, "media/")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "media/a/logo.png", infos[0].Key)

	require.NoError(t, store.Delete(ctx, "media/a/logo.png"))
	_, err = store.Head(ctx, "media/a/logo.png")
	assert.Equal(t, common.KindNotFound, common.KindOf(err))

	// Deleting again stays silent.
	require.NoError(t, store.Delete(ctx, "media/a/logo.png"))
}

func TestFSStorageRejectsTraversal(t *testing.T) {
	store, err := NewFSStorage(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "/etc/passwd", "../outside", "a/../../b"} {
		err := store.Put(context.Background(), key, strings.NewReader("x"), "")
		assert.Equal(t, common.KindBadRequest, common.KindOf(err), "key %q", key)
	}
}

func TestS3StorageCreatesMissingBucket(t *testing.T) {
	client := NewMockS3Client()

	_, err := NewS3StorageWithClient(context.Background(), client, "uploads")
	require.NoError(t, err)
	assert.True(t, client.HeadBucketCalled)
	assert.True(t, client.CreateBucketCalled)
	assert.True(t, client.Buckets["uploads"])
}

func TestS3StorageRoundTrip(t *testing.T) {
	client := NewMockS3Client()
	client.Buckets["uploads"] = true
	store, err := NewS3StorageWithClient(context.Background(), client, "uploads")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "posts/x.txt", strings.NewReader("hello"), "text/plain"))
	assert.Equal(t, "text/plain", client.LastContentType)

	body, info, err := store.Get(ctx, "posts/x.txt")
	require.NoError(t, err)
	defer body.Close()
	data, _ := io.ReadAll(body)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), info.Size)

	infos, err := store.List(ctx, "posts/")
	require.NoError(t, err)
	require.Len(t, infos, 1)

	require.NoError(t, store.Delete(ctx, "posts/x.txt"))
	_, err = store.Head(ctx, "posts/x.txt")
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestSignedURLRoundTrip(t *testing.T) {
	signer := NewSigner("top-secret")
	now := time.Now()

	token, err := signer.SignURL("media/logo.png", now.Add(time.Hour))
	require.NoError(t, err)

	key, err := signer.VerifyURL(token, now)
	require.NoError(t, err)
	assert.Equal(t, "media/logo.png", key)
}

func TestSignedURLFailsClosed(t *testing.T) {
	signer := NewSigner("top-secret")
	now := time.Now()

	expired, err := signer.SignURL("media/logo.png", now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = signer.VerifyURL(expired, now)
	assert.Equal(t, common.KindForbidden, common.KindOf(err))

	// A token minted under a different secret is rejected.
	foreign, err := NewSigner("other").SignURL("media/logo.png", now.Add(time.Hour))
	require.NoError(t, err)
	_, err = signer.VerifyURL(foreign, now)
	assert.Equal(t, common.KindForbidden, common.KindOf(err))

	_, err = signer.VerifyURL("not-a-token", now)
	assert.Equal(t, common.KindForbidden, common.KindOf(err))
}

func TestPreviewTokenRoundTrip(t *testing.T) {
	signer := NewSigner("top-secret")
	now := time.Now()

	token, err := signer.MintPreviewToken("/posts/hello.world?draft=1", now.Add(time.Hour))
	require.NoError(t, err)
	path, err := signer.VerifyPreviewToken(token, now)
	require.NoError(t, err)
	assert.Equal(t, "/posts/hello.world?draft=1", path)

	_, err = signer.VerifyPreviewToken(token, now.Add(2*time.Hour))
	assert.Equal(t, common.KindForbidden, common.KindOf(err))
}

func TestUploadRejectsNonUploadCollection(t *testing.T) {
	engine := crud.NewEngine(nil, []string{"en"})
	_, err := engine.AddCollection(&schema.Collection{
		Name:   "posts",
		Fields: field.NewFields().Add("title", &field.Definition{Kind: field.Text}),
	}, crud.Access{}, crud.Hooks{})
	require.NoError(t, err)

	store, err := NewFSStorage(t.TempDir())
	require.NoError(t, err)
	uploader := NewUploader(engine, store)

	_, err = uploader.Upload(context.Background(), "posts", &Upload{
		Filename: "a.txt",
		Body:     strings.NewReader("x"),
	})
	assert.Equal(t, common.KindBadRequest, common.KindOf(err))

	_, err = uploader.Upload(context.Background(), "missing", &Upload{Filename: "a.txt"})
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "report-final.pdf", sanitizeFilename("report final.pdf"))
	assert.Equal(t, "passwd", sanitizeFilename("../../etc/passwd"))
	assert.Equal(t, "note.txt", sanitizeFilename("dir\\note.txt"))
	assert.Equal(t, "", sanitizeFilename(""))
}
