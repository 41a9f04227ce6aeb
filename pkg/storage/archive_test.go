package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemArchiveStore(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileSystemArchiveStore(root)
	require.NoError(t, err)

	ctx := context.Background()
	location, err := store.Put(ctx, "org-1/req-1.json", "application/json", []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(root, "org-1", "req-1.json"), location)

	rc, err := store.Get(ctx, "org-1/req-1.json")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	_, err = store.Get(ctx, "org-1/missing.json")
	assert.ErrorIs(t, err, ErrArchiveNotFound)
}

func TestFileSystemArchiveStore_KeysStayInRoot(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileSystemArchiveStore(root)
	require.NoError(t, err)

	location, err := store.Put(context.Background(), "../../escape.json", "application/json", []byte("x"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(location, "file://"+root))

	_, err = store.Put(context.Background(), "  ", "application/json", []byte("x"))
	assert.Error(t, err)
}

func TestNewArchiveStore(t *testing.T) {
	ctx := context.Background()

	store, err := NewArchiveStore(ctx, Config{ArchiveType: ArchiveNone})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = NewArchiveStore(ctx, Config{ArchiveType: ArchiveFilesystem, ArchiveRoot: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileSystemArchiveStore{}, store)

	_, err = NewArchiveStore(ctx, Config{ArchiveType: "tape"})
	assert.Error(t, err)

	_, err = NewArchiveStore(ctx, Config{ArchiveType: ArchiveS3})
	assert.Error(t, err, "bucket is required")
}

type fakeS3 struct {
	objects map[string][]byte
	puts    []*s3.PutObjectInput
	putErr  error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, _ := io.ReadAll(in.Body)
	f.objects[aws.ToString(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3ArchiveStore(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{}}
	store := NewS3ArchiveStoreWithClient(client, "exports", "privacy-exports/")
	ctx := context.Background()

	location, err := store.Put(ctx, "/org-1/req-1.zip", "application/zip", []byte("zipdata"))
	require.NoError(t, err)
	assert.Equal(t, "s3://exports/privacy-exports/org-1/req-1.zip", location)

	require.Len(t, client.puts, 1)
	assert.Equal(t, types.ServerSideEncryptionAes256, client.puts[0].ServerSideEncryption)
	assert.Equal(t, "application/zip", aws.ToString(client.puts[0].ContentType))
	assert.Len(t, client.puts[0].Metadata["checksum-sha256"], 64)

	rc, err := store.Get(ctx, "org-1/req-1.zip")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "zipdata", string(data))

	_, err = store.Get(ctx, "org-1/none.zip")
	assert.ErrorIs(t, err, ErrArchiveNotFound)
}

func TestS3ArchiveStore_PutError(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{}, putErr: errors.New("access denied")}
	store := NewS3ArchiveStoreWithClient(client, "exports", "")

	_, err := store.Put(context.Background(), "k", "text/csv", []byte("a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}
