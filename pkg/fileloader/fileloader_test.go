package fileloader

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader(t *testing.T, content map[string]string) *Loader {
	t.Helper()
	return New(t.TempDir(), func(account, key string) (io.ReadCloser, error) {
		data, ok := content[account+"/"+key]
		if !ok {
			return nil, os.ErrNotExist
		}
		return io.NopCloser(strings.NewReader(data)), nil
	})
}

func TestGetReadOnlyToMaterializesContentAndPermission(t *testing.T) {
	l := newTestLoader(t, map[string]string{"acct/key-1": "hello world"})

	token, err := l.GetReadOnlyTo("acct", "key-1", "data.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	full := filepath.Join(l.sandboxRoot, "data.txt")
	data, err := os.ReadFile(full)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	info, err := os.Stat(full)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0400), info.Mode().Perm())
}

func TestGetReadWriteToLeavesFileWritable(t *testing.T) {
	l := newTestLoader(t, map[string]string{"acct/key-1": "data"})

	_, err := l.GetReadWriteTo("acct", "key-1", "data.txt")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(l.sandboxRoot, "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestMaterializeCreatesNestedDirectories(t *testing.T) {
	l := newTestLoader(t, map[string]string{"acct/key-1": "nested"})

	_, err := l.GetReadOnlyTo("acct", "key-1", filepath.Join("a", "b", "c.txt"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(l.sandboxRoot, "a", "b", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "nested", string(data))
}

func TestMaterializeFetchFailurePropagates(t *testing.T) {
	l := newTestLoader(t, map[string]string{})

	_, err := l.GetReadOnlyTo("acct", "missing", "data.txt")
	assert.Error(t, err)
}

func TestReleaseRemovesMountedFile(t *testing.T) {
	l := newTestLoader(t, map[string]string{"acct/key-1": "data"})

	token, err := l.GetReadOnlyTo("acct", "key-1", "data.txt")
	require.NoError(t, err)

	full := filepath.Join(l.sandboxRoot, "data.txt")
	require.FileExists(t, full)

	require.NoError(t, l.Release(token))
	assert.NoFileExists(t, full)
}

func TestReleaseUnknownTokenIsNoOp(t *testing.T) {
	l := newTestLoader(t, map[string]string{})
	assert.NoError(t, l.Release(Token("never-issued")))
}

func TestReleaseAllTearsDownEveryMount(t *testing.T) {
	l := newTestLoader(t, map[string]string{
		"acct/key-1": "one",
		"acct/key-2": "two",
	})

	_, err := l.GetReadOnlyTo("acct", "key-1", "one.txt")
	require.NoError(t, err)
	_, err = l.GetReadWriteTo("acct", "key-2", "two.txt")
	require.NoError(t, err)

	require.NoError(t, l.ReleaseAll())
	assert.Empty(t, l.mounts)
	assert.NoFileExists(t, filepath.Join(l.sandboxRoot, "one.txt"))
	assert.NoFileExists(t, filepath.Join(l.sandboxRoot, "two.txt"))
}
