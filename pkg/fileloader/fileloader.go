// Package fileloader implements the FileLoader collaborator (spec.md
// §6): materializing a component's bundled files into a worker's sandbox
// directory as read-only or read-write mounts, tracked by a use token so
// the caller can release them deterministically. Grounded on pkg/volume's
// mount/cleanup idiom and pkg/worker/worker.go's
// secrets-mount-then-defer-cleanup pattern, adapted from volume mounts to
// plain file copies.
package fileloader

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cuemby/durablewasm/pkg/errs"
)

// Token identifies one active file mount; Release(token) tears it down.
type Token string

type mount struct {
	localPath string
	readOnly  bool
}

// Loader mounts account-scoped blob-store keys onto the local filesystem
// under a per-worker sandbox root.
type Loader struct {
	sandboxRoot string
	fetch       func(account, key string) (io.ReadCloser, error)

	mu     sync.Mutex
	mounts map[Token]mount
}

// New constructs a Loader rooted at sandboxRoot. fetch resolves an
// account-scoped key to its backing blob content; in production this
// reads from the component's bundled file store, in tests it can serve
// from an in-memory map.
func New(sandboxRoot string, fetch func(account, key string) (io.ReadCloser, error)) *Loader {
	return &Loader{
		sandboxRoot: sandboxRoot,
		fetch:       fetch,
		mounts:      make(map[Token]mount),
	}
}

// GetReadOnlyTo copies key's content to localPath (relative to the
// Loader's sandbox root) and marks it read-only, returning a use token.
func (l *Loader) GetReadOnlyTo(account, key, localPath string) (Token, error) {
	return l.materialize(account, key, localPath, true)
}

// GetReadWriteTo is GetReadOnlyTo but leaves the file writable.
func (l *Loader) GetReadWriteTo(account, key, localPath string) (Token, error) {
	return l.materialize(account, key, localPath, false)
}

func (l *Loader) materialize(account, key, localPath string, readOnly bool) (Token, error) {
	full := filepath.Join(l.sandboxRoot, localPath)
	if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
		return "", errs.FileSystemError(full, err.Error())
	}

	src, err := l.fetch(account, key)
	if err != nil {
		return "", errs.InitialComponentFileDownload(key, err.Error())
	}
	defer src.Close()

	perm := os.FileMode(0600)
	if readOnly {
		perm = 0400
	}
	dst, err := os.OpenFile(full, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return "", errs.FileSystemError(full, err.Error())
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", errs.FileSystemError(full, err.Error())
	}

	token := Token(uuid.New().String())
	l.mu.Lock()
	l.mounts[token] = mount{localPath: full, readOnly: readOnly}
	l.mu.Unlock()
	return token, nil
}

// Release removes the mount backing token. Releasing an unknown token is
// a no-op: the worker may have already been torn down.
func (l *Loader) Release(token Token) error {
	l.mu.Lock()
	m, ok := l.mounts[token]
	if ok {
		delete(l.mounts, token)
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.Remove(m.localPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "releasing file mount")
	}
	return nil
}

// ReleaseAll tears down every mount currently tracked, for worker unload.
func (l *Loader) ReleaseAll() error {
	l.mu.Lock()
	tokens := make([]Token, 0, len(l.mounts))
	for t := range l.mounts {
		tokens = append(tokens, t)
	}
	l.mu.Unlock()

	var firstErr error
	for _, t := range tokens {
		if err := l.Release(t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
