package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/durablewasm/pkg/component"
	"github.com/cuemby/durablewasm/pkg/config"
	"github.com/cuemby/durablewasm/pkg/engine"
	"github.com/cuemby/durablewasm/pkg/fileloader"
	"github.com/cuemby/durablewasm/pkg/oplog"
	"github.com/cuemby/durablewasm/pkg/plugins"
	"github.com/cuemby/durablewasm/pkg/promise"
	"github.com/cuemby/durablewasm/pkg/runtime"
	"github.com/cuemby/durablewasm/pkg/scheduler"
	"github.com/cuemby/durablewasm/pkg/types"
)

func toPayloadRef(key string) types.PayloadRef { return types.PayloadRef(key) }

func toPersistenceLevel(s string) types.PersistenceLevel {
	switch types.PersistenceLevel(s) {
	case types.PersistNothing:
		return types.PersistNothing
	case types.PersistRemoteSideEffects:
		return types.PersistRemoteSideEffects
	default:
		return types.PersistSmart
	}
}

// node bundles every collaborator a process needs, whether it's the
// long-running "serve" command or a one-shot admin subcommand opening the
// same data directory.
type node struct {
	cfg        config.Config
	metadataDB *bolt.DB
	oplogStore *oplog.BoltStore
	wasm       *runtime.ContainerdRuntime
	components *component.Service
	promises   *promise.Store
	plugins    *plugins.Registry
	loader     *fileloader.Loader
	scheduler  *scheduler.Scheduler
	engine     *engine.Engine
}

// engineHandler breaks the construction cycle between Engine (which needs
// a *scheduler.Scheduler up front) and Scheduler (which needs a Handler up
// front): the scheduler is built first against this empty proxy, and the
// freshly constructed Engine is assigned into it immediately after.
type engineHandler struct {
	engine *engine.Engine
}

func (h *engineHandler) Handle(ctx context.Context, action scheduler.Action) error {
	return h.engine.Handle(ctx, action)
}

// openNode wires every collaborator against dataDir the same way for
// "serve" and for local admin subcommands. sandboxRoot hosts per-worker
// file-loader mounts.
func openNode(cfg config.Config) (*node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, errors.Wrap(err, "creating data directory")
	}

	oplogStore, err := oplog.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	metadataDB, err := bolt.Open(filepath.Join(cfg.DataDir, "metadata.db"), 0600, nil)
	if err != nil {
		_ = oplogStore.Close()
		return nil, errors.Wrap(err, "opening metadata store")
	}

	components, err := component.NewService(metadataDB)
	if err != nil {
		return nil, errors.Wrap(err, "opening component service")
	}
	promises, err := promise.NewStore(metadataDB)
	if err != nil {
		return nil, errors.Wrap(err, "opening promise store")
	}
	pluginRegistry, err := plugins.NewRegistry(metadataDB)
	if err != nil {
		return nil, errors.Wrap(err, "opening plugin registry")
	}

	wasm, err := runtime.NewContainerdRuntime(cfg.RuntimeSocketPath, filepath.Join(cfg.DataDir, "run"), "", 0)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to wasm runtime")
	}

	sandboxRoot := filepath.Join(cfg.DataDir, "sandboxes")
	loader := fileloader.New(sandboxRoot, func(account, key string) (io.ReadCloser, error) {
		data, err := oplogStore.Download(toPayloadRef(key))
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	})

	n := &node{
		cfg:        cfg,
		metadataDB: metadataDB,
		oplogStore: oplogStore,
		wasm:       wasm,
		components: components,
		promises:   promises,
		plugins:    pluginRegistry,
		loader:     loader,
	}

	proxy := &engineHandler{}
	sched := scheduler.New(proxy, 1*time.Second)
	eng := engine.New(
		oplogStore,
		wasm,
		components,
		promises,
		pluginRegistry,
		loader,
		sched,
		cfg.RetryConfig(),
		toPersistenceLevel(cfg.PersistenceLevel),
		sandboxRoot,
	)
	proxy.engine = eng

	n.scheduler = sched
	n.engine = eng
	return n, nil
}

func (n *node) Close() error {
	var firstErr error
	if n.scheduler != nil {
		n.scheduler.Stop()
	}
	if n.wasm != nil {
		if err := n.wasm.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.oplogStore != nil {
		if err := n.oplogStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.metadataDB != nil {
		if err := n.metadataDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
