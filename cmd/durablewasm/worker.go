package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/durablewasm/pkg/engine"
	"github.com/cuemby/durablewasm/pkg/promise"
	"github.com/cuemby/durablewasm/pkg/runtime"
	"github.com/cuemby/durablewasm/pkg/types"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Operate on workers against a node's local data directory",
	Long: `Worker commands open the same on-disk stores a running "serve"
process uses and perform one operation against them directly, the way
durablewasm-migrate operates on a bolt file without a running server.

These commands are for single-node administration. A worker currently
loaded by a separate "serve" process should be reached through that
process's WorkerProxy RPC endpoint instead of opened here concurrently.`,
}

func init() {
	for _, c := range []*cobra.Command{
		workerCreateCmd, workerInvokeCmd, workerInvokeAsyncCmd, workerGetResultCmd,
		workerInvocationResultCmd, workerInterruptCmd, workerUpdateCmd, workerStatusCmd,
		workerOplogCmd, workerSearchOplogCmd, workerLsCmd, workerCatCmd,
	} {
		c.Flags().String("data-dir", "./durablewasm-data", "Node data directory")
		c.Flags().String("account", "default", "Account ID owning the worker")
	}

	workerCreateCmd.Flags().String("component", "", "Component ID to instantiate (required)")
	workerCreateCmd.Flags().String("name", "", "Worker name (required)")
	_ = workerCreateCmd.MarkFlagRequired("component")
	_ = workerCreateCmd.MarkFlagRequired("name")

	for _, c := range []*cobra.Command{workerInvokeCmd, workerInvokeAsyncCmd} {
		c.Flags().String("worker", "", "component_id/worker_name (required)")
		c.Flags().String("function", "", "Exported function name (required)")
		c.Flags().String("args", "", "Raw argument bytes, UTF-8 (optional)")
		c.Flags().String("idempotency-key", "", "Hex-encoded 16-byte idempotency key (random if omitted)")
		_ = c.MarkFlagRequired("worker")
		_ = c.MarkFlagRequired("function")
	}

	workerGetResultCmd.Flags().String("promise-id", "", "Promise ID returned by invoke-async (required)")
	_ = workerGetResultCmd.MarkFlagRequired("promise-id")

	workerInvocationResultCmd.Flags().String("worker", "", "component_id/worker_name (required)")
	workerInvocationResultCmd.Flags().String("idempotency-key", "", "Hex-encoded 16-byte idempotency key (required)")
	_ = workerInvocationResultCmd.MarkFlagRequired("worker")
	_ = workerInvocationResultCmd.MarkFlagRequired("idempotency-key")

	workerInterruptCmd.Flags().String("worker", "", "component_id/worker_name (required)")
	workerInterruptCmd.Flags().String("kind", string(runtime.InterruptSignal), "interrupt|suspend|restart|jump")
	_ = workerInterruptCmd.MarkFlagRequired("worker")

	workerUpdateCmd.Flags().String("worker", "", "component_id/worker_name (required)")
	workerUpdateCmd.Flags().Int("target-version", 0, "Target component version (required)")
	workerUpdateCmd.Flags().String("mode", string(types.UpdateAuto), "auto|snapshot_based")
	workerUpdateCmd.Flags().String("description", "", "Free-text update description")
	_ = workerUpdateCmd.MarkFlagRequired("worker")
	_ = workerUpdateCmd.MarkFlagRequired("target-version")

	workerStatusCmd.Flags().String("worker", "", "component_id/worker_name (required)")
	_ = workerStatusCmd.MarkFlagRequired("worker")

	for _, c := range []*cobra.Command{workerOplogCmd, workerSearchOplogCmd} {
		c.Flags().String("worker", "", "component_id/worker_name (required)")
		c.Flags().Uint64("from", uint64(types.INITIAL), "Starting oplog index")
		c.Flags().Int("count", 20, "Maximum entries to return")
		_ = c.MarkFlagRequired("worker")
	}
	workerSearchOplogCmd.Flags().String("kind", "", "Filter: exact entry kind")
	workerSearchOplogCmd.Flags().String("function", "", "Filter: exact function name")

	for _, c := range []*cobra.Command{workerLsCmd, workerCatCmd} {
		c.Flags().String("worker", "", "component_id/worker_name (required)")
		c.Flags().String("path", "/", "Path inside the worker's sandbox")
		_ = c.MarkFlagRequired("worker")
	}

	workerCmd.AddCommand(
		workerCreateCmd, workerInvokeCmd, workerInvokeAsyncCmd, workerGetResultCmd,
		workerInvocationResultCmd, workerInterruptCmd, workerUpdateCmd, workerStatusCmd,
		workerOplogCmd, workerSearchOplogCmd, workerLsCmd, workerCatCmd,
	)
}

func ownerFlag(cmd *cobra.Command) (types.OwnedWorkerId, error) {
	account, _ := cmd.Flags().GetString("account")
	workerRef, _ := cmd.Flags().GetString("worker")
	parts := strings.SplitN(workerRef, "/", 2)
	if len(parts) != 2 {
		return types.OwnedWorkerId{}, fmt.Errorf("--worker must be component_id/worker_name, got %q", workerRef)
	}
	return types.OwnedWorkerId{
		AccountId: types.AccountId(account),
		WorkerId:  types.WorkerId{ComponentId: types.ComponentId(parts[0]), Name: parts[1]},
	}, nil
}

func idempotencyKeyFlag(cmd *cobra.Command) (types.IdempotencyKey, error) {
	raw, _ := cmd.Flags().GetString("idempotency-key")
	if raw == "" {
		return types.IdempotencyKey(uuid.New()), nil
	}
	decoded, err := hex.DecodeString(strings.ReplaceAll(raw, "-", ""))
	if err != nil || len(decoded) != 16 {
		return types.IdempotencyKey{}, fmt.Errorf("--idempotency-key must be 32 hex characters (16 bytes)")
	}
	var key types.IdempotencyKey
	copy(key[:], decoded)
	return key, nil
}

func withNode(cmd *cobra.Command, fn func(n *node) error) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.DataDir = dataDir
	n, err := openNode(cfg)
	if err != nil {
		return fmt.Errorf("opening node: %w", err)
	}
	defer n.Close()
	return fn(n)
}

var workerCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create and boot a new worker from a component",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(n *node) error {
			account, _ := cmd.Flags().GetString("account")
			componentID, _ := cmd.Flags().GetString("component")
			name, _ := cmd.Flags().GetString("name")

			owner, err := n.engine.CreateWorker(context.Background(), account, types.ComponentId(componentID), name)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Worker created: %s\n", owner)
			return nil
		})
	},
}

var workerInvokeCmd = &cobra.Command{
	Use:   "invoke",
	Short: "Invoke an exported function and wait for the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(n *node) error {
			owner, err := ownerFlag(cmd)
			if err != nil {
				return err
			}
			function, _ := cmd.Flags().GetString("function")
			rawArgs, _ := cmd.Flags().GetString("args")
			key, err := idempotencyKeyFlag(cmd)
			if err != nil {
				return err
			}

			output, err := n.engine.Invoke(context.Background(), owner, function, []byte(rawArgs), key)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Result: %s\n", string(output))
			return nil
		})
	},
}

var workerInvokeAsyncCmd = &cobra.Command{
	Use:   "invoke-async",
	Short: "Enqueue an exported function invocation and print its promise ID",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(n *node) error {
			owner, err := ownerFlag(cmd)
			if err != nil {
				return err
			}
			function, _ := cmd.Flags().GetString("function")
			rawArgs, _ := cmd.Flags().GetString("args")
			key, err := idempotencyKeyFlag(cmd)
			if err != nil {
				return err
			}

			id, err := n.engine.InvokeAsync(context.Background(), owner, function, []byte(rawArgs), key)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Promise ID: %s\n", id)
			return nil
		})
	},
}

var workerGetResultCmd = &cobra.Command{
	Use:   "get-result",
	Short: "Resolve a promise created by invoke-async",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(n *node) error {
			promiseID, _ := cmd.Flags().GetString("promise-id")
			record, err := n.engine.GetPromiseResult(promiseIDType(promiseID))
			if err != nil {
				return err
			}
			if !record.Completed {
				fmt.Println("pending")
				return nil
			}
			fmt.Printf("✓ Result: %s\n", string(record.Data))
			return nil
		})
	},
}

var workerInvocationResultCmd = &cobra.Command{
	Use:   "invocation-result",
	Short: "Look up a worker's recorded outcome for one idempotency key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(n *node) error {
			owner, err := ownerFlag(cmd)
			if err != nil {
				return err
			}
			key, err := idempotencyKeyFlag(cmd)
			if err != nil {
				return err
			}

			result, err := n.engine.GetResult(owner, key)
			if err != nil {
				return err
			}
			switch {
			case result.Pending:
				fmt.Println("pending")
			case result.Err != nil:
				fmt.Printf("error: %s: %s\n", result.Err.Kind, result.Err.Details)
			default:
				fmt.Printf("✓ Result: %s\n", string(result.Ok))
			}
			return nil
		})
	},
}

var workerInterruptCmd = &cobra.Command{
	Use:   "interrupt",
	Short: "Interrupt a loaded worker's in-flight invocation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(n *node) error {
			owner, err := ownerFlag(cmd)
			if err != nil {
				return err
			}
			kind, _ := cmd.Flags().GetString("kind")
			if err := n.engine.Interrupt(owner, runtime.InterruptKind(kind)); err != nil {
				return err
			}
			fmt.Println("✓ Interrupt delivered")
			return nil
		})
	},
}

var workerUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Request an update to a worker's component version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(n *node) error {
			owner, err := ownerFlag(cmd)
			if err != nil {
				return err
			}
			targetVersion, _ := cmd.Flags().GetInt("target-version")
			mode, _ := cmd.Flags().GetString("mode")
			description, _ := cmd.Flags().GetString("description")

			if err := n.engine.Update(owner, targetVersion, types.UpdateMode(mode), description); err != nil {
				return err
			}
			fmt.Println("✓ Update requested; will finalize on next load/recovery")
			return nil
		})
	},
}

var workerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a worker's aggregated status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(n *node) error {
			owner, err := ownerFlag(cmd)
			if err != nil {
				return err
			}
			record, err := n.engine.GetStatus(owner)
			if err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", record.Status)
			fmt.Printf("Component version: %d\n", record.ComponentVersion)
			for _, pu := range record.PendingUpdates {
				fmt.Printf("Pending update: target=%d mode=%s\n", pu.TargetVersion, pu.Mode)
			}
			return nil
		})
	},
}

var workerOplogCmd = &cobra.Command{
	Use:   "oplog",
	Short: "Read a worker's oplog entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(n *node) error {
			owner, err := ownerFlag(cmd)
			if err != nil {
				return err
			}
			from, _ := cmd.Flags().GetUint64("from")
			count, _ := cmd.Flags().GetInt("count")

			entries, err := n.engine.ReadOplog(owner, types.OplogIndex(from), count)
			if err != nil {
				return err
			}
			printEntries(entries)
			return nil
		})
	},
}

var workerSearchOplogCmd = &cobra.Command{
	Use:   "search-oplog",
	Short: "Search a worker's oplog with a conjunctive field-match filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(n *node) error {
			owner, err := ownerFlag(cmd)
			if err != nil {
				return err
			}
			from, _ := cmd.Flags().GetUint64("from")
			count, _ := cmd.Flags().GetInt("count")
			kind, _ := cmd.Flags().GetString("kind")
			function, _ := cmd.Flags().GetString("function")

			query := enginequeryFrom(kind, function)
			entries, err := n.engine.SearchOplog(owner, types.OplogIndex(from), query, count)
			if err != nil {
				return err
			}
			printEntries(entries)
			return nil
		})
	},
}

var workerLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List a directory inside a worker's sandbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(n *node) error {
			owner, err := ownerFlag(cmd)
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("path")
			names, err := n.engine.ListDirectory(owner, path)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		})
	},
}

var workerCatCmd = &cobra.Command{
	Use:   "cat",
	Short: "Print a file inside a worker's sandbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(n *node) error {
			owner, err := ownerFlag(cmd)
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("path")
			data, err := n.engine.ReadFile(owner, path)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		})
	},
}

func printEntries(entries map[types.OplogIndex]types.OplogEntry) {
	if len(entries) == 0 {
		fmt.Println("No entries")
		return
	}
	indices := make([]types.OplogIndex, 0, len(entries))
	for idx := range entries {
		indices = append(indices, idx)
	}
	for i := 0; i < len(indices); i++ {
		for j := i + 1; j < len(indices); j++ {
			if indices[j] < indices[i] {
				indices[i], indices[j] = indices[j], indices[i]
			}
		}
	}
	for _, idx := range indices {
		e := entries[idx]
		fmt.Printf("%d\t%s\t%s\n", idx, e.Kind, e.FunctionName)
	}
}

func promiseIDType(s string) promise.Id { return promise.Id(s) }

func enginequeryFrom(kind, function string) engine.OplogQuery {
	return engine.OplogQuery{Kind: types.EntryKind(kind), FunctionName: function}
}
