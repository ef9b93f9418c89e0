package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/durablewasm/pkg/component"
	"github.com/cuemby/durablewasm/pkg/runtime"
	"github.com/cuemby/durablewasm/pkg/types"
)

var componentCmd = &cobra.Command{
	Use:   "component",
	Short: "Install and inspect components",
	Long: `Component commands upload a wasm component's bytes into the payload
store and register its metadata, the way a running node's ComponentService
is populated before any worker can be created against that component.`,
}

func init() {
	for _, c := range []*cobra.Command{componentInstallCmd, componentShowCmd} {
		c.Flags().String("data-dir", "./durablewasm-data", "Node data directory")
		c.Flags().String("account", "default", "Account ID the component is registered under")
	}

	componentInstallCmd.Flags().String("id", "", "Component ID (required)")
	componentInstallCmd.Flags().Int("version", 1, "Component version")
	componentInstallCmd.Flags().String("file", "", "Path to the .wasm component bytes (required)")
	componentInstallCmd.Flags().String("type", string(types.ComponentDurable), "durable|ephemeral")
	componentInstallCmd.Flags().StringSlice("plugin", nil, "Plugin name to activate for this component (repeatable)")
	_ = componentInstallCmd.MarkFlagRequired("id")
	_ = componentInstallCmd.MarkFlagRequired("file")

	componentShowCmd.Flags().String("id", "", "Component ID (required)")
	componentShowCmd.Flags().Int("version", 0, "Version to show (0 = latest)")
	_ = componentShowCmd.MarkFlagRequired("id")

	componentCmd.AddCommand(componentInstallCmd, componentShowCmd)
}

var componentInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Upload a component's bytes and register its metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(n *node) error {
			id, _ := cmd.Flags().GetString("id")
			version, _ := cmd.Flags().GetInt("version")
			file, _ := cmd.Flags().GetString("file")
			componentType, _ := cmd.Flags().GetString("type")
			pluginNames, _ := cmd.Flags().GetStringSlice("plugin")
			account, _ := cmd.Flags().GetString("account")

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}

			ref, err := n.oplogStore.Upload(data)
			if err != nil {
				return fmt.Errorf("uploading component bytes: %w", err)
			}

			exports, err := listExports(n, data)
			if err != nil {
				return fmt.Errorf("inspecting exports: %w", err)
			}

			meta := component.Metadata{
				ComponentId:   types.ComponentId(id),
				Version:       version,
				Size:          uint64(len(data)),
				ComponentType: types.ComponentType(componentType),
				Exports:       exports,
				Plugins:       pluginNames,
				PayloadRef:    ref,
			}
			if err := n.components.Put(account, meta); err != nil {
				return fmt.Errorf("registering component metadata: %w", err)
			}

			fmt.Printf("✓ Installed %s v%d (%d bytes, %d exports, ref %s)\n", id, version, len(data), len(exports), ref)
			return nil
		})
	},
}

var componentShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a component's registered metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(n *node) error {
			id, _ := cmd.Flags().GetString("id")
			version, _ := cmd.Flags().GetInt("version")
			account, _ := cmd.Flags().GetString("account")

			var versionPtr *int
			if version > 0 {
				versionPtr = &version
			}
			meta, err := n.components.GetMetadata(account, types.ComponentId(id), versionPtr)
			if err != nil {
				return err
			}

			fmt.Printf("Component: %s v%d\n", meta.ComponentId, meta.Version)
			fmt.Printf("Type: %s\n", meta.ComponentType)
			fmt.Printf("Size: %d bytes\n", meta.Size)
			fmt.Printf("Payload ref: %s\n", meta.PayloadRef)
			fmt.Printf("Plugins: %v\n", meta.Plugins)
			for _, e := range meta.Exports {
				fmt.Printf("Export: %s(%v) -> %s\n", e.Name, e.ParamTypes, e.ResultType)
			}
			return nil
		})
	},
}

// listExports instantiates the component just long enough to ask the
// runtime what it exports, then tears the instance back down. Installed
// metadata is static after this, so workers created from it don't pay an
// instantiate-and-introspect cost on every load.
func listExports(n *node, data []byte) ([]runtime.ExportedFunction, error) {
	ctx := context.Background()
	inst, err := n.wasm.Instantiate(ctx, data)
	if err != nil {
		return nil, err
	}
	defer n.wasm.Close(ctx, inst)
	return n.wasm.ListExports(ctx, inst)
}
