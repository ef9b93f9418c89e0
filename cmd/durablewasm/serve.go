package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/cuemby/durablewasm/pkg/cluster"
	"github.com/cuemby/durablewasm/pkg/config"
	"github.com/cuemby/durablewasm/pkg/metrics"
	"github.com/cuemby/durablewasm/pkg/rpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a durablewasm node",
	Long: `Run a durablewasm node: loads (or bootstraps) its oplog, component,
promise and plugin stores, connects to the wasm runtime, and starts the
scheduler, metrics endpoint, and (optionally) the raft shard coordinator
and the cross-node WorkerProxy RPC server.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "YAML config file (defaults applied for anything omitted)")
	serveCmd.Flags().String("node-id", "", "Override node_id from config")
	serveCmd.Flags().String("data-dir", "", "Override data_dir from config")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP endpoint")
	serveCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on the metrics server")

	serveCmd.Flags().Bool("cluster-enabled", false, "Join/bootstrap the raft shard coordinator")
	serveCmd.Flags().String("cluster-bind-addr", "127.0.0.1:7600", "Raft bind address")
	serveCmd.Flags().String("cluster-join-addr", "", "Existing cluster member to join (empty bootstraps a new cluster)")

	serveCmd.Flags().Bool("rpc-enabled", false, "Start the mTLS WorkerProxy gRPC server")
	serveCmd.Flags().String("rpc-addr", "127.0.0.1:7601", "WorkerProxy gRPC listen address")
	serveCmd.Flags().String("rpc-cert", "", "WorkerProxy server certificate (PEM)")
	serveCmd.Flags().String("rpc-key", "", "WorkerProxy server key (PEM)")
	serveCmd.Flags().String("rpc-ca", "", "WorkerProxy client CA bundle (PEM)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	n, err := openNode(cfg)
	if err != nil {
		return fmt.Errorf("opening node: %w", err)
	}
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go n.scheduler.Run(ctx)
	metrics.RegisterComponent("oplog", true, "ready")
	metrics.RegisterComponent("runtime", true, "ready")
	fmt.Println("✓ Scheduler started")

	var shardCoord *cluster.Cluster
	clusterEnabled, _ := cmd.Flags().GetBool("cluster-enabled")
	if clusterEnabled {
		bindAddr, _ := cmd.Flags().GetString("cluster-bind-addr")
		joinAddr, _ := cmd.Flags().GetString("cluster-join-addr")
		shardCoord, err = cluster.Bootstrap(cluster.Config{
			NodeID:   cfg.NodeID,
			BindAddr: bindAddr,
			DataDir:  cfg.DataDir,
			JoinAddr: joinAddr,
		})
		if err != nil {
			return fmt.Errorf("bootstrapping cluster: %w", err)
		}
		defer shardCoord.Shutdown()
		if joinAddr == "" {
			// Single-node bootstrap: this node owns every shard it will
			// ever be asked about until a peer joins and shards are
			// rebalanced (rebalancing is an operator action, not modeled
			// here).
			time.Sleep(200 * time.Millisecond)
			if shardCoord.IsLeader() {
				for i := 0; i < defaultShardCount; i++ {
					_ = shardCoord.AssignShard(shardName(i), cfg.NodeID)
				}
			}
		}
		metrics.RegisterComponent("cluster", true, "ready")
		fmt.Printf("✓ Cluster coordinator started (node %s, raft %s)\n", cfg.NodeID, bindAddr)
	} else {
		metrics.RegisterComponent("cluster", true, "disabled")
	}

	var rpcServer *grpc.Server
	rpcEnabled, _ := cmd.Flags().GetBool("rpc-enabled")
	if rpcEnabled {
		certFile, _ := cmd.Flags().GetString("rpc-cert")
		keyFile, _ := cmd.Flags().GetString("rpc-key")
		caFile, _ := cmd.Flags().GetString("rpc-ca")
		rpcAddr, _ := cmd.Flags().GetString("rpc-addr")

		impl := &workerProxyServer{engine: n.engine, cluster: shardCoord, selfNodeID: cfg.NodeID}
		rpcServer, err = rpc.NewServer(rpc.TLSFiles{CertFile: certFile, KeyFile: keyFile, CAFile: caFile}, impl)
		if err != nil {
			return fmt.Errorf("starting worker proxy server: %w", err)
		}
		lis, err := net.Listen("tcp", rpcAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", rpcAddr, err)
		}
		go func() {
			if err := rpcServer.Serve(lis); err != nil {
				fmt.Fprintf(os.Stderr, "worker proxy server error: %v\n", err)
			}
		}()
		fmt.Printf("✓ WorkerProxy RPC listening on %s\n", rpcAddr)
	}

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	metrics.SetVersion(Version)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()
	fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
	fmt.Printf("✓ Health endpoints: http://%s/{health,ready,live}\n", metricsAddr)

	fmt.Println()
	fmt.Println("Node is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	cancel()
	if rpcServer != nil {
		rpcServer.GracefulStop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	if err := n.engine.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down engine: %w", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return cfg, err
		}
	}

	if nodeID, _ := cmd.Flags().GetString("node-id"); nodeID != "" {
		cfg.NodeID = nodeID
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, cfg.Validate()
}

const defaultShardCount = 8

func shardName(i int) string { return fmt.Sprintf("shard-%d", i) }
