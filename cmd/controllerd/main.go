// Command controllerd runs the controller pipeline: cluster data
// cache, rebalancer, throttle engine, message dispatch, behind Raft
// leader election. Grounded on the teacher's cmd/warren: a cobra root
// command with persistent logging flags and a handful of subcommands,
// trimmed to the bootstrap surface spec.md's Non-goals allow (no admin
// REST, no full CLI tree).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/partitionctl/internal/cache"
	"github.com/cuemby/partitionctl/internal/election"
	"github.com/cuemby/partitionctl/internal/events"
	"github.com/cuemby/partitionctl/internal/log"
	"github.com/cuemby/partitionctl/internal/metrics"
	"github.com/cuemby/partitionctl/internal/model"
	"github.com/cuemby/partitionctl/internal/pipeline"
	"github.com/cuemby/partitionctl/internal/rebalance"
	"github.com/cuemby/partitionctl/internal/statemodel"
	"github.com/cuemby/partitionctl/internal/store"
	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "controllerd",
	Short: "Partition controller: rebalance, throttle, and dispatch transitions to participants",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "controllerd.yaml", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(serveMetricsCmd)

	clusterCmd.AddCommand(clusterInitCmd)
	clusterCmd.AddCommand(clusterAddResourceCmd)

	clusterAddResourceCmd.Flags().Int("partitions", 1, "Number of partitions")
	clusterAddResourceCmd.Flags().Int("replicas", 1, "Replica count per partition")
	clusterAddResourceCmd.Flags().String("mode", string(model.RebalanceModeSemiAuto), "Rebalance mode (SEMI_AUTO, FULL_AUTO, CUSTOMIZED, USER_DEFINED)")
	clusterAddResourceCmd.Flags().String("state-model", "MasterSlave", "State model name (OnlineOffline, MasterSlave)")
}

func initLogging() {
	log.InitFromFlags(rootCmd, "controllerd")
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage cluster-wide declarations",
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new cluster's coordination store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cfgPath)
		if err != nil {
			return err
		}
		s, err := store.NewBoltStore(cfg.StorePath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		ctx := context.Background()
		if err := putDefault(ctx, s, "/CONFIGS/CLUSTER/"+cfg.ClusterName, &model.ClusterConfig{Name: cfg.ClusterName}); err != nil {
			return fmt.Errorf("write cluster config: %w", err)
		}
		if err := putDefault(ctx, s, "/STATEMODELDEFS/OnlineOffline", statemodel.OnlineOffline()); err != nil {
			return fmt.Errorf("register OnlineOffline: %w", err)
		}
		if err := putDefault(ctx, s, "/STATEMODELDEFS/MasterSlave", statemodel.MasterSlave()); err != nil {
			return fmt.Errorf("register MasterSlave: %w", err)
		}

		fmt.Printf("✓ Cluster %q initialized at %s\n", cfg.ClusterName, cfg.StorePath)
		return nil
	},
}

var clusterAddResourceCmd = &cobra.Command{
	Use:   "add-resource NAME",
	Short: "Declare an IdealState for a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		partitions, _ := cmd.Flags().GetInt("partitions")
		replicas, _ := cmd.Flags().GetInt("replicas")
		mode, _ := cmd.Flags().GetString("mode")
		stateModel, _ := cmd.Flags().GetString("state-model")

		cfg, err := loadConfig(cfgPath)
		if err != nil {
			return err
		}
		s, err := store.NewBoltStore(cfg.StorePath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		is := &model.IdealState{
			Resource:      name,
			NumPartitions: partitions,
			ReplicaCount:  replicas,
			RebalanceMode: model.RebalanceMode(mode),
			StateModelRef: stateModel,
		}
		if err := putDefault(context.Background(), s, "/IDEALSTATES/"+name, is); err != nil {
			return fmt.Errorf("write ideal state: %w", err)
		}
		fmt.Printf("✓ Resource %q declared: %d partitions, %d replicas, mode %s\n", name, partitions, replicas, mode)
		return nil
	},
}

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Serve the Prometheus metrics endpoint standalone (for scraping tests)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cfgPath)
		if err != nil {
			return err
		}
		http.Handle("/metrics", metrics.Handler())
		fmt.Printf("Serving metrics on http://%s/metrics\n", cfg.MetricsAddr)
		return http.ListenAndServe(cfg.MetricsAddr, nil)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller pipeline behind Raft leader election",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cfgPath)
		if err != nil {
			return err
		}
		interval, err := time.ParseDuration(cfg.PipelineInterval)
		if err != nil {
			return fmt.Errorf("parse pipeline_interval: %w", err)
		}

		s, err := store.NewBoltStore(cfg.StorePath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		elector, err := newElector(cfg)
		if err != nil {
			return fmt.Errorf("start leader election: %w", err)
		}
		defer elector.Close()

		cc, err := loadClusterConfig(context.Background(), s, cfg.ClusterName)
		if err != nil {
			return fmt.Errorf("load cluster config: %w", err)
		}

		c := cache.New(s)
		registry := rebalance.NewRegistry()
		delay := rebalance.NewDelayTracker(cc.DelayRebalanceTimeMs, cc.DelayRebalanceDisabled)
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		p := pipeline.New(s, c, registry, delay, broker, interval)

		go func() {
			http.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
				log.Logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", cfg.MetricsAddr)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		leaderTicker := time.NewTicker(time.Second)
		defer leaderTicker.Stop()
		running := false
		go func() {
			for {
				select {
				case <-leaderTicker.C:
					isLeader := elector.IsLeader()
					metrics.RaftLeader.Set(boolToFloat(isLeader))
					if isLeader && !running {
						running = true
						p.Start(ctx)
						fmt.Println("✓ Acquired CONTROLLER/LEADER, pipeline started")
					} else if !isLeader && running {
						running = false
						p.Stop()
						fmt.Println("Lost CONTROLLER/LEADER, pipeline stopped")
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		fmt.Println("Controller running. Press Ctrl+C to stop.")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")
		return nil
	},
}

func newElector(cfg *config) (election.Elector, error) {
	ec := election.Config{NodeID: cfg.NodeID, BindAddr: cfg.BindAddr, DataDir: cfg.DataDir}
	if cfg.JoinAddr != "" {
		return election.Join(ec, cfg.JoinAddr)
	}
	return election.New(ec)
}

func loadClusterConfig(ctx context.Context, s store.Store, clusterName string) (*model.ClusterConfig, error) {
	data, _, err := s.Get(ctx, "/CONFIGS/CLUSTER/"+clusterName)
	if err != nil {
		return nil, err
	}
	cc := &model.ClusterConfig{}
	if err := json.Unmarshal(data, cc); err != nil {
		return nil, err
	}
	return cc, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func putDefault(ctx context.Context, s store.Store, path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _, err = s.Create(ctx, path, data)
	if store.IsVersionConflict(err) {
		return nil // already initialized; idempotent
	}
	return err
}
