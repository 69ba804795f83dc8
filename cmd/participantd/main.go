// Command participantd runs the participant executor against one
// coordination-store connection: it publishes a LiveInstance lease,
// watches its inbound message queue, and dispatches state-model
// transitions. Grounded on the teacher's cmd/warren "worker start"
// subcommand (embedded-resource bootstrap, signal-driven shutdown).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/partitionctl/internal/log"
	"github.com/cuemby/partitionctl/internal/model"
	"github.com/cuemby/partitionctl/internal/participant"
	"github.com/cuemby/partitionctl/internal/statemodel"
	"github.com/cuemby/partitionctl/internal/store"
	"github.com/google/uuid"
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
	Use:   "participantd",
	Short: "Participant executor: consumes state-transition messages and reports CurrentState",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "participantd.yaml", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	log.InitFromFlags(rootCmd, "participantd")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register this instance as live and start the executor",
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
		if err := registerInstanceConfig(ctx, s, cfg); err != nil {
			return fmt.Errorf("register instance config: %w", err)
		}

		sessionID := uuid.NewString()
		if err := publishLiveInstance(ctx, s, cfg.Instance, sessionID); err != nil {
			return fmt.Errorf("publish live instance: %w", err)
		}
		defer func() {
			_ = s.ReleaseSession(context.Background(), sessionID)
		}()

		registry := statemodel.NewRegistry()
		registry.Register(statemodel.OnlineOffline(), newLoggingHandlerFactory(log.Logger))
		registry.Register(statemodel.MasterSlave(), newLoggingHandlerFactory(log.Logger))

		e := participant.New(cfg.Instance, sessionID, s, registry, cfg.Concurrency)

		runCtx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- e.Start(runCtx)
		}()

		fmt.Printf("✓ Participant %q live (session %s)\n", cfg.Instance, sessionID)
		fmt.Println("Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			if err != nil {
				fmt.Fprintf(os.Stderr, "executor stopped: %v\n", err)
			}
		}
		e.Stop()
		cancel()
		return nil
	},
}

func registerInstanceConfig(ctx context.Context, s store.Store, cfg *config) error {
	ic := &model.InstanceConfig{Name: cfg.Instance, Host: cfg.Host, Port: cfg.Port, Enabled: true, Tags: cfg.Tags}
	_, err := s.Update(ctx, "/CONFIGS/PARTICIPANT/"+cfg.Instance, func(current []byte, stat store.Stat) ([]byte, error) {
		return json.Marshal(ic)
	})
	return err
}

func publishLiveInstance(ctx context.Context, s store.Store, instance, sessionID string) error {
	li := &model.LiveInstance{Name: instance, SessionID: sessionID}
	data, err := json.Marshal(li)
	if err != nil {
		return err
	}
	_, _, err = s.CreateEphemeral(ctx, "/LIVEINSTANCES/"+instance, data, sessionID)
	return err
}
