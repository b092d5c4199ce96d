package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/arif7esat/hadi/internal/config"
	"github.com/arif7esat/hadi/internal/daemon"
	"github.com/arif7esat/hadi/internal/ipc"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hadi",
		Short: "Watch a directory tree and auto-commit clean change batches",
		Long: "hadi is a daemon that monitors a directory tree, collapses noisy " +
			"filesystem events into deduplicated change batches, and commits them " +
			"to git with generated messages.",
	}

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(commitCmd())
	rootCmd.AddCommand(pushCmd())
	rootCmd.AddCommand(flushCmd())
	rootCmd.AddCommand(initCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func startCmd() *cobra.Command {
	var watch string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the hadi daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if watch != "" {
				cfg.WatchPath = watch
			}

			// Refuse to double-start against a live daemon.
			client := ipc.NewClient(cfg.SocketPath)
			if err := client.Ping(); err == nil {
				fmt.Println("daemon is already running")
				return nil
			}

			// Remove stale socket file (from a prior crash).
			if _, err := os.Stat(cfg.SocketPath); err == nil {
				_ = os.Remove(cfg.SocketPath)
			}

			logger := log.New(os.Stderr, "", log.LstdFlags)
			ipcServer := ipc.NewServer(logger)
			d := daemon.New(cfg, ipcServer, logger)
			ipcServer.SetDaemon(d)

			// Blocks until signal, IPC failure, or watch-source death.
			return d.Start()
		},
	}

	cmd.Flags().String("config", "", "Path to config file")
	cmd.Flags().StringVar(&watch, "watch", "", "Directory tree to monitor (overrides config)")

	return cmd
}

func stopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the hadi daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			if err := client.RequestStop(); err != nil {
				return fmt.Errorf("stop daemon: %w", err)
			}
			fmt.Println("daemon stopping")
			return nil
		},
	}
	cmd.Flags().String("config", "", "Path to config file")
	return cmd
}

func pingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check if the daemon is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			if err := client.Ping(); err != nil {
				fmt.Println("daemon is not running")
				return err
			}
			fmt.Println("daemon is alive")
			return nil
		},
	}
	cmd.Flags().String("config", "", "Path to config file")
	return cmd
}

func statusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			status, err := client.Status()
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}

			if jsonOutput {
				out, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("uptime:            %s\n", status.Uptime)
			fmt.Printf("watching:          %s\n", status.WatchPath)
			fmt.Printf("raw events:        %d\n", status.Engine.TotalEvents)
			fmt.Printf("ignored:           %d\n", status.Engine.IgnoredEvents)
			fmt.Printf("suppressed no-ops: %d\n", status.Engine.SuppressedEvents)
			fmt.Printf("settled records:   %d\n", status.Engine.SettledRecords)
			fmt.Printf("batches delivered: %d\n", status.Engine.BatchesDelivered)
			fmt.Printf("pending records:   %d\n", status.Engine.PendingRecords)
			fmt.Printf("pending batch:     %d\n", status.Engine.PendingBatch)
			fmt.Printf("pending commit:    %d files\n", status.PendingCommitFiles)
			fmt.Printf("batches stored:    %d\n", status.BatchesCount)
			fmt.Printf("commits made:      %d\n", status.CommitsCount)
			fmt.Printf("db size:           %d bytes\n", status.DBSizeBytes)
			if status.Engine.SourceFailed {
				fmt.Println("WARNING: watch source failed")
			}
			return nil
		},
	}

	cmd.Flags().String("config", "", "Path to config file")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	return cmd
}

func commitCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit pending changes right now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			hash, err := client.Commit(message)
			if err != nil {
				return fmt.Errorf("commit: %w", err)
			}
			if hash == "" {
				fmt.Println("nothing to commit")
				return nil
			}
			fmt.Printf("committed %s\n", hash)
			return nil
		},
	}
	cmd.Flags().String("config", "", "Path to config file")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Commit message (skips generation)")
	return cmd
}

func pushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push unpushed commits right now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			if err := client.Push(); err != nil {
				return fmt.Errorf("push: %w", err)
			}
			fmt.Println("pushed")
			return nil
		},
	}
	cmd.Flags().String("config", "", "Path to config file")
	return cmd
}

func flushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Force-flush the pending change batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			if err := client.Flush(); err != nil {
				return fmt.Errorf("flush: %w", err)
			}
			fmt.Println("flushed")
			return nil
		},
	}
	cmd.Flags().String("config", "", "Path to config file")
	return cmd
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = config.ConfigPath()
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			cfg := config.Default()
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().String("config", "", "Path to config file")
	return cmd
}
