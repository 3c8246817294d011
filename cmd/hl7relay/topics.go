package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vpms/hl7relay/internal/infrastructure/redpanda"
)

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	var replicas int16
	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Create the hl7relay topics if they do not exist",
		RunE: withAdmin(func(ctx context.Context, admin *redpanda.Admin, args []string) error {
			statuses, err := admin.Ensure(ctx, replicas)
			for _, s := range statuses {
				state := "exists"
				if s.Created {
					state = "created"
				}
				fmt.Printf("%s\t%s\n", s.Name, state)
			}
			return err
		}),
	}
	ensure.Flags().Int16Var(&replicas, "replicas", 1, "replication factor for new topics")
	cmd.AddCommand(ensure)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: withAdmin(func(ctx context.Context, admin *redpanda.Admin, args []string) error {
			names, err := admin.List(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "describe TOPIC",
		Short: "Show partition leaders and replicas",
		Args:  cobra.ExactArgs(1),
		RunE: withAdmin(func(ctx context.Context, admin *redpanda.Admin, args []string) error {
			partitions, err := admin.Partitions(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(partitions)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lag [GROUP]",
		Short: "Show consumer group lag, defaulting to the configured group",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			group := cfg.Kafka.Consumer.GroupID
			if len(args) == 1 {
				group = args[0]
			}
			return withAdmin(func(ctx context.Context, admin *redpanda.Admin, _ []string) error {
				lag, err := admin.Lag(ctx, group)
				if err != nil {
					return err
				}
				return printJSON(lag)
			})(cmd, args)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete TOPIC...",
		Short: "Delete topics",
		Args:  cobra.MinimumNArgs(1),
		RunE: withAdmin(func(ctx context.Context, admin *redpanda.Admin, args []string) error {
			return admin.Delete(ctx, args...)
		}),
	})

	return cmd
}

func withAdmin(fn func(ctx context.Context, admin *redpanda.Admin, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer logger.Sync()

		admin, err := redpanda.NewAdmin(cfg.Kafka.Producer.Brokers, logger)
		if err != nil {
			return err
		}
		defer admin.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		return fn(ctx, admin, args)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
