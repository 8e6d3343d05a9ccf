package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/lychee-technology/schemamodel"
	"github.com/lychee-technology/schemamodel/factory"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type storeKey struct{}

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		restore func()
	)

	rootCmd := &cobra.Command{
		Use:           "schemamodel",
		Short:         "Inspect and edit table rows as schema-derived models",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			cfg, err := factory.LoadConfig(cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			if cmd.Name() == "demo" && !cmd.Root().PersistentFlags().Changed("driver") {
				cfg.Database.Driver = "sqlite"
			}
			_, restore, err = factory.InstallLogger(cfg.Logging)
			if err != nil {
				return err
			}

			store, err := factory.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			zap.S().Debugw("connected", "driver", store.Driver())
			cmd.SetContext(context.WithValue(cmd.Context(), storeKey{}, store))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if store := storeFrom(cmd); store != nil {
				if err := store.Close(); err != nil {
					return err
				}
			}
			if restore != nil {
				restore()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default schemamodel.yaml)")
	factory.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newDescribeCmd(), newGetCmd(), newDemoCmd())
	rootCmd.SetContext(context.Background())
	return rootCmd
}

func storeFrom(cmd *cobra.Command) *factory.Store {
	store, _ := cmd.Context().Value(storeKey{}).(*factory.Store)
	return store
}

// parseThrough turns key=join_table pairs into many-to-many relationships.
func parseThrough(store *factory.Store, pairs []string) ([]schemamodel.RelationshipBinder, error) {
	binders := make([]schemamodel.RelationshipBinder, 0, len(pairs))
	for _, pair := range pairs {
		key, join, ok := strings.Cut(pair, "=")
		if !ok || key == "" || join == "" {
			return nil, fmt.Errorf("invalid --through %q: want key=join_table", pair)
		}
		table, err := store.Table(join, nil)
		if err != nil {
			return nil, err
		}
		binders = append(binders, schemamodel.NewManyToMany(key).Through(table))
	}
	return binders, nil
}
