package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/soyeahso/calldesk/internal/config"
	"github.com/soyeahso/calldesk/internal/domain"
	"github.com/soyeahso/calldesk/internal/store"
)

func newBusinessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "business",
		Aliases: []string{"businesses"},
		Short:   "Manage business profiles",
	}

	cmd.AddCommand(newBusinessListCmd())
	cmd.AddCommand(newBusinessShowCmd())
	cmd.AddCommand(newBusinessSeedCmd())
	return cmd
}

// withStores opens the configured stores for a short-lived command.
func withStores(fn func(ctx context.Context, cfg config.Config, st *stores) error) error {
	cfg, logCloser, err := loadConfig()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx := context.Background()
	st, err := openStores(ctx, &cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, cfg, st)
}

func newBusinessListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored businesses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, _ config.Config, st *stores) error {
				list, err := st.businesses.List(ctx)
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Println("No businesses. Add some under `businesses:` and run `calldesk business seed`.")
					return nil
				}
				for _, b := range list {
					status := ""
					if !b.Active {
						status = " (inactive)"
					}
					fmt.Printf("  %-16s %-14s %-9s %s%s\n", b.BusinessID, b.PhoneNumber, b.Category, b.Name, status)
				}
				return nil
			})
		},
	}
}

func newBusinessShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <business-id>",
		Short: "Show a business profile with its defaults applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, _ config.Config, st *stores) error {
				b, err := st.businesses.Get(ctx, args[0])
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("business not found: %s", args[0])
				}
				if err != nil {
					return err
				}
				data, err := yaml.Marshal(b)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
}

func newBusinessSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed [file]",
		Short: "Upsert businesses from the config file, or from a YAML list in file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, cfg config.Config, st *stores) error {
				if len(args) == 1 {
					entries, err := readBusinessFile(args[0])
					if err != nil {
						return err
					}
					cfg.Businesses = entries
				}
				n, err := store.Seed(ctx, st.businesses, cfg.BusinessContexts())
				if err != nil {
					return err
				}
				fmt.Printf("Seeded %d business(es)\n", n)
				return nil
			})
		},
	}
}

func readBusinessFile(path string) ([]config.BusinessEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []config.BusinessEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return entries, nil
}
