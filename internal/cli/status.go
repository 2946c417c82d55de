package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soyeahso/calldesk/internal/config"
	"github.com/soyeahso/calldesk/internal/llm"
	"github.com/soyeahso/calldesk/internal/version"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show calldesk status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("calldesk %s (commit %s)\n\n", version.Version, version.Commit)

			fmt.Printf("Config:  %s\n", paths.Config)
			fmt.Printf("Data:    %s\n", paths.Data)
			fmt.Printf("Logs:    %s\n", paths.Logs)
			fmt.Println()

			if _, err := os.Stat(paths.Config); os.IsNotExist(err) {
				fmt.Println("Config:  not found (using defaults)")
			}
			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Printf("Config:  error loading: %v\n", err)
				return nil
			}

			fmt.Printf("Server:  port=%d bind=%s monitor-auth=%s tls=%v\n",
				cfg.Server.Port, cfg.Server.Bind, cfg.Server.Auth.Mode, cfg.Server.TLS.Enabled)
			if cfg.Server.PublicURL != "" {
				fmt.Printf("Webhook: %s/voice/answer\n", strings.TrimSuffix(cfg.Server.PublicURL, "/"))
			}
			fmt.Printf("Twilio:  signatures=%v language=%s\n", cfg.Twilio.ValidateSignature, cfg.Twilio.Language)

			storeDesc := cfg.Store.Driver
			if storeDesc == "sqlite" {
				storeDesc += " " + paths.StorePath(&cfg)
			}
			fmt.Printf("Store:   %s (locks: %s)\n", storeDesc, cfg.Lock.Driver)

			registry := llm.NewRegistryFromConfig(cfg.LLM, log)
			if providers := registry.List(); len(providers) > 0 {
				fmt.Printf("LLM:     %s (extraction: %s)\n", strings.Join(providers, ", "), cfg.Conversation.Extraction)
			} else {
				fmt.Println("LLM:     (none available)")
			}

			var targets []string
			if cfg.Notify.Log {
				targets = append(targets, "log")
			}
			if cfg.Notify.SMTP != nil {
				targets = append(targets, "smtp "+cfg.Notify.SMTP.Host)
			}
			if cfg.Notify.Gmail != nil {
				targets = append(targets, "gmail")
			}
			if irc := cfg.Notify.IRC; irc != nil {
				targets = append(targets, fmt.Sprintf("irc %s %s", irc.Server, strings.Join(irc.Channels, ",")))
			}
			if len(targets) == 0 {
				targets = []string{"(none)"}
			}
			fmt.Printf("Notify:  %s\n", strings.Join(targets, "; "))

			fmt.Printf("Businesses in config: %d\n", len(cfg.Businesses))
			for _, b := range cfg.BusinessContexts() {
				fmt.Printf("  %-16s %-14s %s\n", b.BusinessID, b.PhoneNumber, b.Category)
			}

			if issues := config.Validate(&cfg); len(issues) > 0 {
				fmt.Printf("\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
				}
			}
			return nil
		},
	}
}
