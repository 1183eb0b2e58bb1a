// Command relaykit-cli is the gateway's operator command-line tool: config
// validation, invalid-key cleanup, and admin session token issuance.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	gateway "github.com/relaykit/gateway"
	"github.com/relaykit/gateway/internal/admin"
	"github.com/relaykit/gateway/internal/logging"
	"github.com/relaykit/gateway/internal/version"
)

func main() {
	root := &cobra.Command{
		Use:   "relaykit-cli",
		Short: "Operator tool for the relaykit gateway",
	}

	root.AddCommand(
		newServeCmd(),
		newConfigCmd(),
		newKeysCmd(),
		newAdminCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.Short())
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Build the gateway from config and exit; it does not serve traffic (relaykitd does)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrDefault(cfgPath)
			if err != nil {
				return err
			}
			logging.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
			gw, err := gateway.New(*cfg)
			if err != nil {
				return fmt.Errorf("building gateway: %w", err)
			}
			defer func() { _ = gw.Close() }()

			fmt.Println("gateway built, run the relaykitd binary to actually serve traffic")
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to a gateway config file (YAML or JSON)")
	return cmd
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate gateway configuration",
	}

	var cfgPath string
	validate := &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a gateway configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no config file given; pass one as an argument or --config")
			}
			cfg, err := gateway.LoadConfig(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := gateway.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Println("config is valid")
			fmt.Printf("  database driver:       %s\n", cfg.Database.Driver)
			fmt.Printf("  health check interval: %dm\n", cfg.HealthCheck.IntervalMinutes)
			fmt.Printf("  log queue strategy:    %s\n", cfg.RequestLogging.Queue.FullStrategy)
			return nil
		},
	}
	validate.Flags().StringVar(&cfgPath, "config", "", "path to a gateway config file (YAML or JSON)")
	configCmd.AddCommand(validate)
	return configCmd
}

func newKeysCmd() *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Operate on group API keys",
	}

	var cfgPath, groupID string
	clearInvalid := &cobra.Command{
		Use:   "clear-invalid",
		Short: "Remove every key whose last observation was a sticky 401, in one group or (with no --group) across all of them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrDefault(cfgPath)
			if err != nil {
				return err
			}
			gw, err := gateway.New(*cfg)
			if err != nil {
				return fmt.Errorf("building gateway: %w", err)
			}
			defer func() { _ = gw.Close() }()

			ctx := context.Background()
			tracker := gw.Tracker()

			groupIDs := []string{groupID}
			if groupID == "" {
				groups, err := gw.Store().ListGroups(ctx)
				if err != nil {
					return fmt.Errorf("listing groups: %w", err)
				}
				groupIDs = groupIDs[:0]
				for _, g := range groups {
					groupIDs = append(groupIDs, g.ID)
				}
			}

			total := 0
			for _, gid := range groupIDs {
				hashes := tracker.InvalidKeyHashes(gid)
				if len(hashes) == 0 {
					continue
				}
				n, err := gw.Store().RemoveKeysByHash(ctx, gid, hashes)
				if err != nil {
					return fmt.Errorf("removing keys from group %s: %w", gid, err)
				}
				for _, h := range hashes {
					tracker.Forget(gid, h)
				}
				total += n
			}
			fmt.Printf("removed %d invalid key(s) across %d group(s)\n", total, len(groupIDs))
			return nil
		},
	}
	clearInvalid.Flags().StringVar(&cfgPath, "config", "", "path to a gateway config file (YAML or JSON)")
	clearInvalid.Flags().StringVar(&groupID, "group", "", "group id to clean up (default: every group)")
	keysCmd.AddCommand(clearInvalid)
	return keysCmd
}

func newAdminCmd() *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Operate on the admin session-token layer",
	}
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage admin session tokens",
	}

	var ttl time.Duration
	issueToken := &cobra.Command{
		Use:   "issue",
		Short: "Issue an admin session token signed with GATEWAY_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("GATEWAY_JWT_SECRET")
			if strings.TrimSpace(secret) == "" {
				return fmt.Errorf("GATEWAY_JWT_SECRET is not set")
			}
			tok, err := admin.IssueSessionToken([]byte(secret), ttl)
			if err != nil {
				return fmt.Errorf("issuing token: %w", err)
			}
			fmt.Println(tok)
			return nil
		},
	}
	issueToken.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	tokenCmd.AddCommand(issueToken)
	adminCmd.AddCommand(tokenCmd)
	return adminCmd
}

func loadConfigOrDefault(path string) (*gateway.Config, error) {
	if path == "" {
		cfg := gateway.Default()
		return &cfg, nil
	}
	return gateway.LoadConfig(path)
}
