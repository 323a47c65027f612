// Site Kit CLI - configure the Google integration and inspect reports.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/blogkit/sitekit/internal/api"
	"github.com/blogkit/sitekit/internal/app"
	"github.com/blogkit/sitekit/internal/config"
	"github.com/blogkit/sitekit/internal/core"
	"github.com/blogkit/sitekit/internal/logging"
	"github.com/blogkit/sitekit/internal/oauth"
	"github.com/blogkit/sitekit/internal/providers"
)

var (
	// Config
	configPath string
	dataDir    string

	// Version
	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sitekit",
		Short: "Site Kit - Google AdSense, Analytics and Search Console for your blog",
		Long: `Site Kit connects a blog to Google AdSense, Analytics and Search Console.

It stores one OAuth client and refresh token, keeps the access token fresh,
and caches provider reports so the dashboard stays fast.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetLevel(logging.WARN)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <data-dir>/config.json)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configureCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(disconnectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.SetDataDir(dataDir)
	}
	return cfg, nil
}

// withApp opens the app for the duration of fn
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// initCmd writes a config file and creates the database
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the config file and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Save(configPath); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				fmt.Println("✅ Site Kit initialized")
				fmt.Printf("   Data directory: %s\n", cfg.DataDir)
				fmt.Printf("   Database:       %s (%s)\n", cfg.Database.DSN, cfg.Database.Driver)
				fmt.Println("\nNext: sitekit configure --client-id <id>")
				return nil
			})
		},
	}
}

// configureCmd stores the OAuth client and per-provider settings
func configureCmd() *cobra.Command {
	var (
		clientID          string
		services          string
		adsenseAccount    string
		analyticsProperty string
		searchConsoleSite string
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Set the OAuth client, enabled services and site identifiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				_, err := a.Integrations.Get(ctx)
				if errors.Is(err, core.ErrNotConfigured) {
					if err := createIntegration(ctx, a, clientID); err != nil {
						return err
					}
				} else if err != nil {
					return err
				}

				patch := core.IntegrationPatch{}
				if cmd.Flags().Changed("services") {
					enabled, err := parseServices(services)
					if err != nil {
						return err
					}
					patch.EnabledServices = enabled
				}
				if cmd.Flags().Changed("adsense-account") {
					patch.AdSenseAccount = &adsenseAccount
				}
				if cmd.Flags().Changed("analytics-property") {
					patch.AnalyticsProperty = &analyticsProperty
				}
				if cmd.Flags().Changed("search-console-site") {
					patch.SearchConsoleSite = &searchConsoleSite
				}

				if !patch.IsEmpty() {
					if _, err := a.Integrations.Update(ctx, patch); err != nil {
						return fmt.Errorf("failed to update integration: %w", err)
					}
				}

				fmt.Println("✅ Integration configured")
				return printStatus(ctx, a)
			})
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "", "OAuth client id (first run only)")
	cmd.Flags().StringVar(&services, "services", "", "enabled services, comma separated (adsense,analytics,search_console)")
	cmd.Flags().StringVar(&adsenseAccount, "adsense-account", "", "AdSense account (accounts/pub-XXXX)")
	cmd.Flags().StringVar(&analyticsProperty, "analytics-property", "", "Analytics property (properties/XXXX)")
	cmd.Flags().StringVar(&searchConsoleSite, "search-console-site", "", "Search Console site URL")
	return cmd
}

func createIntegration(ctx context.Context, a *app.App, clientID string) error {
	if clientID == "" {
		clientID = a.Config.OAuth.ClientID
	}
	if clientID == "" {
		fmt.Print("OAuth client id: ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		clientID = strings.TrimSpace(line)
	}

	secret := a.Config.OAuth.ClientSecret
	if secret == "" {
		fmt.Print("OAuth client secret: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read client secret: %w", err)
		}
		fmt.Println()
		secret = strings.TrimSpace(string(raw))
	}

	if _, err := a.Integrations.Create(ctx, clientID, secret); err != nil {
		return fmt.Errorf("failed to create integration: %w", err)
	}
	return nil
}

func parseServices(list string) (core.Services, error) {
	enabled := core.Services{}
	for _, name := range strings.Split(list, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		p, err := core.ParseProvider(name)
		if err != nil {
			return nil, err
		}
		enabled[p] = true
	}
	return enabled, nil
}

// connectCmd obtains and verifies the refresh token
func connectCmd() *cobra.Command {
	var (
		refreshToken string
		port         int
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Authorize Site Kit with Google",
		Long: `Runs the browser consent flow and stores the resulting refresh token.

With --refresh-token an existing token is stored instead, then verified by
refreshing the access token once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				cfg, err := a.Integrations.Get(ctx)
				if err != nil {
					return err
				}

				if refreshToken != "" {
					if _, err := a.Integrations.SaveAuthorization(ctx, refreshToken, "", nil); err != nil {
						return err
					}
				} else {
					flow := oauth.NewAuthFlow(cfg.ClientID, cfg.ClientSecret, providers.Scopes(), port)
					tok, err := flow.Run(ctx, os.Stdout, timeout)
					if err != nil {
						return err
					}
					expiry := tok.Expiry
					if _, err := a.Integrations.SaveAuthorization(ctx, tok.RefreshToken, tok.AccessToken, &expiry); err != nil {
						return err
					}
				}

				fmt.Println("⏳ Verifying access...")
				if _, err := a.Refresher.EnsureValidToken(ctx); err != nil {
					return fmt.Errorf("verification failed: %w", err)
				}

				fmt.Println("✅ Connected to Google")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "store an existing refresh token instead of running the browser flow")
	cmd.Flags().IntVar(&port, "port", oauth.DefaultCallbackPort, "loopback port for the OAuth redirect")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for authorization")
	return cmd
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Forget stored tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Integrations.Disconnect(ctx); err != nil {
					return err
				}
				fmt.Println("✅ Disconnected")
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show integration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return printStatus(ctx, a)
			})
		},
	}
}

func printStatus(ctx context.Context, a *app.App) error {
	report, err := a.Status.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

// reportCmd fetches one provider report through the cache
func reportCmd() *cobra.Command {
	var (
		start      string
		end        string
		metrics    string
		dimensions string
		limit      int64
	)

	cmd := &cobra.Command{
		Use:   "report <adsense|analytics|search_console>",
		Short: "Fetch a provider report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := core.ParseProvider(args[0])
			if err != nil {
				return err
			}

			params := core.DefaultReportParams(time.Now())
			if start != "" {
				params.StartDate = start
			}
			if end != "" {
				params.EndDate = end
			}
			params.Metrics = splitFlag(metrics)
			params.Dimensions = splitFlag(dimensions)
			params.Limit = limit

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				result, err := a.Reports.Report(ctx, provider, params)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD, default 28 days ago)")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD, default yesterday)")
	cmd.Flags().StringVar(&metrics, "metrics", "", "metrics, comma separated")
	cmd.Flags().StringVar(&dimensions, "dimensions", "", "dimensions, comma separated")
	cmd.Flags().Int64Var(&limit, "limit", 0, "maximum rows")
	return cmd
}

func splitFlag(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the report cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "gc",
		Short: "Delete expired report cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Cache.DeleteExpired(ctx, time.Now())
				if err != nil {
					return err
				}
				fmt.Printf("🧹 Removed %d expired entries\n", n)
				return nil
			})
		},
	})

	return cmd
}

// tokenCmd issues an admin bearer token for the daemon API
func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tok, err := api.NewAdminToken(cfg.Security.AdminJWTSecret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sitekit %s\n", version)
		},
	}
}
