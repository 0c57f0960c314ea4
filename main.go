package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petervdpas/mentality/internal/app"
	"github.com/petervdpas/mentality/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "mentality.json"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mentality",
		Short:        "Realtime client core for the Mentality platform",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newInitCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var open bool
	cmd := &cobra.Command{
		Use:   "run <dir>",
		Short: "Connect and serve the local viewer until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dataDir(args[0])
			if err != nil {
				return err
			}
			cfgPath := filepath.Join(dir, cfgName)
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config (run 'mentality init %s' first): %w", args[0], err)
			}
			if open && cfg.Viewer.HTTPAddr != "" {
				_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
				if err := app.OpenBrowser(url); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "open browser: %v\n", err)
				}
			}
			return app.Run(cmd.Context(), app.Options{Dir: dir, CfgPath: cfgPath, Cfg: cfg})
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "open the viewer in the browser")
	return cmd
}

func newInitCmd() *cobra.Command {
	var (
		userID string
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "init <dir>",
		Short: "Create or update the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(args[0], 0o755); err != nil {
				return err
			}
			dir, err := dataDir(args[0])
			if err != nil {
				return err
			}
			cfgPath := filepath.Join(dir, cfgName)

			if yes {
				if _, created, err := config.Ensure(cfgPath, userID); err != nil {
					return err
				} else if !created {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", cfgPath)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
				return nil
			}

			cfg, err := config.LoadPartial(cfgPath)
			if errors.Is(err, fs.ErrNotExist) {
				cfg = config.Default()
				cfg.Identity.UserID = userID
			} else if err != nil {
				return err
			}
			cfg = app.PromptInteractive(cmd.InOrStdin(), cmd.OutOrStdout(), cfgPath, cfg)
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id for a new config")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "write defaults without prompting (needs --user)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mentality %s\n", appVersion)
		},
	}
}

func dataDir(arg string) (string, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("invalid directory: %w", err)
	}
	if st, err := os.Stat(abs); err != nil || !st.IsDir() {
		return "", fmt.Errorf("directory does not exist: %s", abs)
	}
	return abs, nil
}
