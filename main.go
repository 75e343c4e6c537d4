// Package main implements reddit-notifier, which runs saved Reddit searches on
// a schedule and emails each recipient a digest of submissions they have not
// been sent before.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"reddit-notifier/config"
	"reddit-notifier/server"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

// flagKeys maps command-line flags to the config keys they override.
var flagKeys = map[string]string{
	"skipdedupe": "dedupe.skip",
	"onerun":     "run.once",
	"verbose":    "logging.verbose",
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "reddit-notifier",
		Short: "Email digests of new Reddit search results",
		Long: `reddit-notifier runs the configured Reddit searches every
search_interval_minutes and emails each recipient the submissions they have
not been sent before.

Configuration is read from default_base_config.json (beside the binary or in
the working directory), then the file given with --config, then
REDDIT_NOTIFIER_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runScheduler,
	}

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "user config file merged over the base config")
	pf.BoolP("skipdedupe", "s", false, "ignore previously sent results and do not record new ones")
	pf.BoolP("verbose", "v", false, "enable debug logging")
	root.Flags().BoolP("onerun", "o", false, "run the searches once and exit")

	root.AddCommand(newServeCmd(), newAuthCmd())
	return root
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.close()

	return env.monitor.Loop(ctx, env.cfg.Interval, env.cfg.Once)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve /health and a POST /pollz trigger instead of the built-in schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer env.close()

			port := env.cfg.Server.Port
			// Cloud Run injects PORT.
			if p := os.Getenv("PORT"); p != "" {
				port = p
			}

			srv := server.New(&server.Config{
				Poller: env.monitor,
				Logger: env.logger,
			})
			return srv.ListenAndServe(ctx, port)
		},
	}
}

// loadConfig merges the base config, the --config file and the environment,
// and binds the command's flags over them.
func loadConfig(cmd *cobra.Command) (*config.Accessor, error) {
	userFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	files := []string{baseConfigFile()}
	files = append(files, userFile)

	a, err := config.Load(files...)
	if err != nil {
		return nil, err
	}
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := a.BindFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	return a, nil
}

// baseConfigFile returns the base config beside the executable, else the one
// in the working directory, else "".
func baseConfigFile() string {
	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	for _, dir := range dirs {
		path := filepath.Join(dir, config.BaseConfigName)
		if _, err := os.Stat(path); err == nil {
			return path
		} else if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Cannot stat base config", "path", path, "error", err)
		}
	}
	return ""
}
