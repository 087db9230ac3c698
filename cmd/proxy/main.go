package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/divergen371/cacheproxy/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy <port>",
		Short: "Caching HTTP/1.0 GET proxy",
		Long: `proxy accepts HTTP/1.0 GET requests in absolute-URI form, forwards them
to the origin server and relays the response back to the client.
Responses up to the configured entry limit are kept in a bounded LRU cache
and served from memory on later requests for the same URI.`,
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Args:    exactlyOnePort,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return usageError(cmd, err)
			}

			opts, err := overrides(cmd, port)
			if err != nil {
				return err
			}
			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath, opts)
			if err != nil {
				return err
			}

			return run(cmd.Context(), cfg)
		},
	}
	// ヘルプとバージョンは標準出力へ、使い方の誤りは usageError が標準エラーへ出す
	cmd.SilenceUsage = true
	cmd.SetFlagErrorFunc(usageError)

	cmd.Flags().String("config", "", "Path to configuration file")
	cmd.Flags().Int("admin-port", 0, "Admin HTTP port (metrics, stats, health); 0 disables it")
	cmd.Flags().Int("max-connections", 0, "Maximum number of concurrent client connections; 0 means unbounded")
	cmd.Flags().Bool("debug", false, "Enable debug logging")

	return cmd
}

func exactlyOnePort(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return usageError(cmd, err)
	}
	return nil
}

// usageError は使い方を標準エラーへ出してから err を返す
func usageError(cmd *cobra.Command, err error) error {
	fmt.Fprintln(cmd.ErrOrStderr(), cmd.UsageString())
	return err
}

// overrides はコマンドラインで指定されたフラグを設定の上書き値に変換する.
// --max-connections は明示された場合のみ上書きするので、0 で無制限を選べる.
func overrides(cmd *cobra.Command, port int) (config.Options, error) {
	fs := cmd.Flags()
	opts := config.Options{Port: port}

	var err error
	if opts.AdminPort, err = fs.GetInt("admin-port"); err != nil {
		return opts, err
	}
	if opts.Debug, err = fs.GetBool("debug"); err != nil {
		return opts, err
	}
	if fs.Changed("max-connections") {
		n, err := fs.GetInt("max-connections")
		if err != nil {
			return opts, err
		}
		opts.MaxConnections = &n
	}
	return opts, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}
