package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lyncmos/internal/app"
	"lyncmos/internal/config"
	"lyncmos/internal/core"
	"lyncmos/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "mos",
	Short: "Lync MOS core runtime",
	Long: `mos runs the matatu operating system core: trips, tickets, trust and daily
revenue anchoring behind a health-aware runtime, an RPC gateway and an HTTP API.
- Workspace: the .mos directory holding the SQLite store; mos.yml sits next to it.
- Runtime: BOOTING -> WARMING -> READY, with DEGRADED and READ_ONLY blocking writes and a circuit breaker on failures.
- Platform keys: privileged consumers send X-Platform-Key; roles map to capabilities in mos.yml.
- Event log: every bus event is journaled, view it with 'mos log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(viper.GetString("log-level"), false)
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MOS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/mos.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level")
	rootCmd.PersistentFlags().Bool("offline", false, "do not connect the cross-process bus transport")
	for _, name := range []string{"workspace", "config", "json", "log-level", "offline"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(tripsCmd())
	rootCmd.AddCommand(ticketsCmd())
	rootCmd.AddCommand(crewCmd())
	rootCmd.AddCommand(closureCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
}

// --- helpers ---

func setupLogging(level string, jsonFormat bool) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.WarnLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)
	if jsonFormat {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// loadConfig reads --config or the workspace mos.yml (defaults when
// absent) and applies the environment overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("redis-url"); v != "" {
		cfg.Bus.Transport = config.TransportRedis
		cfg.Bus.RedisURL = v
	}
	if v := viper.GetString("signing-secret"); v != "" {
		cfg.Anchor.SigningSecret = v
	}
	if v := viper.GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, viper.GetString("workspace"), cfg, app.Options{
		Logger:  logrus.StandardLogger(),
		Offline: viper.GetBool("offline"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResponse prints an envelope and turns its fault into the command error.
func printResponse[T any](resp core.Response[T]) error {
	if viper.GetBool("json") {
		if err := printJSON(resp); err != nil {
			return err
		}
	} else if resp.Error == nil {
		if err := printJSONOrTable(resp.Data); err != nil {
			return err
		}
	}
	if resp.Error != nil {
		return fmt.Errorf("%s (core %s)", resp.Error.Error(), resp.CoreState)
	}
	return nil
}
