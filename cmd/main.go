// File: main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"bdmd/pkg/admin"
	"bdmd/pkg/config"
	"bdmd/pkg/database"
	"bdmd/pkg/dispatcher"
	"bdmd/pkg/listener"
	"bdmd/pkg/logsink"
	"bdmd/pkg/measurement"
	"bdmd/pkg/metrics"
	"bdmd/pkg/registry"
	"bdmd/pkg/target"
)

var (
	debugFlag  bool
	configFile string
	logLevel   = new(slog.LevelVar)
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bdmd [flags] PORT...",
	Short: "Device management daemon for measurement probes",
	Long: `bdmd answers UDP requests from measurement probes: it registers
devices, delivers their mailbox, stores their logs and books measurement
servers for them. It listens on every PORT given (1024-65535).`,
	Args: cobra.MinimumNArgs(1),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set up logging based on the debug flag
		if debugFlag {
			logLevel.Set(slog.LevelDebug)
		} else {
			logLevel.Set(slog.LevelInfo)
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		ports, rejected, err := config.ParsePorts(args)
		for _, r := range rejected {
			logger.Warn("Ignoring invalid port", "port", r, "min", config.MinPort, "max", config.MaxPort)
		}
		if err != nil {
			logger.Error("Nothing to listen on", "error", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := serve(ctx, cfg, ports); err != nil {
			logger.Error("Daemon failed", "error", err)
			os.Exit(1)
		}
		logger.Info("Daemon stopped")
	},
}

var initSchemaCmd = &cobra.Command{
	Use:   "init-schema",
	Short: "Create the daemon's tables if they do not exist",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db := initDB(cmd.Context(), cfg)
		defer db.Close()

		if err := db.InitSchema(cmd.Context()); err != nil {
			logger.Error("Error initializing database schema", "error", err)
			os.Exit(1)
		}
		logger.Info("Schema initialized")
	},
}

var addTargetsCmd = &cobra.Command{
	Use:   "add-targets [file]",
	Short: "Add measurement servers from a catalogue file to the database",
	Long: `Each line of the file describes one target:

  <fqdn> <ip|-> <service>[!]:<info> ...

An address of "-" is resolved from the name; "!" marks an exclusive service.`,
	Example: "add-targets /etc/bdmd/targets",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db := initDB(cmd.Context(), cfg)
		defer db.Close()

		im := target.NewImporter(db, afero.NewOsFs(), nil, logger)
		added, err := im.AddTargetsFromFile(cmd.Context(), args[0], time.Now())
		if err != nil {
			logger.Error("Error adding targets", "error", err, "added", added)
			os.Exit(1)
		}
		logger.Info("Targets added successfully", "count", added)
	},
}

var probeCmd = &cobra.Command{
	Use:     "probe [addr] [payload...]",
	Short:   "Send one request to a running daemon and print the reply",
	Example: "probe 127.0.0.1:8090 OW0123456789AB ping v1.2.3",
	Args:    cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		reply, err := sendProbe(cmd.Context(), args[0], strings.Join(args[1:], " "), timeout)
		if err != nil {
			logger.Error("Probe failed", "addr", args[0], "error", err)
			os.Exit(1)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%q\n", reply)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Optional YAML config file; environment variables take precedence")
	probeCmd.Flags().Duration("timeout", 5*time.Second, "How long to wait for a reply")

	rootCmd.AddCommand(initSchemaCmd)
	rootCmd.AddCommand(addTargetsCmd)
	rootCmd.AddCommand(probeCmd)
}

func loadConfig() *config.Config {
	v := viper.New()
	if err := config.Bind(v); err != nil {
		logger.Error("Error binding configuration", "error", err)
		os.Exit(1)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			logger.Error("Error reading config file", "file", configFile, "error", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Debug {
		logLevel.Set(slog.LevelDebug)
	}
	return cfg
}

func initDB(ctx context.Context, cfg *config.Config) *database.DB {
	db, err := database.NewDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("Error connecting to database", "error", err)
		os.Exit(1)
	}
	return db
}

func serve(ctx context.Context, cfg *config.Config, ports []int) error {
	db, err := database.NewDB(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	d := dispatcher.New(
		db,
		registry.New(db, logger),
		logsink.New(afero.NewOsFs(), cfg.LogSink.Dir, cfg.LogSink.Recipient, db, logger),
		measurement.NewScheduler(db, cfg.Scheduler, m, logger),
		m,
		logger,
	)

	var listeners []*listener.Listener
	for _, port := range ports {
		l, err := listener.Listen(ctx, listener.Address(port), d, cfg.Listener, m, logger)
		if err != nil {
			for _, opened := range listeners {
				opened.Close()
			}
			return err
		}
		listeners = append(listeners, l)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(func() error { return l.Serve(gctx) })
	}
	if cfg.Admin.Addr != "" {
		srv := admin.New(cfg.Admin.Addr, reg, db, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	logger.Info("Daemon started",
		"ports", ports,
		"time_error", cfg.Scheduler.TimeError,
		"max_delay", cfg.Scheduler.MaxDelay,
		"default_target", cfg.Scheduler.DefaultTarget)

	return g.Wait()
}

func sendProbe(ctx context.Context, addr, payload string, timeout time.Duration) (string, error) {
	dialer := &transport.UDPDialer{}
	conn, err := dialer.DialPacket(ctx, addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(payload)); err != nil {
		return "", err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}

	buf := make([]byte, 65535)
	n, err := conn.Read(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", fmt.Errorf("no reply within %s", timeout)
		}
		return "", err
	}
	return string(buf[:n]), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
