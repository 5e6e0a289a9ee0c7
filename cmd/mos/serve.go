package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"lyncmos/internal/app"
)

func serveCmd() *cobra.Command {
	var addr string
	var seed bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, RPC gateway and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := viper.GetString("log-level")
			if !viper.IsSet("log-level") {
				level = "info"
			}
			setupLogging(level, true)
			log := logrus.StandardLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			a, err := app.Build(cmd.Context(), viper.GetString("workspace"), cfg, app.Options{Logger: log, Offline: viper.GetBool("offline")})
			if err != nil {
				return err
			}
			defer a.Close()
			if seed {
				sum, err := app.Seed(cmd.Context(), a.Repo, time.Now(), app.SeedOptions{})
				if err != nil {
					return err
				}
				log.WithFields(logrus.Fields{"trips": sum.Trips, "crew": sum.Crew}).Info("serve: fixture loaded")
			}

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: a.Handler, ReadHeaderTimeout: 10 * time.Second}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return a.Run(ctx) })
			g.Go(func() error {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error {
				log.WithFields(logrus.Fields{
					"addr":      cfg.Server.Addr,
					"base_path": cfg.Server.BasePath,
					"state":     a.Runtime.State(),
				}).Info("serve: listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			err = g.Wait()
			log.Info("serve: stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().BoolVar(&seed, "seed", false, "load the Super Metro fixture before serving")
	return cmd
}
