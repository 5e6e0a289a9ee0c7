package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lyncmos/internal/app"
	"lyncmos/internal/config"
	"lyncmos/internal/core"
	"lyncmos/internal/domain"
	"lyncmos/internal/engine"
	"lyncmos/internal/engine/auth"
	"lyncmos/internal/repo"
	mossdk "lyncmos/sdk/go"
)

func seedCmd() *cobra.Command {
	var opts app.SeedOptions
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the Super Metro fixture",
		Long:  "Loads the core Super Metro fleet (branches, vehicles, crew, routes, trips) and optionally generated extra branches, crew and vehicles.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sum, err := app.Seed(ctx, a.Repo, time.Now(), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	}
	cmd.Flags().IntVar(&opts.Branches, "branches", 0, "extra generated branches")
	cmd.Flags().IntVar(&opts.Crew, "crew", 0, "extra generated crew members")
	cmd.Flags().IntVar(&opts.Vehicles, "vehicles", 0, "extra generated vehicles")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 1, "generator seed")
	return cmd
}

func tripsCmd() *cobra.Command {
	trips := &cobra.Command{Use: "trips", Short: "Inspect and drive trips"}
	trips.AddCommand(tripsListCmd())
	trips.AddCommand(tripsDispatchCmd())
	trips.AddCommand(tripsStatusCmd())
	return trips
}

func tripsListCmd() *cobra.Command {
	var f repo.TripFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trips",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.Status = domain.TripStatus(status)
				trips, err := a.Engine.ListTrips(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(trips)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Route", "Vehicle", "Status", "Scheduled", "Revenue", "Tickets", "Anchored"})
				for _, t := range trips {
					anchored := ""
					if t.AnchorID != nil {
						anchored = *t.AnchorID
					}
					tw.AppendRow(table.Row{t.ID, t.RouteID, t.VehicleID, t.Status, t.ScheduledTime, t.TotalRevenue, t.TicketCount, anchored})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.VehicleID, "vehicle", "", "vehicle filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max trips")
	return cmd
}

func tripsDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <trip-id>",
		Short: "Start a READY trip, subject to the revenue lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				resp := core.ExecuteSafe(ctx, a.Runtime, func(ctx context.Context) (domain.Trip, error) {
					return a.Engine.DispatchTrip(ctx, args[0])
				}, domain.Trip{}, core.Options{Name: "dispatch", Write: true})
				return printResponse(resp)
			})
		},
	}
}

func tripsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <trip-id> <status>",
		Short: "Change a trip's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				resp := core.ExecuteSafe(ctx, a.Runtime, func(ctx context.Context) (domain.Trip, error) {
					return a.Engine.UpdateTripStatus(ctx, args[0], domain.TripStatus(args[1]))
				}, domain.Trip{}, core.Options{Name: "updateTripStatus", Write: true})
				return printResponse(resp)
			})
		},
	}
}

func ticketsCmd() *cobra.Command {
	tickets := &cobra.Command{Use: "tickets", Short: "Sell tickets"}
	var req engine.TicketRequest
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a ticket on an active trip and send the receipt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				resp := core.ExecuteSafe(ctx, a.Runtime, func(ctx context.Context) (domain.Ticket, error) {
					return a.Engine.IssueTicket(ctx, req)
				}, domain.Ticket{}, core.Options{Name: "ticket", Write: true})
				return printResponse(resp)
			})
		},
	}
	issue.Flags().StringVar(&req.TripID, "trip", "", "trip id")
	issue.Flags().StringVar(&req.Phone, "phone", "", "passenger phone")
	issue.Flags().Int64Var(&req.Amount, "amount", 0, "fare in KES")
	_ = issue.MarkFlagRequired("trip")
	_ = issue.MarkFlagRequired("phone")
	_ = issue.MarkFlagRequired("amount")
	tickets.AddCommand(issue)
	return tickets
}

func crewCmd() *cobra.Command {
	crew := &cobra.Command{Use: "crew", Short: "Inspect crew trust"}
	crew.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List crew members with trust scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				members, err := a.Repo.ListCrew(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Phone", "Trust", "Incentive"})
				for _, c := range members {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Role, c.Phone, fmt.Sprintf("%.2f", c.TrustScore), c.IncentiveBalance})
				}
				tw.Render()
				return nil
			})
		},
	})
	crew.AddCommand(&cobra.Command{
		Use:   "decay",
		Short: "Apply one round of trust decay now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sched, err := app.NewScheduler(a.Engine, a.Runtime, a.Config, a.Log)
				if err != nil {
					return err
				}
				return printResponse(sched.Decay(ctx))
			})
		},
	})
	return crew
}

func closureCmd() *cobra.Command {
	closure := &cobra.Command{Use: "closure", Short: "Daily revenue anchoring"}
	var saccoID, day string
	run := &cobra.Command{
		Use:   "run",
		Short: "Anchor a day's completed revenue",
		Long:  "Without --sacco every sacco is closed, as the scheduled job does.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if saccoID != "" {
					resp := core.ExecuteSafe(ctx, a.Runtime, func(ctx context.Context) (domain.DailyAnchor, error) {
						return a.Engine.PerformDailyClosure(ctx, saccoID, day)
					}, domain.DailyAnchor{}, core.Options{Name: "performDailyClosure", Write: true})
					return printResponse(resp)
				}
				sched, err := app.NewScheduler(a.Engine, a.Runtime, a.Config, a.Log)
				if err != nil {
					return err
				}
				results := sched.Closure(ctx, day)
				if err := printJSONOrTable(results); err != nil {
					return err
				}
				for _, r := range results {
					if r.Error != nil {
						return r.Error
					}
				}
				return nil
			})
		},
	}
	run.Flags().StringVar(&saccoID, "sacco", "", "sacco id (default all)")
	run.Flags().StringVar(&day, "date", "", "day to close, YYYY-MM-DD (default today)")
	closure.AddCommand(run)
	return closure
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Platform key registry"}
	var key, capability string
	check := &cobra.Command{
		Use:   "check",
		Short: "Check whether a key grants a capability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc := auth.FromConfig(cfg)
			id, authErr := svc.Authorize(key, capability)
			out := map[string]any{
				"allowed":      authErr == nil,
				"consumer":     svc.ConsumerInfo(key),
				"capabilities": svc.Capabilities(key),
			}
			if authErr != nil {
				out["error"] = authErr.Error()
			} else {
				out["consumer"] = id
			}
			if err := printJSONOrTable(out); err != nil {
				return err
			}
			return authErr
		},
	}
	check.Flags().StringVar(&key, "key", "", "platform key")
	check.Flags().StringVar(&capability, "capability", auth.CapSystemHealth, "capability to check")
	_ = check.MarkFlagRequired("key")
	keys.AddCommand(check)
	return keys
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event journal"}
	var n int
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest journaled events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, n, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Origin", "Payload"})
				for _, e := range events {
					payload := e.Payload
					if len(payload) > 80 {
						payload = payload[:77] + "..."
					}
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Origin, payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	log.AddCommand(tail)
	return log
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect mos.yml",
		Long:  "Config covers the runtime thresholds, dispatch revenue lock, trust decay, bus transport, gateway limits and the platform key registry.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			c.Anchor.SigningSecret = "[REDACTED]"
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default mos.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	return cfg
}

func statusCmd() *cobra.Command {
	var url, key string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := mossdk.New(url, key)
			health, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}
			state, err := client.State(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]any{"health": health, "state": state}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("Core: %s (healthy=%t, version %s)\n", health.Status, health.Healthy, health.Version)
			fmt.Printf("Uptime: %s, breaker failures: %d, circuit open: %t\n", state.Uptime, state.Failures, state.CircuitOpen)
			fmt.Println("Dependencies:")
			for name, ok := range state.Dependencies {
				fmt.Printf("  %s: %t\n", name, ok)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8080", "server base URL")
	cmd.Flags().StringVar(&key, "key", "", "platform key")
	return cmd
}
