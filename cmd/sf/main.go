package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shopfloor/internal/config"
	"shopfloor/internal/db"
	"shopfloor/internal/engine"
	"shopfloor/internal/migrate"
	"shopfloor/internal/notify"
	"shopfloor/internal/repo"
	"shopfloor/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "Shopfloor CLI",
	Long: `Shopfloor manages factory machines and their production work queues.
- Machines: registered equipment with a status (operational, maintenance, breakdown, inactive).
- Queue: each machine has an ordered backlog of production steps; at most one runs at a time.
- Capacity: ask which machines of a type are free for a time window before committing a batch.
- Reassignment: when a machine goes down, its waiting work moves to a sibling machine automatically.
- Event log: every change is recorded, view with 'sf log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SHOPFLOOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(machineCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(capacityCmd())
	rootCmd.AddCommand(maintenanceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func machineCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "machine",
		Short: "Manage machines",
		Long:  "Machines are the registered equipment. They carry a status; leaving operational cascades onto the queue (running work pauses, waiting work moves to a sibling machine of the same type).",
	}
	m.AddCommand(machineCreateCmd())
	m.AddCommand(machineListCmd())
	m.AddCommand(machineShowCmd())
	m.AddCommand(machineUpdateCmd())
	m.AddCommand(machineStatusCmd())
	m.AddCommand(machineDeleteCmd())
	return m
}

func machineCreateCmd() *cobra.Command {
	var opts engine.MachineCreateOptions
	var capacity, hoursPerDay float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("capacity") {
				opts.Capacity = &capacity
			}
			if cmd.Flags().Changed("hours-per-day") {
				opts.HoursPerDay = &hoursPerDay
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMachine(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "machine name")
	cmd.Flags().StringVar(&opts.Type, "type", "", "machine type")
	cmd.Flags().Float64Var(&capacity, "capacity", 0, "capacity")
	cmd.Flags().StringVar(&opts.CapacityUnit, "capacity-unit", "", "capacity unit")
	cmd.Flags().Float64Var(&hoursPerDay, "hours-per-day", 0, "operating hours per day")
	cmd.Flags().StringVar(&opts.Status, "status", "", "initial status (default operational)")
	cmd.Flags().StringVar(&opts.NextMaintenanceAt, "next-maintenance", "", "next maintenance date (RFC3339)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func machineListCmd() *cobra.Command {
	var f repo.MachineFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				machines, err := e.ListMachines(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(machines)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Next Maintenance"})
				for _, m := range machines {
					next := ""
					if m.NextMaintenanceAt != nil {
						next = *m.NextMaintenanceAt
					}
					tw.AppendRow(table.Row{m.BusinessID, m.Name, m.Type, m.Status, next})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func machineShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetMachine(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func machineUpdateCmd() *cobra.Command {
	var name, mtype, unit, nextMaint, notes string
	var capacity, hoursPerDay float64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update machine fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.MachineUpdateOptions{ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("type") {
				opts.Type = &mtype
			}
			if cmd.Flags().Changed("capacity") {
				opts.Capacity = &capacity
			}
			if cmd.Flags().Changed("capacity-unit") {
				opts.CapacityUnit = &unit
			}
			if cmd.Flags().Changed("hours-per-day") {
				opts.HoursPerDay = &hoursPerDay
			}
			if cmd.Flags().Changed("next-maintenance") {
				opts.NextMaintenanceAt = &nextMaint
			}
			if cmd.Flags().Changed("notes") {
				opts.Notes = &notes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateMachine(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "machine name")
	cmd.Flags().StringVar(&mtype, "type", "", "machine type")
	cmd.Flags().Float64Var(&capacity, "capacity", 0, "capacity")
	cmd.Flags().StringVar(&unit, "capacity-unit", "", "capacity unit")
	cmd.Flags().Float64Var(&hoursPerDay, "hours-per-day", 0, "operating hours per day")
	cmd.Flags().StringVar(&nextMaint, "next-maintenance", "", "next maintenance date (RFC3339, empty clears)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func machineStatusCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Change machine status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateMachineStatus(ctx, args[0], status, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "target status (operational, maintenance, breakdown, inactive)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit note")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func machineDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a machine with no active work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteMachine(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "queue",
		Short: "Manage work queues",
		Long:  "Queue items are production steps lined up on a machine. Waiting items hold dense positions 1..N; starting, completing, or cancelling renumbers the rest.",
	}
	q.AddCommand(queueAddCmd())
	q.AddCommand(queueBatchCmd())
	q.AddCommand(queueListCmd())
	q.AddCommand(queueShowCmd())
	q.AddCommand(queueStartCmd())
	q.AddCommand(queueCompleteCmd())
	q.AddCommand(queueCancelCmd())
	q.AddCommand(queuePauseCmd())
	q.AddCommand(queueResumeCmd())
	q.AddCommand(queueMoveCmd())
	return q
}

func queueAddCmd() *cobra.Command {
	var opts engine.EnqueueOptions
	var hours, quantity float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Enqueue a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("hours") {
				opts.HoursRequired = &hours
			}
			if cmd.Flags().Changed("quantity") {
				opts.Quantity = &quantity
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Enqueue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&opts.MachineID, "machine", "", "machine id or business id")
	cmd.Flags().StringVar(&opts.BatchID, "batch-id", "", "batch id")
	cmd.Flags().StringVar(&opts.BatchNumber, "batch", "", "batch number")
	cmd.Flags().StringVar(&opts.ProductName, "product", "", "product name")
	cmd.Flags().StringVar(&opts.StepID, "step-id", "", "production step id")
	cmd.Flags().StringVar(&opts.StepName, "step", "", "production step name")
	cmd.Flags().StringVar(&opts.ScheduledStart, "scheduled-start", "", "scheduled start (RFC3339)")
	cmd.Flags().StringVar(&opts.ScheduledEnd, "scheduled-end", "", "scheduled end (RFC3339)")
	cmd.Flags().Float64Var(&hours, "hours", 0, "hours required")
	cmd.Flags().Float64Var(&quantity, "quantity", 0, "quantity")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, normal, high, urgent)")
	cmd.Flags().StringVar(&opts.OperatorID, "operator-id", "", "operator id")
	cmd.Flags().StringVar(&opts.OperatorName, "operator", "", "operator name")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("machine")
	return cmd
}

func queueBatchCmd() *cobra.Command {
	var opts engine.BatchEnqueueOptions
	var steps []string
	var quantity float64
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Enqueue all steps of a batch",
		Long:  "Steps are given as id:name:hours triples, e.g. --step cutting:Cutting:2.5. Hours are optional.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("quantity") {
				opts.Quantity = &quantity
			}
			for _, s := range steps {
				step, err := parseStep(s)
				if err != nil {
					return err
				}
				opts.Steps = append(opts.Steps, step)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.EnqueueBatch(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&opts.MachineID, "machine", "", "machine id or business id")
	cmd.Flags().StringVar(&opts.BatchID, "batch-id", "", "batch id")
	cmd.Flags().StringVar(&opts.BatchNumber, "batch", "", "batch number")
	cmd.Flags().StringVar(&opts.ProductName, "product", "", "product name")
	cmd.Flags().Float64Var(&quantity, "quantity", 0, "quantity")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, normal, high, urgent)")
	cmd.Flags().StringArrayVar(&steps, "step", nil, "step as id:name:hours (repeatable)")
	_ = cmd.MarkFlagRequired("machine")
	_ = cmd.MarkFlagRequired("batch")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func parseStep(s string) (engine.BatchStep, error) {
	parts := strings.SplitN(s, ":", 3)
	step := engine.BatchStep{StepID: parts[0]}
	if step.StepID == "" {
		return step, fmt.Errorf("step %q: id is required", s)
	}
	if len(parts) > 1 {
		step.StepName = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		var hours float64
		if _, err := fmt.Sscanf(parts[2], "%f", &hours); err != nil {
			return step, fmt.Errorf("step %q: invalid hours", s)
		}
		step.HoursRequired = &hours
	}
	return step, nil
}

func queueListCmd() *cobra.Command {
	var machineID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show a machine's queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, items, err := e.GetMachineQueue(ctx, machineID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"machine": m, "items": items})
				}
				fmt.Printf("Machine: %s %s (%s)\n", m.BusinessID, m.Name, m.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Pos", "ID", "Batch", "Step", "Priority", "Status"})
				for _, it := range items {
					pos := ""
					if it.Position != nil {
						pos = fmt.Sprintf("%d", *it.Position)
					}
					tw.AppendRow(table.Row{pos, it.BusinessID, it.BatchNumber, it.StepName, it.Priority, it.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&machineID, "machine", "", "machine id or business id")
	_ = cmd.MarkFlagRequired("machine")
	return cmd
}

func queueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a queue item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	return cmd
}

func queueStartCmd() *cobra.Command {
	var operatorID, operatorName string
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start a waiting item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Start(ctx, args[0], operatorID, operatorName, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&operatorID, "operator-id", "", "operator id")
	cmd.Flags().StringVar(&operatorName, "operator", "", "operator name")
	return cmd
}

func queueCompleteCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete the running item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Complete(ctx, args[0], notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "completion notes")
	return cmd
}

func queueCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Cancel(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func queuePauseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause the running item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Pause(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "pause reason")
	return cmd
}

func queueResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused item into the waiting pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Resume(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	return cmd
}

func queueMoveCmd() *cobra.Command {
	var position int
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move a waiting item to a new position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Reposition(ctx, args[0], position, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().IntVar(&position, "to", 0, "target position (1-based)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func capacityCmd() *cobra.Command {
	c := &cobra.Command{Use: "capacity", Short: "Capacity planning"}
	c.AddCommand(capacityCheckCmd())
	return c
}

func capacityCheckCmd() *cobra.Command {
	var q engine.CapacityQuery
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check machine availability for a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.CheckCapacity(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Window: %s .. %s\n", out.WindowStart, out.WindowEnd)
				if out.Message != "" {
					fmt.Println(out.Message)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Conflicts", "Available"})
				for _, m := range out.Machines {
					tw.AppendRow(table.Row{m.BusinessID, m.Name, m.Conflicts, "yes"})
				}
				for _, m := range out.Unavailable {
					tw.AppendRow(table.Row{m.BusinessID, m.Name, m.Conflicts, "no"})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.MachineType, "type", "", "machine type")
	cmd.Flags().Float64Var(&q.HoursRequired, "hours", 0, "hours required")
	cmd.Flags().StringVar(&q.WindowStart, "from", "", "window start (RFC3339, default now)")
	cmd.Flags().StringVar(&q.WindowEnd, "to", "", "window end (RFC3339)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func maintenanceCmd() *cobra.Command {
	m := &cobra.Command{Use: "maintenance", Short: "Maintenance scheduling"}
	m.AddCommand(maintenanceScanCmd())
	return m
}

func maintenanceScanCmd() *cobra.Command {
	var lookahead int
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Move overdue machines into maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.MaintenanceScan(ctx, lookahead, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().IntVar(&lookahead, "lookahead-days", 7, "maintenance lookahead window in days")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: machine status changes, queue moves, reassignments.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if secret := os.Getenv("SHOPFLOOR_JWT_SECRET"); secret != "" {
				cfg.Server.JWTSecret = secret
			}

			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(cmd.Context(), conn); err != nil {
				return err
			}

			log := zerolog.New(os.Stderr).With().Timestamp().Str("component", "serve").Logger()
			e := engine.New(conn, log)
			if cfg.Notifier.LifecycleURL != "" || cfg.Notifier.ReserveURL != "" {
				client := notify.NewHTTPClient(cfg.Notifier.LifecycleURL, cfg.Notifier.ReserveURL,
					cfg.Notifier.Secret, time.Duration(cfg.Notifier.TimeoutSeconds)*time.Second)
				e.Notifier = client
				e.Reserver = client
			}

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:                 cfg.Server.JWTSecret,
					AllowLegacyOperatorHeader: cfg.Server.AllowLegacyOperatorHeader,
					Logger:                    log,
				},
			})
			if err != nil {
				return err
			}

			sched := cron.New()
			if cfg.Maintenance.ScanCron != "" {
				_, err := sched.AddFunc(cfg.Maintenance.ScanCron, func() {
					ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
					defer cancel()
					if _, err := e.MaintenanceScan(ctx, cfg.Maintenance.LookaheadDays, "scheduler"); err != nil {
						log.Warn().Err(err).Msg("scheduled maintenance scan failed")
					}
				})
				if err != nil {
					return fmt.Errorf("invalid maintenance.scan_cron: %w", err)
				}
				sched.Start()
				defer sched.Stop()
			}

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Shopfloor API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)
	e := engine.New(conn, log)
	return fn(ctx, e)
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
