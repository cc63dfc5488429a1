package main

import (
	"context"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"signoff/internal/app"
	"signoff/internal/domain"
	"signoff/internal/engine"
)

func submitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	var flow string
	var extra map[string]string
	cmd := &cobra.Command{
		Use:   "submit <kind:id>",
		Short: "Submit an artifact for approval",
		Long: `Opens an approval process at the artifact's current level. Sponsors submitting
their own work skip to level 2. Approvers default to the project's whole pool for that level.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actor, err := rt.ResolveActor(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				opts.Artifact = ref
				opts.ActorID = actor.ID
				opts.FlowType = domain.FlowType(flow)
				if len(extra) > 0 {
					opts.Extra = make(map[string]any, len(extra))
					for k, v := range extra {
						opts.Extra[k] = v
					}
				}
				p, err := rt.Engine.Submit(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().IntVar(&opts.Level, "level", 0, "approval level (1 or 2); defaults to the artifact's current level")
	cmd.Flags().StringVar(&flow, "flow", "", "flow type: SINGLE, JOIN or OR (default from signoff.yml)")
	cmd.Flags().StringSliceVar(&opts.Approvers, "approver", nil, "approver user id (repeatable); defaults to the level's pool")
	cmd.Flags().StringVar(&opts.Comments, "comments", "", "comments")
	cmd.Flags().StringToStringVar(&extra, "extra", nil, "extra process data key=value")
	return cmd
}

type decisionFunc func(h engine.Handler, ctx context.Context, actorID, comments string) (domain.Process, error)

func decisionCmd(use, short string, act decisionFunc) *cobra.Command {
	var comments string
	cmd := &cobra.Command{
		Use:   use + " <kind:id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actor, err := rt.ResolveActor(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				p, err := act(rt.Engine.Handler(ref), ctx, actor.ID, comments)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "comments")
	return cmd
}

func reviewCmd() *cobra.Command {
	var comments string
	cmd := &cobra.Command{
		Use:   "review <kind:id>",
		Short: "Record the final review of an approved artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actor, err := rt.ResolveActor(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				a, err := rt.Engine.Handler(ref).Review(ctx, actor.ID, comments)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "comments")
	return cmd
}

func processCmd() *cobra.Command {
	proc := &cobra.Command{Use: "process", Short: "Inspect approval processes"}
	proc.AddCommand(&cobra.Command{
		Use:   "list <kind:id>",
		Short: "List processes of an artifact, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ProcessesFor(ctx, ref)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Level", "Flow", "Status", "Resubmit", "Created", "Finished")
				for _, p := range items {
					finished := ""
					if p.FinishedAt != nil {
						finished = *p.FinishedAt
					}
					tw.AppendRow(table.Row{p.ID, p.Data.Stage, p.Data.FlowType, p.Status, p.Data.IsResubmit == 1, p.CreatedAt, finished})
				}
				tw.Render()
				return nil
			})
		},
	})
	return proc
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Inspect approval tasks"}
	var processID string
	list := &cobra.Command{
		Use:   "list <kind:id>",
		Short: "List tasks of an artifact, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.TasksFor(ctx, ref, processID)
				if err != nil {
					return err
				}
				return printTasks(items)
			})
		},
	}
	list.Flags().StringVar(&processID, "process", "", "only tasks of this process")
	task.AddCommand(list)
	task.AddCommand(&cobra.Command{
		Use:   "mine",
		Short: "List tasks waiting for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actor, err := rt.ResolveActor(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				items, err := rt.Engine.PendingTasks(ctx, actor.ID)
				if err != nil {
					return err
				}
				return printTasks(items)
			})
		},
	})
	return task
}

func permsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "perms <kind:id>",
		Short: "Show the acting user's permissions on an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actor, err := rt.ResolveActor(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				perms, err := rt.Engine.Permissions(ctx, actor.ID, ref)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"actor_id": actor.ID, "artifact": ref.String(), "permissions": perms})
			})
		},
	}
}

func printTasks(items []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Process", "Owner", "Permission", "Flow", "Status", "Created")
	for _, t := range items {
		tw.AppendRow(table.Row{t.ID, t.ProcessID, t.OwnerID, t.OwnerPermission, t.FlowTaskType, t.Status.Display(t.Data.IsFirst == 1), t.CreatedAt})
	}
	tw.Render()
	return nil
}
