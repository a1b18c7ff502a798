package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meschain/syncrelay/internal/models"
	"github.com/meschain/syncrelay/internal/storage"
	"github.com/meschain/syncrelay/internal/syncer"
	"github.com/meschain/syncrelay/internal/webhook"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp wires the process for a one-shot command and tears it down after.
func withApp(configPath string, run func(ctx context.Context, a *app) error) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()
	return run(context.Background(), a)
}

func webhookCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage webhook subscriptions",
	}

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a webhook subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			var in webhook.RegisterInput
			in.EventType, _ = cmd.Flags().GetString("event")
			in.URL, _ = cmd.Flags().GetString("url")
			in.Secret, _ = cmd.Flags().GetString("secret")
			in.Description, _ = cmd.Flags().GetString("description")

			return withApp(*configPath, func(ctx context.Context, a *app) error {
				sub, err := a.registry.Register(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(sub)
			})
		},
	}
	registerCmd.Flags().String("event", "", "event type or pattern, e.g. order.created or order.*")
	registerCmd.Flags().String("url", "", "receiver URL")
	registerCmd.Flags().String("secret", "", "signing secret (generated when empty)")
	registerCmd.Flags().String("description", "", "free-form description")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List webhook subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				subs, _, err := a.registry.List(ctx, models.Page{Limit: models.MaxPageLimit})
				if err != nil {
					return err
				}
				if len(subs) == 0 {
					fmt.Println("No webhooks found.")
					return nil
				}
				for _, s := range subs {
					state := "enabled"
					if !s.Enabled {
						state = "disabled"
					}
					fmt.Printf("  %s  %-24s  %-8s  %s  (ok %d / err %d)\n",
						s.ID, s.EventType, state, s.URL, s.SuccessCount, s.ErrorCount)
				}
				return nil
			})
		},
	}

	setEnabled := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: use + " a webhook subscription",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(*configPath, func(ctx context.Context, a *app) error {
					sub, err := a.registry.SetEnabled(ctx, args[0], enabled)
					if err != nil {
						return err
					}
					return printJSON(sub)
				})
			},
		}
	}

	removeCmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a webhook subscription and its delivery history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				if err := a.registry.Remove(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Removed %s\n", args[0])
				return nil
			})
		},
	}

	testCmd := &cobra.Command{
		Use:   "test <id>",
		Short: "Send a signed test ping to a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				res, err := a.dispatcher.Test(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}

	cmd.AddCommand(registerCmd, listCmd, setEnabled("enable", true), setEnabled("disable", false), removeCmd, testCmd)
	return cmd
}

func syncCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push entities to marketplaces and inspect sync state",
	}

	requestCmd := &cobra.Command{
		Use:   "request <entity-type> <entity-id> <marketplace>",
		Short: "Push one entity and wait for the result",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := cmd.Flags().GetString("payload")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			req := syncer.SyncRequest{
				EntityType:  models.EntityType(args[0]),
				EntityID:    args[1],
				Marketplace: args[2],
			}
			if payload != "" {
				req.Payload = json.RawMessage(payload)
			}

			return withApp(*configPath, func(ctx context.Context, a *app) error {
				a.start()
				defer a.stop()

				h, err := a.syncer.RequestSync(ctx, req)
				if err != nil {
					return err
				}
				wctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				rec, err := h.Wait(wctx)
				if wctx.Err() != nil {
					fmt.Fprintln(os.Stderr, "still retrying; the record stays pending and serve will resume it")
					rec, err = a.syncer.GetSyncStatus(ctx, h.Key())
					if err != nil {
						return err
					}
					return printJSON(rec)
				}
				if perr := printJSON(rec); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	requestCmd.Flags().String("payload", "", "entity JSON; the stored payload is reused when empty")
	requestCmd.Flags().Duration("timeout", 2*time.Minute, "how long to wait for the sync to settle")

	statusCmd := &cobra.Command{
		Use:   "status <entity-type> <entity-id> <marketplace>",
		Short: "Show the sync record for one entity",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				rec, err := a.syncer.GetSyncStatus(ctx, models.SyncKey{
					EntityType:  models.EntityType(args[0]),
					EntityID:    args[1],
					Marketplace: args[2],
				})
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sync records",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			mp, _ := cmd.Flags().GetString("marketplace")
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				recs, total, err := a.admin.ListSyncRecords(ctx, storage.SyncRecordFilter{
					Status:      models.SyncStatus(status),
					Marketplace: mp,
				}, models.Page{Limit: models.MaxPageLimit})
				if err != nil {
					return err
				}
				for _, r := range recs {
					fmt.Printf("  %-40s  %-8s  attempts=%d\n", r.Key(), r.Status, r.AttemptCount)
				}
				fmt.Printf("%d record(s)\n", total)
				return nil
			})
		},
	}
	listCmd.Flags().String("status", "", "pending, synced or failed")
	listCmd.Flags().String("marketplace", "", "filter by marketplace")

	cmd.AddCommand(requestCmd, statusCmd, listCmd)
	return cmd
}

func eventsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Publish domain events",
	}

	publishCmd := &cobra.Command{
		Use:   "publish <event-type>",
		Short: "Publish an event and deliver it to matching webhooks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := cmd.Flags().GetString("payload")
			id, _ := cmd.Flags().GetString("id")
			wait, _ := cmd.Flags().GetDuration("wait")

			ev := &models.DomainEvent{ID: id, EventType: args[0]}
			if payload != "" {
				ev.Payload = json.RawMessage(payload)
			}

			return withApp(*configPath, func(ctx context.Context, a *app) error {
				a.start()
				defer a.stop()

				res, err := a.dispatcher.Publish(ctx, ev)
				if err != nil {
					return err
				}
				// Give first attempts a chance to go out; retries are left
				// for serve.
				if wait > 0 && len(res.Deliveries) > 0 {
					time.Sleep(wait)
				}
				return printJSON(res)
			})
		},
	}
	publishCmd.Flags().String("payload", "", "event payload JSON")
	publishCmd.Flags().String("id", "", "event id; generated when empty")
	publishCmd.Flags().Duration("wait", 5*time.Second, "time to let first attempts run before exiting")

	cmd.AddCommand(publishCmd)
	return cmd
}

func notificationsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Show the notification feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			unread, _ := cmd.Flags().GetBool("unread")
			markRead, _ := cmd.Flags().GetBool("mark-read")
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				items, _, err := a.feed.List(ctx, storage.NotificationFilter{UnreadOnly: unread}, models.Page{Limit: models.MaxPageLimit})
				if err != nil {
					return err
				}
				for _, n := range items {
					fmt.Printf("  %s  %-7s  %-16s  %s: %s\n",
						n.CreatedAt.Format(time.RFC3339), n.Severity, n.Type, n.Title, n.Message)
				}
				if markRead {
					marked, err := a.feed.MarkAllRead(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Marked %d notification(s) read\n", marked)
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("unread", false, "only unread notifications")
	cmd.Flags().Bool("mark-read", false, "mark all notifications read after listing")
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [webhook-id]",
		Short: "Show delivery statistics, overall or for one webhook",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					stats, err := a.admin.SubscriptionStats(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(stats)
				}
				stats, err := a.admin.GetStatistics(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func pruneCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete delivery history and notifications past their retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				res, err := a.janitor.Prune(ctx)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}
