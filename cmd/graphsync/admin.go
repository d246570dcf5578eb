package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/graphsync/internal/schema"
	"github.com/scrypster/graphsync/internal/storage"
	"github.com/scrypster/graphsync/pkg/types"
)

func newSchemaCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage graph constraints and indexes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create domain-key constraints and indexes (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, err := openGraph(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer func() {
				dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
				defer cancel()
				_ = g.Disconnect(dctx)
			}()
			s := schema.Default()
			if err := schema.Ensure(ctx, g, s, a.logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ensured for %d labels\n", len(s.Labels))
			return nil
		},
	})
	return cmd
}

// withBackend opens the store for a short-lived command.
func (a *app) withBackend(ctx context.Context, fn func(storage.Store) error) error {
	be, err := openBackend(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer be.Close()
	return fn(be.store)
}

func newEnqueueCmd(a *app) *cobra.Command {
	var (
		entityType string
		entityID   string
		op         string
		snapshot   string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Append a sync job for one entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := storage.EnqueueRequest{
				Operation:  types.SyncOperation(op),
				EntityType: types.EntityType(entityType),
				EntityID:   entityID,
			}
			if snapshot != "" {
				data, err := os.ReadFile(snapshot)
				if err != nil {
					return fmt.Errorf("read snapshot: %w", err)
				}
				req.PayloadSnapshot = data
			}
			if err := req.Validate(); err != nil {
				return err
			}
			return a.withBackend(cmd.Context(), func(s storage.Store) error {
				e, err := s.Enqueue(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s %s %s/%s\n", e.EntryID, e.Operation, e.EntityType, e.EntityID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "Entity type (space, conversation, memory, fact, context, user)")
	cmd.Flags().StringVar(&entityID, "id", "", "Entity id")
	cmd.Flags().StringVar(&op, "op", string(types.OperationUpsert), "Operation (upsert, delete)")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "JSON file with the last known document, for deletes")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newRequeueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <entry-id>",
		Short: "Move a failed entry back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd.Context(), func(s storage.Store) error {
				if err := s.Requeue(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
				return nil
			})
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	var (
		asJSON bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and recent failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBackend(cmd.Context(), func(s storage.Store) error {
				counts, err := s.Counts(cmd.Context())
				if err != nil {
					return err
				}
				failed, err := s.List(cmd.Context(), types.EntryFailed, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(map[string]any{"counts": counts, "failed": failed})
				}

				fmt.Fprintf(out, "pending=%d processing=%d done=%d failed=%d\n",
					counts.Pending, counts.Processing, counts.Done, counts.Failed)
				if len(failed) == 0 {
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ENTRY\tOP\tENTITY\tATTEMPTS\tUPDATED\tERROR")
				for _, e := range failed {
					fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%d\t%s\t%s\n",
						e.EntryID, e.Operation, e.EntityType, e.EntityID, e.Attempts,
						e.UpdatedAt.Format(time.RFC3339), e.LastError)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().IntVar(&limit, "limit", 20, "Failed entries to list")
	return cmd
}
