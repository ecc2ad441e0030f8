package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	"github.com/MarcoPoloResearchLab/offline-notes/internal/remote"
	"github.com/MarcoPoloResearchLab/offline-notes/internal/replica"
	"github.com/MarcoPoloResearchLab/offline-notes/internal/syncer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func withSession(run func(cmd *cobra.Command, current *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		current, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer current.close()
		return run(cmd, current, args)
	}
}

func patchFromFlags(cmd *cobra.Command) replica.Patch {
	var patch replica.Patch
	if cmd.Flags().Changed("title") {
		title, _ := cmd.Flags().GetString("title")
		patch.Title = &title
	}
	if cmd.Flags().Changed("body") {
		body, _ := cmd.Flags().GetString("body")
		patch.Body = &body
	}
	return patch
}

func addPatchFlags(cmd *cobra.Command) {
	cmd.Flags().String("title", "", "Note title")
	cmd.Flags().String("body", "", "Note body")
}

func addSyncFlag(cmd *cobra.Command) {
	cmd.Flags().Bool("sync", false, "Run a sync round after the local change")
}

// syncIfRequested runs one round when --sync is set. An unreachable authority is reported
// but is not an error: the change stays queued for the next round.
func syncIfRequested(cmd *cobra.Command, current *session) error {
	if requested, _ := cmd.Flags().GetBool("sync"); !requested {
		return nil
	}
	result, err := current.coord.Run(cmd.Context())
	if errors.Is(err, notes.ErrUnreachable) {
		fmt.Fprintf(cmd.ErrOrStderr(), "offline: %d local changes kept for later\n", current.store.DirtyCount())
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "synced: pushed %d, pulled %d\n", result.Pushed, result.Pulled)
	return nil
}

func applyPatch(note *notes.Note, patch replica.Patch) {
	if patch.Title != nil {
		note.Title = *patch.Title
	}
	if patch.Body != nil {
		note.Body = *patch.Body
	}
}

func parseNoteID(raw string) (notes.NoteID, error) {
	id, err := notes.NewNoteID(raw)
	if err != nil {
		return "", fmt.Errorf("invalid note id %q: %w", raw, err)
	}
	return id, nil
}

func newCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a note locally",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, current *session, _ []string) error {
			ctx := cmd.Context()
			id, err := current.store.Create(ctx)
			if err != nil {
				return err
			}
			patch := patchFromFlags(cmd)
			if patch.Title != nil || patch.Body != nil {
				if err := current.store.Update(ctx, id, patch); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return syncIfRequested(cmd, current)
		}),
	}
	addPatchFlags(cmd)
	addSyncFlag(cmd)
	return cmd
}

func newEditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a note's title or body locally",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, current *session, args []string) error {
			id, err := parseNoteID(args[0])
			if err != nil {
				return err
			}
			if existing, ok := current.store.Get(id); !ok || existing.Deleted {
				return fmt.Errorf("note %s: %w", id, notes.ErrNotFound)
			}
			patch := patchFromFlags(cmd)
			if patch.Title == nil && patch.Body == nil {
				return errors.New("nothing to change: pass --title and/or --body")
			}
			if err := current.store.Update(cmd.Context(), id, patch); err != nil {
				return err
			}
			return syncIfRequested(cmd, current)
		}),
	}
	addPatchFlags(cmd)
	addSyncFlag(cmd)
	return cmd
}

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Mark a note deleted locally; the next sync removes it from the authority",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, current *session, args []string) error {
			id, err := parseNoteID(args[0])
			if err != nil {
				return err
			}
			if _, ok := current.store.Get(id); !ok {
				return fmt.Errorf("note %s: %w", id, notes.ErrNotFound)
			}
			if err := current.store.SoftDelete(cmd.Context(), id); err != nil {
				return err
			}
			return syncIfRequested(cmd, current)
		}),
	}
	addSyncFlag(cmd)
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		includeDeleted bool
		output         string
		query          string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the notes held by this replica",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, current *session, _ []string) error {
			snapshot := current.store.Snapshot()
			listed := snapshot.Search(query)
			if includeDeleted {
				listed = nil
				for _, note := range snapshot.Notes() {
					if replica.Matches(note, query) {
						listed = append(listed, note)
					}
				}
			}
			return writeNotes(cmd.OutOrStdout(), output, listed)
		}),
	}
	cmd.Flags().BoolVar(&includeDeleted, "all", false, "Include notes marked deleted but not yet synced")
	cmd.Flags().StringVarP(&query, "search", "s", "", "Only notes whose title or body contains this text (case-insensitive)")
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format (table, json, yaml)")
	return cmd
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync round with the authority",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, current *session, _ []string) error {
			result, err := current.coord.Run(cmd.Context())
			if err != nil {
				if errors.Is(err, notes.ErrUnreachable) {
					return fmt.Errorf("authority unreachable, %d local changes kept for later: %w", current.store.DirtyCount(), err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d, pulled %d, purged %d, server time %s\n",
				result.Pushed, result.Pulled, result.Purged, result.ServerTime)
			return nil
		}),
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the replica in sync, reacting to authority change events",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, current *session, _ []string) error {
			return runWatch(cmd, current)
		}),
	}
}

func runWatch(cmd *cobra.Command, current *session) error {
	signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler, err := syncer.NewScheduler(syncer.SchedulerConfig{
		Coordinator:   reloadingRunner{store: current.store, coord: current.coord},
		Interval:      current.cfg.SyncInterval,
		RetryAttempts: current.cfg.RetryAttempts,
		Logger:        current.logger,
		OnRound: func(result syncer.RoundResult, err error) {
			if err == nil && (result.Pulled > 0 || result.Pushed > 0) {
				fmt.Fprintf(cmd.OutOrStdout(), "synced: pushed %d, pulled %d\n", result.Pushed, result.Pulled)
			}
		},
	})
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return ignoreCanceled(scheduler.Run(groupCtx))
	})
	group.Go(func() error {
		return followChangeFeed(groupCtx, current, scheduler.Trigger)
	})
	group.Go(func() error {
		for snapshot := range current.store.Watch(groupCtx) {
			current.logger.Debug("replica changed",
				zap.Uint64("version", snapshot.Version()),
				zap.Int("active", len(snapshot.Active())))
		}
		return nil
	})
	return group.Wait()
}

// followChangeFeed triggers a round for every authority change event and reconnects after
// the stream drops, until ctx ends.
func followChangeFeed(ctx context.Context, current *session, trigger func()) error {
	for {
		err := current.client.Stream(ctx, func(event remote.Event) {
			if event.Type == remote.EventNoteChanged {
				trigger()
			}
		})
		if ctx.Err() != nil {
			return nil
		}
		current.logger.Debug("change feed disconnected", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(current.cfg.SyncInterval):
		}
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending local changes and the last completed sync",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, current *session, _ []string) error {
			marker, err := current.coord.LastSynced(cmd.Context())
			if err != nil {
				return err
			}
			lastSynced := "never"
			if marker != nil {
				lastSynced = marker.String()
			}
			snapshot := current.store.Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "notes: %d\npending: %d\nlast sync: %s\n",
				len(snapshot.Active()), current.store.DirtyCount(), lastSynced)
			return nil
		}),
	}
}

func newRemoteCommand() *cobra.Command {
	remoteCmd := &cobra.Command{
		Use:   "remote",
		Short: "Inspect or change the authority directly",
	}

	var output string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the notes held by the authority",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, current *session, _ []string) error {
			listed, _, err := current.client.ListNotes(cmd.Context())
			if err != nil {
				return err
			}
			return writeNotes(cmd.OutOrStdout(), output, listed)
		}),
	}
	listCmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format (table, json, yaml)")

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a note on the authority",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, current *session, args []string) error {
			id, err := parseNoteID(args[0])
			if err != nil {
				return err
			}
			if _, err := current.client.DeleteNote(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			return nil
		}),
	}

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one note held by the authority",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, current *session, args []string) error {
			id, err := parseNoteID(args[0])
			if err != nil {
				return err
			}
			note, err := current.client.GetNote(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeNotes(cmd.OutOrStdout(), output, []notes.Note{note})
		}),
	}
	getCmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format (table, json, yaml)")

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a note directly on the authority",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, current *session, _ []string) error {
			rawID, err := notes.NewUUIDProvider().NewID()
			if err != nil {
				return err
			}
			patch := patchFromFlags(cmd)
			note := notes.Note{ID: notes.NoteID(rawID), UpdatedAt: notes.NewTimestamp(time.Now())}
			applyPatch(&note, patch)
			created, err := current.client.CreateNote(cmd.Context(), note)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		}),
	}
	addPatchFlags(createCmd)

	updateCmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a note's title or body directly on the authority",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, current *session, args []string) error {
			id, err := parseNoteID(args[0])
			if err != nil {
				return err
			}
			patch := patchFromFlags(cmd)
			if patch.Title == nil && patch.Body == nil {
				return errors.New("nothing to change: pass --title and/or --body")
			}
			note, err := current.client.GetNote(cmd.Context(), id)
			if err != nil {
				return err
			}
			applyPatch(&note, patch)
			stamp := time.Now()
			if !stamp.After(note.UpdatedAt.Time()) {
				stamp = note.UpdatedAt.Time().Add(time.Nanosecond)
			}
			note.UpdatedAt = notes.NewTimestamp(stamp)
			if _, err := current.client.UpdateNote(cmd.Context(), note); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", id)
			return nil
		}),
	}
	addPatchFlags(updateCmd)

	remoteCmd.AddCommand(listCmd, getCmd, createCmd, updateCmd, deleteCmd)
	return remoteCmd
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
