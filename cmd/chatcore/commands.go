package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/infra/migrations"
	"github.com/Alexander-D-Karpov/chatcore/internal/middleware"
	"github.com/Alexander-D-Karpov/chatcore/internal/observability"
	"github.com/Alexander-D-Karpov/chatcore/internal/readtracking"
	"github.com/Alexander-D-Karpov/chatcore/internal/remote"
	"github.com/Alexander-D-Karpov/chatcore/internal/storage"
	"github.com/Alexander-D-Karpov/chatcore/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSnapshotCmd(a *app) *cobra.Command {
	var (
		tenant string
		peers  []string
	)

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Load channels, history and users from the remote service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireUser(); err != nil {
				return err
			}
			st, snap, err := a.loadSnapshot(cmd, tenant, peers)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "channels: %d\nmessages: %d\nusers: %d\n",
				len(snap.Channels), snap.Messages, len(snap.Users))
			for _, ref := range snap.Failed {
				fmt.Fprintf(out, "failed: %s\n", ref.Key())
			}
			return printUnread(out, st, a.cfg.Chat.LocalUserID)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant whose users to list (default from CHAT_TENANT_ID)")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "direct message peer to load (repeatable)")
	return cmd
}

func (a *app) loadSnapshot(cmd *cobra.Command, tenant string, peers []string) (*store.Store, *remote.Snapshot, error) {
	ctx := cmd.Context()
	stack, err := a.openRemote(ctx)
	if err != nil {
		return nil, nil, err
	}
	if tenant == "" {
		tenant = a.cfg.Chat.TenantID
	}

	st := a.newStore()
	snap, err := remote.NewSyncer(stack.Service, st, a.logger).All(ctx, tenant, peers...)
	if err != nil {
		return nil, nil, fmt.Errorf("load snapshot: %w", err)
	}
	return st, snap, nil
}

func newChannelsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List channels visible to the local user",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := a.openRemote(cmd.Context())
			if err != nil {
				return err
			}
			channels, err := remote.NewSyncer(stack.Service, a.newStore(), a.logger).Channels(cmd.Context())
			if err != nil {
				return fmt.Errorf("list channels: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tMEMBERS\tOWNER")
			for _, ch := range channels {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", ch.ID, ch.Name, ch.Type, ch.MemberCount, ch.CreatedBy)
			}
			return w.Flush()
		},
	}
}

func newUsersCmd(a *app) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "users",
		Short: "List users of a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" {
				tenant = a.cfg.Chat.TenantID
			}
			if tenant == "" {
				return errors.New("tenant is required: set CHAT_TENANT_ID or --tenant")
			}
			stack, err := a.openRemote(cmd.Context())
			if err != nil {
				return err
			}
			users, err := stack.Service.ListTenantUsers(cmd.Context(), tenant)
			if err != nil {
				return fmt.Errorf("list users: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tROLE\tSTATUS")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.Name, u.Role, u.Status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (default from CHAT_TENANT_ID)")
	return cmd
}

func newUnreadCmd(a *app) *cobra.Command {
	var peers []string

	cmd := &cobra.Command{
		Use:   "unread",
		Short: "Show the local user's unread counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireUser(); err != nil {
				return err
			}
			st, _, err := a.loadSnapshot(cmd, "", peers)
			if err != nil {
				return err
			}
			return printUnread(cmd.OutOrStdout(), st, a.cfg.Chat.LocalUserID)
		},
	}

	cmd.Flags().StringSliceVar(&peers, "peer", nil, "direct message peer to include (repeatable)")
	return cmd
}

func printUnread(out io.Writer, st *store.Store, viewer string) error {
	infos := readtracking.NewRepository(st).AllUnreadCounts(viewer)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONVERSATION\tUNREAD")
	total := 0
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%d\n", info.Conversation.Key(), info.UnreadCount)
		total += info.UnreadCount
	}
	fmt.Fprintf(w, "total\t%d\n", total)
	return w.Flush()
}

func newWarmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "warm",
		Short: "Prefetch remote listings into Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := a.openRemote(cmd.Context())
			if err != nil {
				return err
			}
			if stack.Cached == nil {
				return errors.New("redis is not enabled in config")
			}
			n, err := stack.Cached.Warm(cmd.Context())
			if err != nil {
				return fmt.Errorf("warm cache: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "warmed %d keys\n", n)
			return nil
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the chat schema to the configured Postgres database",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			applied, err := migrations.Run(cmd.Context(), database.Pool)
			if err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", applied)
			return nil
		},
	}
}

const serveTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve metrics, health and locally stored attachments",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port == 0 {
				port = a.cfg.Metrics.Port
			}
			if _, err := a.openRemote(cmd.Context()); err != nil {
				return err
			}

			mounts := []observability.Mount{{Pattern: "/health", Handler: a.health.Handler()}}
			_, local, err := a.openBackend()
			if err != nil {
				return err
			}
			if local != nil {
				mounts = append(mounts, observability.Mount{
					Pattern: "/files/",
					Handler: storage.NewHandler(local, "/files", a.logger),
				})
			}

			for i := range mounts {
				mounts[i].Handler = middleware.Chain(mounts[i].Handler,
					middleware.Recovery(a.logger),
					middleware.Timeout(serveTimeout),
				)
			}

			a.logger.Info("serving",
				zap.Int("port", port),
				zap.String("max_upload", humanize.IBytes(uint64(a.cfg.Attachments.MaxFileSize))),
			)
			return a.metrics.Serve(cmd.Context(), port, mounts...)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from METRICS_PORT)")
	return cmd
}

func newClearRateLimitCmd(a *app) *cobra.Command {
	var (
		all bool
		key string
	)

	cmd := &cobra.Command{
		Use:   "clear-ratelimit",
		Short: "Clear shared rate limit counters in Redis",
		Example: "  chatcore clear-ratelimit --all\n" +
			"  chatcore clear-ratelimit --key message:alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && key == "" {
				return errors.New("must specify either --all or --key")
			}
			c := a.openCache()
			if c == nil {
				return errors.New("redis is not enabled in config")
			}

			if all {
				if err := c.DeletePattern(cmd.Context(), "ratelimit:*"); err != nil {
					return fmt.Errorf("clear all rate limits: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "All rate limits cleared")
				return nil
			}

			if err := c.Delete(cmd.Context(), "ratelimit:"+key); err != nil {
				return fmt.Errorf("clear rate limit: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rate limit cleared for key: %s\n", key)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "clear all rate limits")
	cmd.Flags().StringVar(&key, "key", "", "clear a specific key, e.g. message:<user>")
	return cmd
}
