package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rj8b0000/gsb-admin-backend/internal/chat"
	"github.com/rj8b0000/gsb-admin-backend/internal/models"
	"github.com/rj8b0000/gsb-admin-backend/internal/realtime"
	"github.com/spf13/cobra"
)

func newConversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Inspect and manage support conversations",
	}

	cmd.AddCommand(newConversationListCmd())
	cmd.AddCommand(newConversationShowCmd())
	cmd.AddCommand(newConversationAssignCmd())
	cmd.AddCommand(newConversationResolveCmd())
	cmd.AddCommand(newConversationStatsCmd())
	return cmd
}

func newConversationListCmd() *cobra.Command {
	var (
		configPath string
		filter     chat.ListFilter
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationList(cmd, configPath, filter)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to GSB config file")
	cmd.Flags().StringVar(&filter.Status, "status", "", "filter by status (open, resolved)")
	cmd.Flags().StringVar(&filter.Classification, "classification", "", "filter by classification")
	cmd.Flags().StringVar(&filter.AssignedTo, "assigned-to", "", "filter by handler ID")
	cmd.Flags().IntVar(&filter.Limit, "limit", chat.DefaultListLimit, "maximum rows")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "rows to skip")
	return cmd
}

func runConversationList(cmd *cobra.Command, configPath string, filter chat.ListFilter) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer closeDB(gormDB)

	store, err := chat.NewStore(chat.StoreOpts{DB: gormDB})
	if err != nil {
		return err
	}
	convs, err := store.List(cmd.Context(), filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCUSTOMER\tCLASS\tSTATUS\tASSIGNED\tMSGS\tUPDATED")
	for _, c := range convs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			c.ID,
			truncate(c.CustomerName, 24),
			c.Classification,
			c.Status,
			assignee(c.AssignedTo),
			c.MessageCount,
			c.UpdatedAt.Local().Format(time.DateTime),
		)
	}
	return w.Flush()
}

func newConversationShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a conversation with its message log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to GSB config file")
	return cmd
}

func runConversationShow(cmd *cobra.Command, configPath, id string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer closeDB(gormDB)

	store, err := chat.NewStore(chat.StoreOpts{DB: gormDB})
	if err != nil {
		return err
	}
	conv, err := store.GetByID(cmd.Context(), id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printConversation(out, conv)
	fmt.Fprintln(out)
	for _, m := range conv.Messages {
		line := fmt.Sprintf("#%d %s %s", m.Sequence, m.CreatedAt.Local().Format(time.DateTime), m.SenderRole)
		if m.SenderID != "" {
			line += " (" + m.SenderID + ")"
		}
		fmt.Fprintf(out, "%s: %s\n", line, m.Text)
		if media := chat.MediaOf(m); media != nil {
			fmt.Fprintf(out, "    [%s] %s %s\n", media.Kind, media.Filename, media.URL)
		}
	}
	return nil
}

func newConversationAssignCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "assign <id> <handler-id>",
		Short: "Assign a conversation to a support handler",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationAssign(cmd, configPath, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to GSB config file")
	return cmd
}

func runConversationAssign(cmd *cobra.Command, configPath, id, handlerID string) error {
	return withAdminService(cmd, configPath, func(ctx context.Context, svc *chat.Service) error {
		conv, err := svc.AssignConversation(ctx, id, handlerID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Assigned %s to %s (revision %d)\n", conv.ID, assignee(conv.AssignedTo), conv.Revision)
		return nil
	})
}

func newConversationResolveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a conversation resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationResolve(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to GSB config file")
	return cmd
}

func runConversationResolve(cmd *cobra.Command, configPath, id string) error {
	return withAdminService(cmd, configPath, func(ctx context.Context, svc *chat.Service) error {
		conv, err := svc.ResolveConversation(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s (revision %d)\n", conv.ID, conv.Revision)
		return nil
	})
}

func newConversationStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue totals and open load per handler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationStats(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to GSB config file")
	return cmd
}

func runConversationStats(cmd *cobra.Command, configPath string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer closeDB(gormDB)

	store, err := chat.NewStore(chat.StoreOpts{DB: gormDB})
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	load, err := store.OpenCountsByHandler(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Total:      %d\n", stats.Total)
	fmt.Fprintf(out, "Open:       %d\n", stats.Open)
	fmt.Fprintf(out, "Unassigned: %d\n", stats.Unassigned)
	fmt.Fprintf(out, "Resolved:   %d\n", stats.Resolved)

	if len(stats.ByClassification) > 0 {
		fmt.Fprintln(out, "\nBy classification:")
		classes := make([]string, 0, len(stats.ByClassification))
		for c := range stats.ByClassification {
			classes = append(classes, c)
		}
		sort.Strings(classes)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, c := range classes {
			fmt.Fprintf(w, "  %s\t%d\n", c, stats.ByClassification[c])
		}
		w.Flush()
	}

	if len(load) > 0 {
		fmt.Fprintln(out, "\nOpen per handler:")
		ids := make([]string, 0, len(load))
		for id := range load {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, id := range ids {
			fmt.Fprintf(w, "  %s\t%d\n", id, load[id])
		}
		w.Flush()
	}
	return nil
}

// withAdminService runs fn against a chat service whose lifecycle events
// reach live clients through redis and downstream consumers through the
// broker when those are configured.
func withAdminService(cmd *cobra.Command, configPath string, fn func(ctx context.Context, svc *chat.Service) error) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer closeDB(gormDB)

	log := newLogger(cfg.Log, cmd.ErrOrStderr())
	store, err := chat.NewStore(chat.StoreOpts{DB: gormDB})
	if err != nil {
		return err
	}

	// Without a relay the local hub has no subscribers and events stop here.
	hub := realtime.NewHub(realtime.HubOpts{Logger: log})
	sinks, err := newEventSinks(cmd.Context(), cfg, hub, log)
	if err != nil {
		return err
	}
	defer sinks.Close()

	svc, err := chat.NewService(chat.ServiceOpts{
		Store:     store,
		Publisher: sinks.fanout,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	return fn(cmd.Context(), svc)
}

func printConversation(out io.Writer, c *models.Conversation) {
	fmt.Fprintf(out, "Conversation: %s\n", c.ID)
	fmt.Fprintf(out, "Customer:     %s", c.CustomerName)
	if c.CustomerEmail != "" {
		fmt.Fprintf(out, " <%s>", c.CustomerEmail)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Class:        %s\n", c.Classification)
	fmt.Fprintf(out, "Status:       %s\n", c.Status)
	fmt.Fprintf(out, "Assigned:     %s\n", assignee(c.AssignedTo))
	fmt.Fprintf(out, "Revision:     %d\n", c.Revision)
	fmt.Fprintf(out, "Messages:     %d\n", c.MessageCount)
	fmt.Fprintf(out, "Created:      %s\n", c.CreatedAt.Local().Format(time.DateTime))
	if c.ResolvedAt != nil {
		fmt.Fprintf(out, "Resolved:     %s\n", c.ResolvedAt.Local().Format(time.DateTime))
	}
}

func assignee(id *string) string {
	if id == nil || *id == "" {
		return "-"
	}
	return *id
}

// truncate shortens s to max runes, adding "..." if truncated.
func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
