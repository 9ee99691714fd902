package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rottym/fambam/internal/logging"
	"github.com/rottym/fambam/internal/model"
	"github.com/rottym/fambam/internal/optimistic"
	"github.com/rottym/fambam/internal/wsclient"
)

type clientOptions struct {
	URL      string
	MemberID int64
	FamilyID int64
	PageSize int
}

// NewClientCommand creates the client command, which talks to a running
// server over its WebSocket API.
func NewClientCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Watch and edit collections of a running server",
		Long: `Connect to a fambam server's WebSocket API as a family member.

Example:
  fambam client watch tasks --member 2 --family 1
  fambam client add-todo "Buy milk" --member 2 --family 1`,
	}

	cmd.PersistentFlags().StringVar(&opts.URL, "url", "ws://localhost:8080/ws", "WebSocket endpoint of the server")
	cmd.PersistentFlags().Int64Var(&opts.MemberID, "member", 0, "member id to act as")
	cmd.PersistentFlags().Int64Var(&opts.FamilyID, "family", 0, "family id of the member")
	cmd.PersistentFlags().IntVar(&opts.PageSize, "page-size", 50, "documents per page")

	cmd.AddCommand(newClientWatchCommand(rootOpts, opts))
	cmd.AddCommand(newClientAddTodoCommand(rootOpts, opts))
	return cmd
}

func (o *clientOptions) dial(ctx context.Context, rootOpts *RootOptions) (*wsclient.Client, error) {
	if o.MemberID <= 0 || o.FamilyID <= 0 {
		return nil, fmt.Errorf("--member and --family are required")
	}
	level := rootOpts.LogLevel
	if level == "" {
		level = "warn"
	}
	return wsclient.Dial(ctx, o.URL, o.MemberID, o.FamilyID, logging.Setup(level, "text"))
}

func printDocs(w io.Writer, docs []optimistic.Doc) {
	fmt.Fprintf(w, "-- %d document(s)\n", len(docs))
	for _, d := range docs {
		mark := ""
		if d.Pending {
			mark = " (pending)"
		}
		label := d.Fields["title"]
		if label == nil {
			label = d.Fields["name"]
		}
		fmt.Fprintf(w, "%s\t%v%s\n", d.ID, label, mark)
	}
}

func newClientWatchCommand(rootOpts *RootOptions, opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <collection>",
		Short: "Print a collection and every change to it until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := opts.dial(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			v, err := c.Watch(ctx, args[0], nil, opts.PageSize, func(docs []optimistic.Doc) {
				printDocs(out, docs)
			})
			if err != nil {
				return fmt.Errorf("watch %s: %w", args[0], err)
			}
			printDocs(out, v.Docs())

			select {
			case <-ctx.Done():
				return nil
			case <-v.Done():
				return v.Err()
			}
		},
	}
}

func newClientAddTodoCommand(rootOpts *RootOptions, opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add-todo <title>",
		Short: "Add a to-do and wait until the server confirms it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := opts.dial(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer c.Close()

			v, err := c.Watch(ctx, model.CollectionTasks, map[string]string{"kind": string(model.KindTodo)}, opts.PageSize, nil)
			if err != nil {
				return fmt.Errorf("watch tasks: %w", err)
			}
			p := v.Apply(ctx, optimistic.Mutation{
				Op:     optimistic.OpCreate,
				Fields: map[string]any{"kind": string(model.KindTodo), "title": args[0]},
			})
			if err := p.Wait(ctx); err != nil {
				return fmt.Errorf("add to-do: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "to-do %s added (seq %d)\n", p.Ack().ID, p.Ack().Seq)
			return nil
		},
	}
}
