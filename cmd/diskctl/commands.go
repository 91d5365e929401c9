package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devrev/bynar/internal/client"
	"github.com/devrev/bynar/internal/config"
	"github.com/devrev/bynar/internal/model"
	"github.com/devrev/bynar/internal/wire"
)

// arbiterAPI is what diskctl calls on the arbiter
type arbiterAPI interface {
	Status(ctx context.Context, req *wire.StatusQuery) (*wire.StatusReply, error)
	Override(ctx context.Context, req *wire.OverrideRequest) (*wire.DecisionReply, error)
	ResolveTicket(ctx context.Context, req *wire.ResolveRequest) (*wire.Ack, error)
	Close() error
}

type dialFunc func(address string, timeout time.Duration) (arbiterAPI, error)

func dialArbiter(address string, timeout time.Duration) (arbiterAPI, error) {
	return client.NewArbiterClient(config.ArbiterClientConfig{
		Address:             address,
		RequestTimeout:      timeout,
		RetryBackoffSeconds: 1,
		MaxBackoff:          5 * time.Second,
		MaxRetries:          3,
	}, zap.NewNop())
}

type globalOptions struct {
	address string
	timeout time.Duration
	output  string
}

func newRootCmd(dial dialFunc) *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "diskctl",
		Short:         "Inspect and steer the bynar disk remediation arbiter",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultAddr := os.Getenv("BYNAR_ARBITER")
	if defaultAddr == "" {
		defaultAddr = "localhost:50061"
	}
	root.PersistentFlags().StringVar(&opts.address, "arbiter", defaultAddr, "arbiter address (host:port)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-request timeout")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "output format: table or json")

	root.AddCommand(
		newStatusCmd(opts, dial),
		newOverrideCmd(opts, dial),
		newResolveCmd(opts, dial),
	)
	return root
}

func newStatusCmd(opts *globalOptions, dial dialFunc) *cobra.Command {
	var diskID, nodeID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List disks, operations and tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := dial(opts.address, opts.timeout)
			if err != nil {
				return err
			}
			defer api.Close()

			reply, err := api.Status(cmd.Context(), &wire.StatusQuery{DiskID: diskID, NodeID: nodeID})
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), reply)
			}
			return writeStatus(cmd.OutOrStdout(), reply)
		},
	}
	cmd.Flags().StringVar(&diskID, "disk", "", "only this disk")
	cmd.Flags().StringVar(&nodeID, "node", "", "only disks on this node")
	return cmd
}

func newOverrideCmd(opts *globalOptions, dial dialFunc) *cobra.Command {
	var req wire.OverrideRequest
	var action, kind string

	cmd := &cobra.Command{
		Use:   "override <disk-id>",
		Short: "Force-approve or force-deny an operation for a disk",
		Long: "Force-approve or force-deny an operation for a disk. The operator's decision takes\n" +
			"precedence over automatic decisions for the same disk.\n\n" +
			"Force-approving a disk gated in error releases it: a remove or replace moves it to\n" +
			"pending_removal, an add moves it to replacing, and its open ticket is closed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.DiskID = args[0]
			req.Action = model.OverrideAction(action)
			req.Kind = model.OperationKind(kind)
			if !req.Action.IsValid() {
				return fmt.Errorf("--action must be force_approve or force_deny, got %q", action)
			}
			if !req.Kind.IsValid() {
				return fmt.Errorf("--kind must be remove, replace or add, got %q", kind)
			}
			if req.Operator == "" {
				req.Operator = currentUser()
			}

			api, err := dial(opts.address, opts.timeout)
			if err != nil {
				return err
			}
			defer api.Close()

			reply, err := api.Override(cmd.Context(), &req)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), reply)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (operation %s, status %s)\n",
				req.DiskID, reply.Decision, reply.OperationID, reply.Status)
			if reply.Reason != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "reason: %s\n", reply.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "force_approve or force_deny")
	cmd.Flags().StringVar(&kind, "kind", string(model.OperationRemove), "operation kind: remove, replace or add")
	cmd.Flags().StringVar(&req.NodeID, "node", "", "node the disk belongs to, for a disk with no active operation")
	cmd.Flags().StringVar(&req.Operator, "operator", "", "operator name (defaults to the current user)")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason recorded with the decision")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func newResolveCmd(opts *globalOptions, dial dialFunc) *cobra.Command {
	var req wire.ResolveRequest
	var action string

	cmd := &cobra.Command{
		Use:   "resolve <disk-id>",
		Short: "Close a disk's ticket after manual action",
		Long: `Close the open ticket of a disk in the error state.

  --action reset     the disk is fine; return it to healthy
  --action replaced  the disk was physically swapped; wait for it to be added`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.DiskID = args[0]
			req.Action = model.ResolveAction(action)
			if !req.Action.IsValid() {
				return fmt.Errorf("--action must be reset or replaced, got %q", action)
			}
			if req.Operator == "" {
				req.Operator = currentUser()
			}

			api, err := dial(opts.address, opts.timeout)
			if err != nil {
				return err
			}
			defer api.Close()

			ack, err := api.ResolveTicket(cmd.Context(), &req)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), ack)
			}
			if !ack.Accepted {
				return fmt.Errorf("not accepted: %s", ack.Reason)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: resolved (%s)\n", req.DiskID, req.Action)
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "reset or replaced")
	cmd.Flags().StringVar(&req.Operator, "operator", "", "operator name (defaults to the current user)")
	cmd.Flags().StringVar(&req.Note, "note", "", "note added to the ticket")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func writeStatus(w io.Writer, reply *wire.StatusReply) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "DISK\tNODE\tDEVICE\tSTATE\tREALLOCATED\tSINCE")
	for _, d := range reply.Disks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			d.DiskID, d.NodeID, d.DevicePath, d.State, d.Health.ReallocatedSectors, formatTime(d.LastTransitionTime))
	}

	if len(reply.Operations) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "OPERATION\tDISK\tKIND\tSTATUS\tBY\tREASON")
		for _, o := range reply.Operations {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				o.OperationID, o.DiskID, o.Kind, o.Status, o.DecidedBy, o.Reason)
		}
	}

	if len(reply.Tickets) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "TICKET\tDISK\tSTATUS\tUPDATES\tOPENED")
		for _, t := range reply.Tickets {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
				t.ExternalID, t.DiskID, t.Status, t.Updates, formatTime(t.OpenedAt))
		}
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}
