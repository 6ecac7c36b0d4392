package commands

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/processor/pkg/admin"
)

func newJournalCommand() *cobra.Command {
	var (
		executionID int64
		limit       int
		offset      int
	)

	query := func(filter string) admin.JournalQuery {
		q := admin.JournalQuery{Type: filter, Limit: limit, Offset: offset}
		if executionID >= 0 {
			id := uint64(executionID)
			q.ExecutionID = &id
		}
		return q
	}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Read the delivery, event and audit journal",
	}
	cmd.PersistentFlags().Int64Var(&executionID, "id", -1, "only entries for this execution id")
	cmd.PersistentFlags().IntVar(&limit, "limit", 50, "maximum entries")
	cmd.PersistentFlags().IntVar(&offset, "offset", 0, "entries to skip")

	var status string
	deliveries := &cobra.Command{
		Use:   "deliveries",
		Short: "List callback delivery attempts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			out, err := client.Deliveries(cmd.Context(), query(status))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out)
			}
			rows := make([][]string, 0, len(out))
			for _, d := range out {
				errMsg := ""
				if d.Error != nil {
					errMsg = *d.Error
				}
				rows = append(rows, []string{
					d.CreatedAt.Local().Format(time.DateTime),
					strconv.FormatUint(d.ExecutionID, 10),
					d.Result,
					d.Sink,
					string(d.Status),
					errMsg,
				})
			}
			printTable([]string{"TIME", "EXECUTION ID", "RESULT", "SINK", "STATUS", "ERROR"}, rows, "No deliveries.")
			return nil
		},
	}
	deliveries.Flags().StringVar(&status, "status", "", "delivered or failed")

	var eventType string
	events := &cobra.Command{
		Use:   "events",
		Short: "List engine events in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			out, err := client.Events(cmd.Context(), query(eventType))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out)
			}
			rows := make([][]string, 0, len(out))
			for _, e := range out {
				rows = append(rows, []string{
					e.Timestamp.Local().Format(time.DateTime),
					strconv.FormatUint(e.ExecutionID, 10),
					e.Type,
					e.Message,
				})
			}
			printTable([]string{"TIME", "EXECUTION ID", "TYPE", "MESSAGE"}, rows, "No events.")
			return nil
		},
	}
	events.Flags().StringVar(&eventType, "type", "", "only events of this type, e.g. resolved")

	var action, auditActor string
	audit := &cobra.Command{
		Use:   "audit",
		Short: "List operator actions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			q := query(action)
			q.ExecutionID = nil
			q.Actor = auditActor
			out, err := client.Audit(cmd.Context(), q)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out)
			}
			rows := make([][]string, 0, len(out))
			for _, a := range out {
				target, details := "", ""
				if a.TargetID != nil {
					target = *a.TargetID
				}
				if a.Details != nil {
					details = *a.Details
				}
				rows = append(rows, []string{
					a.Timestamp.Local().Format(time.DateTime),
					a.Actor,
					a.Action,
					target,
					details,
				})
			}
			printTable([]string{"TIME", "ACTOR", "ACTION", "TARGET", "DETAILS"}, rows, "No audit entries.")
			return nil
		},
	}
	audit.Flags().StringVar(&action, "action", "", "only this action, e.g. queue.evict")
	audit.Flags().StringVar(&auditActor, "by", "", "only actions by this actor")

	cmd.AddCommand(deliveries, events, audit)
	return cmd
}
