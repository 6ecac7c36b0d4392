package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/processor/pkg/engine"
)

func newBatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Inspect a batch by execution id",
	}

	cmd.AddCommand(newRetryStateCommand())
	cmd.AddCommand(newOutcomeCommand())
	cmd.AddCommand(newActionCommand())
	cmd.AddCommand(newConfirmCommand())

	return cmd
}

func newRetryStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-state <execution-id>",
		Short: "Show the retry counter of a batch",
		Long: `Show how often the current function (or atomic unit) of a batch has been
retried and when it becomes eligible again. A batch that has not failed
since its last success has no retry state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := newAdminClient()
			if err != nil {
				return err
			}

			st, err := client.RetryState(cmd.Context(), id)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}
			if st == nil {
				fmt.Printf("Batch %d has no retry state\n", id)
				return nil
			}
			printTable([]string{"EXECUTION ID", "RETRIES", "NEXT ELIGIBLE"}, [][]string{{
				strconv.FormatUint(st.ExecutionID, 10),
				strconv.FormatUint(st.RetryAmounts, 10),
				expirationString(st.NextEligible),
			}}, "")
			return nil
		},
	}
}

func newOutcomeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "outcome <execution-id>",
		Short: "Show the result of a resolved batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := newAdminClient()
			if err != nil {
				return err
			}

			cb, err := client.Outcome(cmd.Context(), id)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cb)
			}
			if cb == nil {
				fmt.Printf("Batch %d is not resolved\n", id)
				return nil
			}
			printTable([]string{"EXECUTION ID", "RESULT", "HEIGHT", "EMITTED"}, [][]string{{
				strconv.FormatUint(cb.ExecutionID, 10),
				resultString(&cb.Result),
				strconv.FormatUint(cb.Height, 10),
				cb.EmittedAt.Format("2006-01-02 15:04:05"),
			}}, "")
			return nil
		},
	}
}

func newActionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "action <execution-id>",
		Short: "Show the next function of a non-atomic batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := newAdminClient()
			if err != nil {
				return err
			}

			idx, err := client.ActionIndex(cmd.Context(), id)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]uint64{"execution_id": id, "index": idx})
			}
			fmt.Printf("Batch %d continues at function %d\n", id, idx)
			return nil
		},
	}
}

func newConfirmCommand() *cobra.Command {
	var from, payload string

	cmd := &cobra.Command{
		Use:   "confirm <execution-id>",
		Short: "Confirm a batch waiting for a callback",
		Long: `Deliver the callback confirmation a parked batch is waiting for. The sender
must be the address named by the function. A payload equal to the expected
one counts as success of the function; anything else counts as a failure
and goes through its retry policy.`,
		Example: `  processor batch confirm 77 --from bank-oracle --payload settled`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if from == "" {
				return fmt.Errorf("--from is required")
			}
			client, err := newAdminClient()
			if err != nil {
				return err
			}

			r, err := client.Confirm(cmd.Context(), id, from, payload)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(r)
			}
			printTable([]string{"EXECUTION ID", "ACTION", "RESULT", "DELIVERY ERROR"}, [][]string{{
				strconv.FormatUint(r.ExecutionID, 10), string(r.Action), resultString(r.Result), r.DeliveryError,
			}}, "")
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "confirming address")
	cmd.Flags().StringVar(&payload, "payload", "", "confirmation payload")

	return cmd
}

func newParkedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "parked",
		Short: "List batches waiting for a callback confirmation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			parked, err := client.ListParked(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(parked)
			}

			rows := make([][]string, 0, len(parked))
			for _, pb := range parked {
				fn := pb.Batch.Subroutine.Functions[pb.Index]
				waitingFor := "-"
				if fn.CallbackConfirmation != nil {
					waitingFor = fn.CallbackConfirmation.Address
				}
				rows = append(rows, []string{
					strconv.FormatUint(pb.Batch.ExecutionID, 10),
					string(pb.Batch.Priority),
					strconv.FormatUint(pb.Index, 10),
					targetList([]engine.Function{fn}),
					waitingFor,
				})
			}
			printTable([]string{"EXECUTION ID", "PRIORITY", "FUNCTION", "TARGET", "WAITING FOR"}, rows, "No parked batches.")
			return nil
		},
	}
}

func expirationString(e engine.Expiration) string {
	if e.Kind == engine.IntervalHeight {
		return "height " + strconv.FormatUint(e.Height, 10)
	}
	return e.Time.Format("2006-01-02 15:04:05")
}
