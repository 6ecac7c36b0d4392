package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/processor/pkg/engine"
	"github.com/openfroyo/processor/pkg/queue"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and edit the priority queues",
		Long: `Inspect and edit the high, medium and low priority queues of a running
processor. Positions are zero-based from the front of the queue.`,
	}

	cmd.AddCommand(newQueueListCommand())
	cmd.AddCommand(newQueueLenCommand())
	cmd.AddCommand(newQueueInsertCommand())
	cmd.AddCommand(newQueueEvictCommand())
	cmd.AddCommand(newQueueTickCommand())

	return cmd
}

func newQueueListCommand() *cobra.Command {
	var (
		from uint64
		to   int64
		desc bool
	)

	cmd := &cobra.Command{
		Use:   "list <priority>",
		Short: "List pending batches",
		Example: `  # Everything waiting in the high queue
  processor queue list high

  # Positions 10 to 19, back to front
  processor queue list low --from 10 --to 20 --desc`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePriority(args[0])
			if err != nil {
				return err
			}
			client, err := newAdminClient()
			if err != nil {
				return err
			}

			var end *uint64
			if to >= 0 {
				v := uint64(to)
				end = &v
			}
			order := queue.Ascending
			if desc {
				order = queue.Descending
			}

			batches, err := client.ListPending(cmd.Context(), p, from, end, order)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(batches)
			}
			printTable([]string{"POS", "EXECUTION ID", "KIND", "TARGETS", "CREATED"},
				batchRows(batches, from, desc), fmt.Sprintf("The %s queue is empty.", p))
			return nil
		},
	}

	cmd.Flags().Uint64Var(&from, "from", 0, "first position")
	cmd.Flags().Int64Var(&to, "to", -1, "end position, exclusive (default: end of queue)")
	cmd.Flags().BoolVar(&desc, "desc", false, "list back to front")

	return cmd
}

func newQueueLenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "len [priority]",
		Short: "Show queue lengths",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priorities := engine.Priorities()
			if len(args) == 1 {
				p, err := parsePriority(args[0])
				if err != nil {
					return err
				}
				priorities = []engine.Priority{p}
			}

			client, err := newAdminClient()
			if err != nil {
				return err
			}

			lengths := make(map[engine.Priority]uint64, len(priorities))
			rows := make([][]string, 0, len(priorities))
			for _, p := range priorities {
				n, err := client.QueueLength(cmd.Context(), p)
				if err != nil {
					return err
				}
				lengths[p] = n
				rows = append(rows, []string{string(p), strconv.FormatUint(n, 10)})
			}

			if jsonOutput {
				return printJSON(lengths)
			}
			printTable([]string{"PRIORITY", "LENGTH"}, rows, "")
			return nil
		},
	}
}

func newQueueInsertCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "insert <priority> <position>",
		Short: "Insert a batch at a queue position",
		Long: `Insert the single batch in a batch file at a position of a queue. The
batch's own priority is replaced by the given one. Position may equal the
queue length to append.`,
		Example: `  # Put an urgent batch at the front of the high queue
  processor queue insert high 0 -f urgent.yaml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePriority(args[0])
			if err != nil {
				return err
			}
			pos, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid position %q", args[1])
			}
			if file == "" {
				return fmt.Errorf("a batch file is required (-f)")
			}

			batches, err := loadBatchFiles(cmd, []string{file}, nil)
			if err != nil {
				return err
			}
			if len(batches) != 1 {
				return fmt.Errorf("%s must contain exactly one batch, found %d", file, len(batches))
			}
			b := batches[0]
			b.Priority = p

			client, err := newAdminClient()
			if err != nil {
				return err
			}
			if err := client.InsertAt(cmd.Context(), pos, b); err != nil {
				return err
			}
			fmt.Printf("Inserted batch %d at %s[%d]\n", b.ExecutionID, p, pos)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "batch file with exactly one batch")

	return cmd
}

func newQueueEvictCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "evict <priority> <position>",
		Short: "Remove a batch from a queue",
		Long: `Remove the batch at a queue position together with its retry state.
An evicted batch never produces a callback.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePriority(args[0])
			if err != nil {
				return err
			}
			pos, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid position %q", args[1])
			}

			client, err := newAdminClient()
			if err != nil {
				return err
			}
			b, err := client.EvictAt(cmd.Context(), p, pos)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(b)
			}
			fmt.Printf("Evicted batch %d from %s[%d]\n", b.ExecutionID, p, pos)
			return nil
		},
	}
}

func newQueueTickCommand() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "tick <priority>",
		Short: "Advance a queue by hand",
		Long: `Perform ticks on one queue. Useful when the server runs with --no-driver.
Stops early when the queue is idle.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePriority(args[0])
			if err != nil {
				return err
			}
			client, err := newAdminClient()
			if err != nil {
				return err
			}

			var rows [][]string
			var reports []interface{}
			for i := 0; i < count; i++ {
				r, err := client.Tick(cmd.Context(), p)
				if err != nil {
					return err
				}
				reports = append(reports, r)
				row := []string{string(r.Action), strconv.FormatUint(r.ExecutionID, 10), resultString(r.Result), r.DeliveryError}
				rows = append(rows, row)
				if r.Action == engine.TickIdle || r.Action == engine.TickPaused {
					break
				}
			}

			if jsonOutput {
				return printJSON(reports)
			}
			printTable([]string{"ACTION", "EXECUTION ID", "RESULT", "DELIVERY ERROR"}, rows, "")
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of ticks")

	return cmd
}
