package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/processor/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show processor status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}

			state := okStyle.Render("running")
			if st.Paused {
				state = warnStyle.Render("paused")
			}
			fmt.Printf("Processor %s (%s)\n", state, st.Version)

			rows := make([][]string, 0, 4)
			for _, p := range engine.Priorities() {
				rows = append(rows, []string{string(p), strconv.FormatUint(st.Queues[p], 10)})
			}
			rows = append(rows, []string{"parked", strconv.Itoa(st.Parked)})
			printTable([]string{"QUEUE", "BATCHES"}, rows, "")
			return nil
		},
	}
}

func newPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop executing batches",
		Long: `Pause the processor. Every tick becomes a no-op until "processor resume".
Batches can still be enqueued, inspected and confirmed while paused.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			if err := client.Pause(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Processor paused")
			return nil
		},
	}
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume executing batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			if err := client.Resume(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Processor resumed")
			return nil
		},
	}
}
