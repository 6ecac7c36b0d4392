package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/processor/pkg/config"
	"github.com/openfroyo/processor/pkg/engine"
)

func newEnqueueCommand() *cobra.Command {
	var (
		files  []string
		vars   map[string]string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Admit batches from batch files",
		Long: `Admit batches to a running processor.

Batch files may be YAML, JSON, CUE or Starlark (.star). Every file is
validated completely before anything is sent, so a bad file enqueues
nothing. Starlark generators see --set variables as globals; values that
look like integers are passed as integers.

Execution ids are assigned by the authorizer and must be unique; the
processor does not check them.`,
		Example: `  # Enqueue batches from a YAML file
  processor enqueue -f batches.yaml

  # Generate 50 batches with a Starlark script
  processor enqueue -f gen.star --set first=1000 --set count=50 --set target=ledger

  # Only validate
  processor enqueue -f batches.cue --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(files) == 0 {
				return fmt.Errorf("at least one batch file is required (-f)")
			}

			batches, err := loadBatchFiles(cmd, files, vars)
			if err != nil {
				return err
			}

			if dryRun {
				if jsonOutput {
					return printJSON(batches)
				}
				fmt.Printf("%d batches are valid\n", len(batches))
				return nil
			}

			client, err := newAdminClient()
			if err != nil {
				return err
			}
			for i, b := range batches {
				if err := client.Enqueue(cmd.Context(), b); err != nil {
					return fmt.Errorf("enqueued %d of %d batches; batch %d failed: %w", i, len(batches), b.ExecutionID, err)
				}
				log.Debug().Uint64("execution_id", b.ExecutionID).Str("priority", string(b.Priority)).Msg("Batch enqueued")
			}

			if jsonOutput {
				return printJSON(map[string]int{"enqueued": len(batches)})
			}
			fmt.Printf("Enqueued %d batches\n", len(batches))
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "batch file (repeatable)")
	cmd.Flags().StringToStringVar(&vars, "set", nil, "variables for Starlark generators (key=value)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate without enqueueing")

	return cmd
}

// loadBatchFiles validates every file and rejects execution ids repeated
// across files.
func loadBatchFiles(cmd *cobra.Command, files []string, vars map[string]string) ([]engine.Batch, error) {
	loader, err := config.NewBatchLoader()
	if err != nil {
		return nil, err
	}

	scriptVars := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		scriptVars[k] = parseVar(v)
	}

	var all []engine.Batch
	seen := make(map[uint64]string)
	for _, f := range files {
		batches, err := loader.LoadFile(cmd.Context(), f, scriptVars)
		if err != nil {
			return nil, err
		}
		for _, b := range batches {
			if prev, ok := seen[b.ExecutionID]; ok {
				return nil, fmt.Errorf("execution_id %d appears in %s and %s", b.ExecutionID, prev, f)
			}
			seen[b.ExecutionID] = f
		}
		log.Debug().Str("file", f).Int("batches", len(batches)).Msg("Batch file loaded")
		all = append(all, batches...)
	}
	return all, nil
}

func parseVar(v string) interface{} {
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	}
	return v
}
