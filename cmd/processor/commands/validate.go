package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/processor/pkg/adapters/wasm"
	"github.com/openfroyo/processor/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var (
		files []string
		vars  map[string]string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check configuration, adapter manifests and batch files offline",
		Long: `Validate the configuration file, every adapter manifest of the local domain
and its peers, and optionally batch files. Nothing is sent to a server.`,
		Example: `  processor validate -c processor.yaml -f batches.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			rows := [][]string{{"config", configLabel(), okStyle.Render("ok")}}
			var failed int

			dirs := []string{cfg.Adapters.Dir}
			for _, p := range cfg.Peers {
				dirs = append(dirs, p.AdaptersDir)
			}
			for _, dir := range dirs {
				if dir == "" {
					continue
				}
				dirRows, n, err := validateManifests(dir)
				if err != nil {
					return err
				}
				rows = append(rows, dirRows...)
				failed += n
			}

			if len(files) > 0 {
				batches, err := loadBatchFiles(cmd, files, vars)
				if err != nil {
					rows = append(rows, []string{"batches", strings.Join(files, ","), failStyle.Render(err.Error())})
					failed++
				} else {
					rows = append(rows, []string{"batches", strings.Join(files, ","), okStyle.Render(fmt.Sprintf("ok (%d)", len(batches)))})
				}
			}

			if jsonOutput {
				if err := printJSON(map[string]int{"checked": len(rows), "failed": failed}); err != nil {
					return err
				}
			} else {
				printTable([]string{"KIND", "SOURCE", "STATUS"}, rows, "")
			}
			if failed > 0 {
				return fmt.Errorf("%d checks failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "batch file (repeatable)")
	cmd.Flags().StringToStringVar(&vars, "set", nil, "variables for Starlark generators (key=value)")

	return cmd
}

func configLabel() string {
	if configPath == "" {
		return "(defaults and environment)"
	}
	return configPath
}

// validateManifests loads every manifest in dir and returns one row per file
// and the number that failed.
func validateManifests(dir string) ([][]string, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read adapters directory: %w", err)
	}

	var rows [][]string
	var failed int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		m, _, err := wasm.LoadManifest(path)
		if err != nil {
			rows = append(rows, []string{"adapter", path, failStyle.Render(err.Error())})
			failed++
			continue
		}
		status := "ok"
		if m.Verified {
			status = "ok (checksum verified)"
		}
		rows = append(rows, []string{"adapter " + m.Address, path, okStyle.Render(status)})
	}
	return rows, failed, nil
}
