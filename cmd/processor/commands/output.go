package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/openfroyo/processor/pkg/engine"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#D29922"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows with a header, or prints none when rows is empty.
func printTable(headers []string, rows [][]string, none string) {
	if len(rows) == 0 {
		fmt.Println(none)
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)
	fmt.Println(t.Render())
}

func resultString(r *engine.ExecutionResult) string {
	if r == nil {
		return "-"
	}
	switch r.Kind {
	case engine.ResultSuccess:
		return okStyle.Render(string(r.Kind))
	case engine.ResultPartiallyExecuted:
		return failStyle.Render(fmt.Sprintf("%s at %d: %s", r.Kind, r.Index, r.Error))
	default:
		return failStyle.Render(fmt.Sprintf("%s: %s", r.Kind, r.Error))
	}
}

func batchRows(batches []engine.Batch, from uint64, descending bool) [][]string {
	rows := make([][]string, 0, len(batches))
	for i, b := range batches {
		pos := from + uint64(i)
		if descending {
			pos = from + uint64(len(batches)-1-i)
		}
		rows = append(rows, []string{
			strconv.FormatUint(pos, 10),
			strconv.FormatUint(b.ExecutionID, 10),
			string(b.Subroutine.Kind),
			targetList(b.Subroutine.Functions),
			b.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return rows
}

func targetList(fns []engine.Function) string {
	parts := make([]string, len(fns))
	for i, fn := range fns {
		if fn.Target.Domain != "" {
			parts[i] = fn.Target.Domain + "/" + fn.Target.Address
		} else {
			parts[i] = fn.Target.Address
		}
	}
	return strings.Join(parts, ", ")
}

func parsePriority(s string) (engine.Priority, error) {
	p := engine.Priority(strings.ToLower(s))
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid execution id %q", s)
	}
	return id, nil
}
