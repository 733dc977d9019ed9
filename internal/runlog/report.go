// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runlog

import (
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/commandline"
)

var (
	reportHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	reportCellStyle   = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
)

// Report renders one row of metrics as a table, with the metric names as the header.
// The EpochColumn is printed as an integer and the TimeColumn (in seconds) as a duration.
func Report(title string, names []string, values []float64) string {
	row := make([]string, len(values))
	for ii, v := range values {
		if ii >= len(names) {
			break
		}
		switch names[ii] {
		case EpochColumn:
			row[ii] = humanize.Comma(int64(v))
		case TimeColumn:
			row[ii] = commandline.FormatDuration(time.Duration(v * float64(time.Second)))
		default:
			if math.IsNaN(v) {
				row[ii] = "-"
			} else {
				row[ii] = humanize.FormatFloat("#,###.####", v)
			}
		}
	}
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		Headers(names...).
		Row(row...).
		StyleFunc(func(r, _ int) lipgloss.Style {
			if r == lgtable.HeaderRow {
				return reportHeaderStyle
			}
			return reportCellStyle
		})
	return fmt.Sprintf("%s\n%s", title, table.String())
}
