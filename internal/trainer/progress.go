// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressName is the name used to register a Progress observer.
const ProgressName = "progress"

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the time between updates of the stats table.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// Progress displays a progress bar for each epoch, with a table of the training statistics drawn
// asynchronously above it.
type Progress struct {
	numSteps int
	out      io.Writer
	termenv  *termenv.Output

	statsStyle lipgloss.Style
	statsTable *lgtable.Table

	// Per-epoch state, created on the first step.
	bar              *progressbar.ProgressBar
	isFirstOutput    bool
	updates          chan progressUpdate
	asyncUpdatesDone sync.WaitGroup
	durations        []time.Duration
}

var _ Observer = (*Progress)(nil)

type progressUpdate struct {
	amount int
	rows   [][2]string
}

// NewProgress creates a Progress observer for epochs of numSteps, writing to out (usually
// os.Stdout).
func NewProgress(numSteps int, out io.Writer) *Progress {
	return &Progress{
		numSteps:   numSteps,
		out:        out,
		termenv:    termenv.NewOutput(out),
		statsStyle: lipgloss.NewStyle().PaddingLeft(8),
		statsTable: lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			}),
	}
}

func (p *Progress) start(epoch int) {
	p.bar = progressbar.NewOptions(p.numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d Training...", epoch)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(p.out),
	)
	p.isFirstOutput = true
	p.durations = p.durations[:0]
	p.updates = make(chan progressUpdate, 100)
	p.asyncUpdatesDone.Add(1)
	go p.draw()
}

// draw prints the updates, merging the ones queued while the terminal was busy.
func (p *Progress) draw() {
	defer p.asyncUpdatesDone.Done()
	for update := range p.updates {
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-p.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		p.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			p.statsTable.Row(row[0], row[1])
		}
		p.termenv.HideCursor()
		if !p.isFirstOutput {
			p.termenv.CursorPrevLine(len(update.rows) + 2 + 2)
		}
		p.isFirstOutput = false
		_, _ = fmt.Fprintln(p.out, p.statsStyle.Render(p.statsTable.String()))
		_ = p.bar.Add(amount)
		_, _ = fmt.Fprintln(p.out)
		p.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// OnStep implements Observer.
func (p *Progress) OnStep(info *StepInfo) error {
	if info.Step == 0 || p.bar == nil {
		p.start(info.Epoch)
	}
	p.durations = append(p.durations, info.Duration)
	p.updates <- progressUpdate{
		amount: 1,
		rows: [][2]string{
			{"Step", fmt.Sprintf("%s of %s", humanize.Comma(int64(info.Step+1)), humanize.Comma(int64(p.numSteps)))},
			{"Median train step duration", commandline.FormatDuration(p.medianDuration())},
			{"Loss", fmt.Sprintf("%.4f", info.Loss)},
			{"Mean loss", fmt.Sprintf("%.4f", info.MeanLoss)},
			{"Learning rate scale", fmt.Sprintf("%g", info.LearningRateScale)},
		},
	}
	return nil
}

func (p *Progress) medianDuration() time.Duration {
	sorted := slices.Clone(p.durations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// OnEpochEnd implements Observer.
func (p *Progress) OnEpochEnd(summary *Summary) error {
	if p.updates != nil {
		close(p.updates)
		p.asyncUpdatesDone.Wait()
		p.updates = nil
	}
	p.bar = nil
	p.termenv.ShowCursor()
	_, err := fmt.Fprintf(p.out, "%s in %s\n", summary, commandline.FormatDuration(summary.Time))
	return err
}
