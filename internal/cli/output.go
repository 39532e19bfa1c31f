package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// Printer writes human-oriented output. Status lines go to err so that
// tables on out stay pipeable.
type Printer struct {
	out    io.Writer
	err    io.Writer
	colors bool
}

// NewPrinter creates a printer. NO_COLOR and TERM=dumb switch colors off.
func NewPrinter(out, err io.Writer, colors bool) *Printer {
	if _, ok := os.LookupEnv("NO_COLOR"); ok || os.Getenv("TERM") == "dumb" {
		colors = false
	}
	return &Printer{out: out, err: err, colors: colors}
}

func (p *Printer) paint(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if !p.colors {
		c.DisableColor()
	}
	return c
}

// Info prints an informational line.
func (p *Printer) Info(format string, args ...any) {
	p.paint(color.FgCyan).Fprintf(p.out, format+"\n", args...)
}

// Success prints a confirmation line.
func (p *Printer) Success(format string, args ...any) {
	p.paint(color.FgGreen).Fprintf(p.out, "✓ "+format+"\n", args...)
}

// Warn prints a warning to stderr.
func (p *Printer) Warn(format string, args ...any) {
	p.paint(color.FgYellow).Fprintf(p.err, "⚠ "+format+"\n", args...)
}

// Error prints an error to stderr.
func (p *Printer) Error(format string, args ...any) {
	p.paint(color.FgRed).Fprintf(p.err, "✗ "+format+"\n", args...)
}

// Header prints an underlined section title.
func (p *Printer) Header(title string) {
	p.paint(color.Bold).Fprintf(p.out, "\n%s\n", title)
	fmt.Fprintf(p.out, "%s\n", repeat('─', len([]rune(title))))
}

// Plain prints a line without decoration.
func (p *Printer) Plain(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

// Table renders rows under headers.
func (p *Printer) Table(headers []string, rows [][]string) {
	table := tablewriter.NewTable(p.out,
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoWrap: tw.WrapNone},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
			Header: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoFormat: tw.On},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
		}),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Separators: tw.Separators{ShowHeader: tw.Off},
			},
		}),
	)
	table.Header(headers)
	_ = table.Bulk(rows)
	_ = table.Render()
}

// Status colors a task status.
func (p *Printer) Status(s string) string {
	switch s {
	case "Done":
		return p.paint(color.FgGreen).Sprint(s)
	case "In Progress":
		return p.paint(color.FgYellow).Sprint(s)
	default:
		return s
	}
}

// Freshness colors a feed label by bucket.
func (p *Printer) Freshness(bucket, label string) string {
	switch bucket {
	case "expired":
		return p.paint(color.FgRed).Sprint(label)
	case "expiring":
		return p.paint(color.FgYellow).Sprint(label)
	default:
		return label
	}
}

func repeat(r rune, n int) string {
	out := make([]rune, n)
	for i := range out {
		out[i] = r
	}
	return string(out)
}
