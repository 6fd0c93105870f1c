// Package display renders run summaries, backup set listings and
// confirmation prompts for the terminal, with color and Unicode degraded
// gracefully on dumb terminals and pipes.
package display

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"vwbackup/internal/backup"
)

// Color names an ANSI foreground color.
type Color int

const (
	ColorReset Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorMagenta
	ColorCyan
	ColorWhite
	ColorBrightRed
	ColorBrightGreen
	ColorBrightYellow
	ColorBrightBlue
)

// Theme maps semantic roles to colors.
type Theme struct {
	Header  Color
	Success Color
	Warning Color
	Error   Color
	Info    Color
	Muted   Color
}

// DarkTheme suits dark terminal backgrounds.
func DarkTheme() Theme {
	return Theme{
		Header:  ColorBrightBlue,
		Success: ColorBrightGreen,
		Warning: ColorBrightYellow,
		Error:   ColorBrightRed,
		Info:    ColorCyan,
		Muted:   ColorWhite,
	}
}

// LightTheme suits light terminal backgrounds.
func LightTheme() Theme {
	return Theme{
		Header:  ColorBlue,
		Success: ColorGreen,
		Warning: ColorYellow,
		Error:   ColorRed,
		Info:    ColorCyan,
		Muted:   ColorMagenta,
	}
}

// PlainTheme disables all coloring.
func PlainTheme() Theme {
	return Theme{}
}

// ThemeByName resolves a configured theme name, defaulting to dark.
func ThemeByName(name string) Theme {
	switch name {
	case "light":
		return LightTheme()
	case "plain", "none":
		return PlainTheme()
	default:
		return DarkTheme()
	}
}

var colorMap = map[Color]*color.Color{
	ColorRed:          color.New(color.FgRed),
	ColorGreen:        color.New(color.FgGreen),
	ColorYellow:       color.New(color.FgYellow),
	ColorBlue:         color.New(color.FgBlue),
	ColorMagenta:      color.New(color.FgMagenta),
	ColorCyan:         color.New(color.FgCyan),
	ColorWhite:        color.New(color.FgWhite),
	ColorBrightRed:    color.New(color.FgHiRed),
	ColorBrightGreen:  color.New(color.FgHiGreen),
	ColorBrightYellow: color.New(color.FgHiYellow),
	ColorBrightBlue:   color.New(color.FgHiBlue),
}

// detectColorSupport checks whether stdout is a color-capable terminal.
func detectColorSupport() bool {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return false
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	return termenv.ColorProfile() != termenv.Ascii
}

// detectUnicodeSupport checks whether status icons can use Unicode glyphs.
func detectUnicodeSupport() bool {
	if os.Getenv("NO_UNICODE") != "" {
		return false
	}
	if os.Getenv("LANG") == "C" || os.Getenv("LC_ALL") == "C" {
		return false
	}
	if t := os.Getenv("TERM"); t == "dumb" || t == "vt100" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// icon carries a glyph with an ASCII fallback.
type icon struct {
	unicode string
	ascii   string
	color   Color
}

var statusIcons = map[backup.RunStatus]icon{
	backup.StatusOK:       {"✔", "[ OK ]", ColorGreen},
	backup.StatusDegraded: {"⚠", "[WARN]", ColorYellow},
	backup.StatusFailed:   {"✘", "[FAIL]", ColorRed},
	backup.StatusSkipped:  {"–", "[SKIP]", ColorWhite},
}

// Renderer writes human-facing output. It never logs; structured logging
// stays with the logging package.
type Renderer struct {
	out     io.Writer
	in      io.Reader
	theme   Theme
	colored bool
	unicode bool
}

// NewRenderer builds a renderer for out. colorEnabled is the configured
// wish; actual coloring also requires a capable terminal.
func NewRenderer(out io.Writer, themeName string, colorEnabled bool) *Renderer {
	return &Renderer{
		out:     out,
		theme:   ThemeByName(themeName),
		colored: colorEnabled && detectColorSupport(),
		unicode: detectUnicodeSupport(),
	}
}

// WithInput redirects confirmation prompts to read from in instead of the
// process stdin.
func (r *Renderer) WithInput(in io.Reader) *Renderer {
	r.in = in
	return r
}

func (r *Renderer) paint(c Color, text string) string {
	if !r.colored || c == ColorReset {
		return text
	}
	painter, ok := colorMap[c]
	if !ok {
		return text
	}
	return painter.Sprint(text)
}

func (r *Renderer) statusIcon(s backup.RunStatus) string {
	ic, ok := statusIcons[s]
	if !ok {
		return "?"
	}
	glyph := ic.ascii
	if r.unicode {
		glyph = ic.unicode
	}
	return r.paint(ic.color, glyph)
}

// Summary prints the component-by-component outcome of one run.
func (r *Renderer) Summary(summary *backup.RunSummary) {
	overall := summary.Overall()
	verdict := map[backup.RunStatus]string{
		backup.StatusOK:       "completed",
		backup.StatusDegraded: "completed with warnings",
		backup.StatusFailed:   "failed",
	}[overall]
	if verdict == "" {
		verdict = string(overall)
	}

	title := summary.Operation
	if title != "" {
		title = strings.ToUpper(title[:1]) + title[1:]
	}
	header := fmt.Sprintf("%s %s in %s", title, verdict,
		summary.Duration().Round(10*time.Millisecond))
	fmt.Fprintf(r.out, "\n%s %s\n", r.statusIcon(overall), r.paint(r.theme.Header, header))

	nameWidth := 0
	for _, c := range summary.Results() {
		if len(c.Name) > nameWidth {
			nameWidth = len(c.Name)
		}
	}
	for _, c := range summary.Results() {
		fmt.Fprintf(r.out, "  %s %-*s  %s\n", r.statusIcon(c.Status), nameWidth, c.Name, c.Note)
	}
}

// Error prints a fatal error with its type so operators can map it to the
// failure taxonomy without reading logs.
func (r *Renderer) Error(err error) {
	fmt.Fprintf(r.out, "%s %s: %s\n",
		r.statusIcon(backup.StatusFailed),
		r.paint(r.theme.Error, string(backup.TypeOf(err))+" error"),
		err.Error())
}

// Sets prints committed backup sets. format is "table" or "json".
func (r *Renderer) Sets(sets []*backup.BackupSet, format string) error {
	if format == "json" {
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(sets)
	}

	labeled := false
	for _, set := range sets {
		if set.Label != "" {
			labeled = true
			break
		}
	}

	headers := []string{"SET", "CREATED", "ARTIFACTS", "SIZE", "VERIFIED"}
	if labeled {
		headers = append(headers, "LABEL")
	}
	rows := make([][]string, 0, len(sets))
	for _, set := range sets {
		formats := make([]string, 0, len(set.Artifacts))
		for _, a := range set.Artifacts {
			formats = append(formats, string(a.Format))
		}
		verified := "no"
		if set.Verified() {
			verified = "yes"
		}
		row := []string{
			set.ID(),
			set.CreatedAt.Local().Format("2006-01-02 15:04"),
			strings.Join(formats, ","),
			backup.HumanBytes(set.TotalSize()),
			verified,
		}
		if labeled {
			row = append(row, set.Label)
		}
		rows = append(rows, row)
	}
	r.table(headers, rows)
	return nil
}

// table renders a plain, width-aware column layout.
func (r *Renderer) table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	// Shrink the widest column until the layout fits the terminal.
	limit := terminalWidth()
	for total(widths) > limit {
		widest := 0
		for i := range widths {
			if widths[i] > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= 8 {
			break
		}
		widths[widest]--
	}

	line := make([]string, len(headers))
	for i, h := range headers {
		line[i] = fmt.Sprintf("%-*s", widths[i], truncate(h, widths[i]))
	}
	fmt.Fprintln(r.out, r.paint(r.theme.Header, strings.TrimRight(strings.Join(line, "  "), " ")))

	for _, row := range rows {
		for i, cell := range row {
			if i < len(line) {
				line[i] = fmt.Sprintf("%-*s", widths[i], truncate(cell, widths[i]))
			}
		}
		fmt.Fprintln(r.out, strings.TrimRight(strings.Join(line, "  "), " "))
	}
}

func total(widths []int) int {
	sum := 2 * (len(widths) - 1)
	for _, w := range widths {
		sum += w
	}
	return sum
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit <= 3 {
		return s[:limit]
	}
	return s[:limit-3] + "..."
}

// terminalWidth returns the current terminal width.
func terminalWidth() int {
	width, _, err := term.GetSize(0)
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

// Confirm asks a yes/no question and returns the answer, defaulting to no.
// Without a terminal on stdin it refuses rather than hanging a scheduled
// job, and points at the auto-approve flag.
func (r *Renderer) Confirm(prompt string) (bool, error) {
	in := r.in
	if in == nil {
		if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			return false, fmt.Errorf("confirmation required but stdin is not a terminal, rerun with --auto-approve")
		}
		in = os.Stdin
	}

	fmt.Fprintf(r.out, "%s %s [y/N]: ", r.statusIcon(backup.StatusDegraded), prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
