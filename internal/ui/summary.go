package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/bamsammich/hotbackup/internal/config"
	"github.com/bamsammich/hotbackup/internal/stats"
)

// Summary colors. ApplyTheme overrides them from the config file.
var (
	ColorOK    = lipgloss.Color("#a6e3a1")
	ColorWarn  = lipgloss.Color("#f9e2af")
	ColorError = lipgloss.Color("#f38ba8")
	ColorMuted = lipgloss.Color("#5a6278")
)

var (
	styleOK    lipgloss.Style
	styleWarn  lipgloss.Style
	styleError lipgloss.Style
	styleMuted lipgloss.Style
)

func init() {
	rebuildStyles()
}

func rebuildStyles() {
	styleOK = lipgloss.NewStyle().Foreground(ColorOK).Bold(true)
	styleWarn = lipgloss.NewStyle().Foreground(ColorWarn)
	styleError = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	styleMuted = lipgloss.NewStyle().Foreground(ColorMuted)
}

// ApplyTheme overrides colors from the config file and rebuilds the styles.
func ApplyTheme(tc config.ThemeConfig) {
	if tc.OK != nil {
		ColorOK = lipgloss.Color(*tc.OK)
	}
	if tc.Warn != nil {
		ColorWarn = lipgloss.Color(*tc.Warn)
	}
	if tc.Error != nil {
		ColorError = lipgloss.Color(*tc.Error)
	}
	if tc.Muted != nil {
		ColorMuted = lipgloss.Color(*tc.Muted)
	}
	rebuildStyles()
}

// RunSummary is everything the final summary line reports.
type RunSummary struct {
	Snapshot     stats.Snapshot
	Verified     int
	VerifyFailed int
	Err          error
}

func (s RunSummary) failed() bool {
	return s.Err != nil || s.VerifyFailed > 0
}

type summaryField struct {
	label, value string
	warn         bool
}

func (s RunSummary) fields() []summaryField {
	snap := s.Snapshot
	avg := 0.0
	if snap.Elapsed.Seconds() > 0 {
		avg = float64(snap.BytesCopied) / snap.Elapsed.Seconds()
	}
	fs := []summaryField{
		{label: "files", value: FormatCount(snap.FilesCopied)},
		{label: "size", value: FormatBytes(snap.BytesCopied)},
		{label: "avg", value: FormatRate(avg)},
		{label: "time", value: FormatDuration(snap.Elapsed)},
		{label: "mirrored", value: FormatCount(snap.WritesMirrored) + " writes"},
	}
	if snap.FilesVanished > 0 {
		fs = append(fs, summaryField{label: "vanished", value: FormatCount(snap.FilesVanished), warn: true})
	}
	if s.Verified > 0 || s.VerifyFailed > 0 {
		fs = append(fs, summaryField{label: "verified", value: FormatCount(int64(s.Verified))})
	}
	if s.VerifyFailed > 0 {
		fs = append(fs, summaryField{label: "mismatched", value: FormatCount(int64(s.VerifyFailed)), warn: true})
	}
	return fs
}

// Plain renders the summary without color.
// Format: done ✓  files 48,917  size 2.1 GiB  avg 641 MiB/s  time 3m 17s  mirrored 12 writes
func (s RunSummary) Plain() string {
	icon := "done ✓"
	if s.failed() {
		icon = "failed ✗"
	}
	var b strings.Builder
	b.WriteString(icon)
	for _, f := range s.fields() {
		fmt.Fprintf(&b, "  %s %s", f.label, f.value)
	}
	if s.Err != nil {
		fmt.Fprintf(&b, "  error %s", s.Err)
	}
	return b.String()
}

// Styled renders the summary with the theme colors.
func (s RunSummary) Styled() string {
	icon := styleOK.Render("done ✓")
	if s.failed() {
		icon = styleError.Render("failed ✗")
	}
	var b strings.Builder
	b.WriteString(icon)
	for _, f := range s.fields() {
		value := f.value
		if f.warn {
			value = styleWarn.Render(value)
		}
		fmt.Fprintf(&b, "  %s %s", styleMuted.Render(f.label), value)
	}
	if s.Err != nil {
		fmt.Fprintf(&b, "  %s", styleError.Render(s.Err.Error()))
	}
	return b.String()
}
