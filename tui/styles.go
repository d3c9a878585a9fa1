// Package tui provides the live register table shown with -tui.
package tui

import "github.com/gdamore/tcell/v2"

// Theme holds the colors used by the view.
type Theme struct {
	Text      tcell.Color
	Header    tcell.Color
	Accent    tcell.Color
	Border    tcell.Color
	Error     tcell.Color
	Dim       tcell.Color
	Highlight tcell.Color
}

// CurrentTheme is the active color scheme.
var CurrentTheme = Theme{
	Text:      tcell.ColorWhite,
	Header:    tcell.ColorYellow,
	Accent:    tcell.ColorAqua,
	Border:    tcell.ColorBlue,
	Error:     tcell.ColorRed,
	Dim:       tcell.ColorGray,
	Highlight: tcell.ColorGreen,
}

// Status indicator strings
const (
	StatusIndicatorRunning = "[green]●[-]"
	StatusIndicatorIdle    = "[gray]○[-]"
	StatusIndicatorError   = "[red]●[-]"
)

// MissingValue is shown for registers whose last read failed.
const MissingValue = "---"
