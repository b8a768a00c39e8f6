package tui

import "github.com/gdamore/tcell/v2"

// snapship palette
var (
	Accent    = tcell.NewRGBColor(20, 184, 166) // #14B8A6
	Dark      = tcell.NewRGBColor(30, 34, 38)   // #1E2226
	Light     = tcell.NewRGBColor(210, 214, 218)
	MutedGray = tcell.NewRGBColor(128, 128, 128)
	ErrorRed  = tcell.NewRGBColor(239, 68, 68)
)

const (
	SymbolSuccess = "✓"
	SymbolError   = "✗"
	SymbolWarning = "⚠"
	SymbolBullet  = "•"
)

// StatusSymbol maps a run outcome ("completed", "failed", "skipped") to a
// terminal symbol.
func StatusSymbol(status string) string {
	switch status {
	case "completed", "success", "ok":
		return SymbolSuccess
	case "failed", "error":
		return SymbolError
	case "skipped", "warning":
		return SymbolWarning
	default:
		return SymbolBullet
	}
}
