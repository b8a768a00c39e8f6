// Package components provides themed tview widgets used by the wizards.
package components

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/tis24dev/snapship/internal/tui"
)

const continueHint = "\n\n[yellow]Press ENTER to continue[white]"

var modalCreatedHook func(*tview.Modal)

func newModal(title, text string, color tcell.Color, buttons []string, done func(label string)) *tview.Modal {
	modal := tview.NewModal().
		SetText(text).
		AddButtons(buttons).
		SetDoneFunc(func(_ int, label string) { done(label) })
	modal.SetBorder(true).
		SetTitle(" " + title + " ").
		SetTitleAlign(tview.AlignCenter).
		SetTitleColor(color).
		SetBorderColor(color).
		SetBackgroundColor(tcell.ColorBlack)
	if modalCreatedHook != nil {
		modalCreatedHook(modal)
	}
	return modal
}

// ShowConfirm asks a Yes/No question, then stops the app.
func ShowConfirm(app *tui.App, title, message string, onYes, onNo func()) {
	text := message + "\n\n[yellow]Use TAB or arrows to switch | ENTER to select[white]"
	modal := newModal(title, text, tui.Accent, []string{"Yes", "No"}, func(label string) {
		switch {
		case label == "Yes" && onYes != nil:
			onYes()
		case label == "No" && onNo != nil:
			onNo()
		}
		app.Stop()
	})
	app.SetRoot(modal, true).SetFocus(modal)
}

// ShowErrorInline shows an error and returns to returnTo when dismissed.
func ShowErrorInline(app *tui.App, title, message string, returnTo tview.Primitive) {
	modal := newModal(title, tui.SymbolError+" "+message+continueHint, tui.ErrorRed, []string{"OK"}, func(string) {
		app.SetRoot(returnTo, true).SetFocus(returnTo)
	})
	app.SetRoot(modal, true).SetFocus(modal)
}
