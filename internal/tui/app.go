// Package tui holds the tview application shell shared by the interactive
// wizards.
package tui

import (
	"context"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

var (
	abortMu  sync.RWMutex
	abortCtx context.Context
)

// SetAbortContext registers the context whose cancellation (Ctrl+C) stops
// every App created afterwards.
func SetAbortContext(ctx context.Context) {
	abortMu.Lock()
	abortCtx = ctx
	abortMu.Unlock()
}

func currentAbortContext() context.Context {
	abortMu.RLock()
	defer abortMu.RUnlock()
	return abortCtx
}

// App wraps tview.Application with the snapship theme.
type App struct {
	*tview.Application
	stopHook func()
}

// NewApp creates a themed application bound to the abort context.
func NewApp() *App {
	app := &App{Application: tview.NewApplication()}
	app.EnableMouse(true)

	tview.Styles.PrimitiveBackgroundColor = tcell.ColorBlack
	tview.Styles.ContrastBackgroundColor = tcell.ColorBlack
	tview.Styles.MoreContrastBackgroundColor = Dark
	tview.Styles.BorderColor = Accent
	tview.Styles.TitleColor = Accent
	tview.Styles.GraphicsColor = Accent
	tview.Styles.PrimaryTextColor = tcell.ColorWhite
	tview.Styles.SecondaryTextColor = Light
	tview.Styles.TertiaryTextColor = MutedGray
	tview.Styles.InverseTextColor = tcell.ColorBlack

	app.watchAbort(currentAbortContext())
	return app
}

func (a *App) watchAbort(ctx context.Context) {
	if ctx == nil {
		return
	}
	go func() {
		<-ctx.Done()
		a.Stop()
	}()
}

// Stop stops the application; safe on a nil App.
func (a *App) Stop() {
	if a == nil {
		return
	}
	if a.stopHook != nil {
		a.stopHook()
		return
	}
	if a.Application != nil {
		a.Application.Stop()
	}
}

// Frame wraps root in a bordered, titled flex in the snapship colors.
func Frame(root tview.Primitive, title string) *tview.Flex {
	flex := tview.NewFlex().SetDirection(tview.FlexRow).AddItem(root, 0, 1, true)
	flex.SetBorder(true).
		SetTitle(" " + title + " ").
		SetTitleAlign(tview.AlignCenter).
		SetTitleColor(Accent).
		SetBorderColor(Accent).
		SetBackgroundColor(tcell.ColorBlack)
	return flex
}
