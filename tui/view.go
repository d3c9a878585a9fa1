package tui

import (
	"fmt"
	"math"
	"strconv"
	"sync/atomic"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"fieldlog/catalog"
	"fieldlog/cycle"
	"fieldlog/logging"
	"fieldlog/measure"
)

// Source is the cycle state shown by the view. *cycle.Orchestrator
// implements it.
type Source interface {
	Status() cycle.Status
	Stats() cycle.Stats
	LastRecord() (measure.Record, bool)
}

// View is a full-screen table of the catalog with the last recorded values.
type View struct {
	app       *tview.Application
	flex      *tview.Flex
	table     *tview.Table
	statusBar *tview.TextView
	buttonBar *tview.TextView

	device string
	holder *catalog.Holder
	source Source

	running atomic.Bool

	onQuit   func()
	onCycle  func() // Runs a cycle on demand; nil hides the key
	onReload func()
}

// NewView creates the view. Call Run to take over the terminal.
func NewView(device string, holder *catalog.Holder, source Source) *View {
	v := &View{
		app:    tview.NewApplication(),
		device: device,
		holder: holder,
		source: source,
	}
	v.setupUI()
	v.refresh()
	return v
}

// NewViewWithScreen creates a view drawing on the given screen.
func NewViewWithScreen(device string, holder *catalog.Holder, source Source, screen tcell.Screen) *View {
	v := NewView(device, holder, source)
	v.app.SetScreen(screen)
	return v
}

// SetOnQuit sets the callback run when the user quits.
func (v *View) SetOnQuit(fn func()) {
	v.onQuit = fn
}

// SetOnCycle sets the callback bound to the 'p' (poll now) key.
func (v *View) SetOnCycle(fn func()) {
	v.onCycle = fn
	v.updateButtonBar()
}

// SetOnReload sets the callback bound to the 'r' (reload config) key.
func (v *View) SetOnReload(fn func()) {
	v.onReload = fn
	v.updateButtonBar()
}

func (v *View) setupUI() {
	th := CurrentTheme

	v.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)

	v.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	v.updateButtonBar()

	v.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(th.Text)

	tableFrame := tview.NewFrame(v.table).
		SetBorders(1, 0, 0, 0, 1, 1)
	tableFrame.SetBorder(true).
		SetTitle(fmt.Sprintf(" %s ", v.device)).
		SetBorderColor(th.Border).
		SetTitleColor(th.Accent)

	v.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(v.buttonBar, 1, 0, false).
		AddItem(tableFrame, 0, 1, true).
		AddItem(v.statusBar, 1, 0, false)

	v.app.SetRoot(v.flex, true).SetInputCapture(v.handleKeys)
}

func (v *View) updateButtonBar() {
	text := " [yellow]q[white]uit"
	if v.onCycle != nil {
		text += "  [yellow]p[white]oll now"
	}
	if v.onReload != nil {
		text += "  [yellow]r[white]eload config"
	}
	v.buttonBar.SetText(text + " ")
}

func (v *View) handleKeys(event *tcell.EventKey) *tcell.EventKey {
	if event.Key() == tcell.KeyCtrlC {
		v.quit()
		return nil
	}
	switch event.Rune() {
	case 'q', 'Q':
		v.quit()
		return nil
	case 'p':
		if v.onCycle != nil {
			go v.onCycle()
		}
		return nil
	case 'r':
		if v.onReload != nil {
			go v.onReload()
		}
		return nil
	}
	return event
}

func (v *View) quit() {
	v.app.Stop()
	if v.onQuit != nil {
		v.onQuit()
	}
}

// CycleDone implements cycle.Observer by redrawing from the event loop.
// Results arriving while the view is not running are ignored.
func (v *View) CycleDone(res cycle.Result) {
	if !v.running.Load() {
		return
	}
	v.app.QueueUpdateDraw(v.refresh)
}

// refresh rebuilds the table and the status line.
func (v *View) refresh() {
	th := CurrentTheme
	cat := v.holder.Load()
	rec, _ := v.source.LastRecord()

	v.table.Clear()
	headers := []string{"Key", "Name", "Value", "Unit", "Register"}
	for i, h := range headers {
		v.table.SetCell(0, i, tview.NewTableCell(h).
			SetTextColor(th.Header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}

	for i, def := range cat.Definitions() {
		row := i + 1
		value, color := MissingValue, th.Dim
		if val, ok := rec.Value(def.Key); ok {
			if math.IsNaN(float64(val)) {
				color = th.Error
			} else {
				value, color = FormatValue(val), th.Text
			}
		}

		v.table.SetCell(row, 0, tview.NewTableCell(def.Key).SetTextColor(th.Accent))
		v.table.SetCell(row, 1, tview.NewTableCell(def.Name).SetExpansion(1))
		v.table.SetCell(row, 2, tview.NewTableCell(value).SetTextColor(color).SetAlign(tview.AlignRight))
		v.table.SetCell(row, 3, tview.NewTableCell(def.Unit))
		v.table.SetCell(row, 4, tview.NewTableCell(strconv.Itoa(int(def.Address))).SetAlign(tview.AlignRight))
	}

	v.statusBar.SetText(v.statusText(rec))
}

func (v *View) statusText(rec measure.Record) string {
	stats := v.source.Stats()

	indicator := StatusIndicatorIdle
	switch {
	case v.source.Status() == cycle.StatusRunning:
		indicator = StatusIndicatorRunning
	case stats.Cycles > 0 && !stats.LastResult.Persisted:
		indicator = StatusIndicatorError
	}

	text := fmt.Sprintf(" %s cycles %d  persisted %d  failed %d", indicator, stats.Cycles, stats.Persisted, stats.Failures)
	if rec.Timestamp != "" {
		text += fmt.Sprintf("  last %s (%d/%d ok)", rec.Timestamp, len(rec.Entries)-rec.Failures(), len(rec.Entries))
	}
	if msg := stats.LastResult.Message; msg != "" && !stats.LastResult.Persisted {
		text += fmt.Sprintf("  [red]%s[-]", tview.Escape(msg))
	}
	return text
}

// FormatValue renders a register value with three decimals.
func FormatValue(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', 3, 32)
}

// Run takes over the terminal until the user quits or Stop is called.
func (v *View) Run() error {
	logging.DebugLog("tui", "view started")
	v.running.Store(true)
	defer func() {
		v.running.Store(false)
		logging.DebugLog("tui", "view stopped")
	}()
	return v.app.Run()
}

// Stop ends Run.
func (v *View) Stop() {
	v.app.Stop()
}
