package mizar

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// `mizar log` with no argument opens a live viewer over the uncompressed
// .log files in the log directory. Those are the builds currently running
// (or the ones that failed, whose raw log is kept for inspection). Tabs
// switch between units; content refreshes once a second and follows the
// tail unless the user scrolled up.

type liveLog struct {
	path    string
	content string
}

type logViewer struct {
	app       *tview.Application
	header    *tview.TextView
	body      *tview.TextView
	footer    *tview.TextView
	logs      []liveLog
	activeIdx int
	follow    bool
	lastShown string
}

func newLogViewer() *logViewer {
	v := &logViewer{
		app:    tview.NewApplication(),
		follow: true,
	}

	v.header = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetTextAlign(tview.AlignLeft)
	v.header.SetBorder(true)
	v.header.SetTitle("mizar build log viewer")

	v.body = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetScrollable(true).
		SetChangedFunc(func() {
			v.app.Draw()
		})
	v.body.SetBorder(true)

	v.footer = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true).
		SetTextAlign(tview.AlignLeft).
		SetText("[gray]←/→ switch unit  ↑/↓/PgUp/PgDn scroll  End follow tail  q/Esc quit[white]")
	v.footer.SetBorder(true)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(v.header, 3, 0, false).
		AddItem(v.body, 0, 1, true).
		AddItem(v.footer, 3, 0, false)

	flex.SetInputCapture(v.handleKey)
	v.app.SetRoot(flex, true).SetFocus(v.body)
	return v
}

func (v *logViewer) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyCtrlQ, tcell.KeyEsc:
		v.app.Stop()
		return nil
	case tcell.KeyLeft:
		if len(v.logs) > 0 {
			v.activeIdx--
			if v.activeIdx < 0 {
				v.activeIdx = len(v.logs) - 1
			}
			v.follow = true
			v.render()
		}
		return nil
	case tcell.KeyRight:
		if len(v.logs) > 0 {
			v.activeIdx++
			if v.activeIdx >= len(v.logs) {
				v.activeIdx = 0
			}
			v.follow = true
			v.render()
		}
		return nil
	case tcell.KeyHome:
		v.follow = false
		v.body.ScrollToBeginning()
		return nil
	case tcell.KeyEnd:
		v.follow = true
		v.body.ScrollToEnd()
		return nil
	case tcell.KeyUp:
		v.follow = false
		row, _ := v.body.GetScrollOffset()
		if row > 0 {
			v.body.ScrollTo(row-1, 0)
		}
		return nil
	case tcell.KeyDown:
		row, _ := v.body.GetScrollOffset()
		v.body.ScrollTo(row+1, 0)
		return nil
	case tcell.KeyPgUp:
		v.follow = false
		row, _ := v.body.GetScrollOffset()
		if row > 10 {
			v.body.ScrollTo(row-10, 0)
		} else {
			v.body.ScrollToBeginning()
		}
		return nil
	case tcell.KeyPgDn:
		row, _ := v.body.GetScrollOffset()
		v.body.ScrollTo(row+10, 0)
		return nil
	case tcell.KeyRune:
		if event.Rune() == 'q' {
			v.app.Stop()
			return nil
		}
	}
	return event
}

// scanLiveLogs reads the uncompressed logs currently on disk.
func scanLiveLogs() []liveLog {
	entries, err := os.ReadDir(LogDir)
	if err != nil {
		return nil
	}

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var logs []liveLog
	for _, name := range names {
		path := filepath.Join(LogDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		logs = append(logs, liveLog{path: path, content: string(data)})
	}
	return logs
}

func (v *logViewer) render() {
	if len(v.logs) == 0 {
		v.header.SetText("[yellow]waiting for builds...[white]")
		v.body.SetText("No active build logs under " + LogDir)
		return
	}
	if v.activeIdx >= len(v.logs) {
		v.activeIdx = len(v.logs) - 1
	}

	var tabs []string
	for i, l := range v.logs {
		name := strings.TrimSuffix(filepath.Base(l.path), ".log")
		if i == v.activeIdx {
			tabs = append(tabs, "[black:yellow] "+name+" [-:-]")
		} else {
			tabs = append(tabs, " "+name+" ")
		}
	}
	v.header.SetText(strings.Join(tabs, "|"))

	active := v.logs[v.activeIdx]
	if active.content != v.lastShown {
		v.lastShown = active.content
		v.body.Clear()
		fmt.Fprint(tview.ANSIWriter(v.body), active.content)
		if v.follow {
			v.body.ScrollToEnd()
		}
	}
}

func runLogTUI() int {
	v := newLogViewer()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			logs := scanLiveLogs()
			v.app.QueueUpdateDraw(func() {
				v.logs = logs
				v.render()
			})
		}
	}()

	v.logs = scanLiveLogs()
	v.render()

	if err := v.app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "log viewer failed: %v\n", err)
		return 1
	}
	return 0
}
