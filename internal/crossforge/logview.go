package crossforge

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

type logInfo struct {
	path    string
	content string
}

// runLogView opens a scrollable viewer over the kept build logs of past
// runs, newest first. Arrow keys / h and l switch targets, q quits.
func runLogView() int {
	logs := readBuildLogs()
	if len(logs) == 0 {
		colArrow.Print("-> ")
		colWarn.Println("No build logs found. Failed builds keep their logs under", LogDir)
		return 0
	}

	app := tview.NewApplication()
	activeIdx := 0

	headerBox := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetTextAlign(tview.AlignLeft)
	headerBox.SetBorder(true)
	headerBox.SetTitle("crossforge Build Log Viewer")

	logView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetScrollable(true)
	logView.SetBorder(true)

	footerBox := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true).
		SetTextAlign(tview.AlignLeft)
	footerBox.SetBorder(true)
	footerBox.SetText("[gray]Press 'q' to quit | ← → (or h/l) to switch logs | ↑ ↓ to scroll | Home/End to jump[white]")

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(headerBox, 3, 0, false).
		AddItem(logView, 0, 1, true).
		AddItem(footerBox, 3, 0, false)

	show := func() {
		log := logs[activeIdx]
		headerBox.SetText(fmt.Sprintf("[gray]Log %d/%d: %s[white]", activeIdx+1, len(logs), log.path))
		logView.Clear()
		ansiWriter := tview.ANSIWriter(logView)
		ansiWriter.Write([]byte(log.content))
		logView.ScrollToEnd()
	}

	flex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlQ, tcell.KeyEsc:
			app.Stop()
			return nil
		case tcell.KeyLeft:
			activeIdx = (activeIdx - 1 + len(logs)) % len(logs)
			show()
			return nil
		case tcell.KeyRight:
			activeIdx = (activeIdx + 1) % len(logs)
			show()
			return nil
		case tcell.KeyHome:
			logView.ScrollToBeginning()
			return nil
		case tcell.KeyEnd:
			logView.ScrollToEnd()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q':
				app.Stop()
				return nil
			case 'h':
				activeIdx = (activeIdx - 1 + len(logs)) % len(logs)
				show()
				return nil
			case 'l':
				activeIdx = (activeIdx + 1) % len(logs)
				show()
				return nil
			}
		}
		return event
	})

	app.SetRoot(flex, true).SetFocus(logView)
	show()

	if err := app.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "logs:", err)
		return 1
	}
	return 0
}

// readBuildLogs loads every kept log under LogDir, newest first.
func readBuildLogs() []logInfo {
	paths, _ := filepath.Glob(filepath.Join(LogDir, "build-*.log"))
	if len(paths) == 0 {
		return nil
	}

	sort.Slice(paths, func(i, j int) bool {
		ai, err1 := os.Stat(paths[i])
		aj, err2 := os.Stat(paths[j])
		if err1 != nil || err2 != nil {
			return paths[i] > paths[j]
		}
		return ai.ModTime().After(aj.ModTime())
	})

	logs := make([]logInfo, 0, len(paths))
	for _, path := range paths {
		content := readWholeFile(path)
		if strings.TrimSpace(content) == "" {
			content = "(empty log)"
		}
		logs = append(logs, logInfo{path: path, content: content})
	}
	return logs
}

func readWholeFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Sprintf("failed to read log: %v", err)
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return fmt.Sprintf("failed to read log: %v", err)
	}
	return string(b)
}
