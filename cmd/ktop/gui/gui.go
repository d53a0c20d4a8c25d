// Package gui renders pkg/kstat's subsystems in a gocui terminal
// dashboard: a subsystem list on the left, sparkline history of the
// selected subsystem's counters on the right. Its layout/keybinding
// split mirrors lazydocker's pkg/gui, collapsed from many content panels
// (projects, services, containers, images, volumes) down to the one
// kind of panel this dashboard needs.
package gui

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/jesseduffield/asciigraph"
	"github.com/jesseduffield/gocui"
	"github.com/go-logr/logr"

	"github.com/susmicrosystems/corekernel/pkg/kstat"
)

const (
	viewSubsystems = "subsystems"
	viewMain       = "main"
	viewStatus     = "status"

	historyLen = 120
)

// Gui wraps the gocui Gui and the kstat.Manager it renders.
type Gui struct {
	g      *gocui.Gui
	mgr    *kstat.Manager
	logger logr.Logger

	subsystems []string
	selected   int

	// history holds recent values per "subsystem/counter" key, feeding
	// the sparkline in the main panel.
	history map[string][]float64
}

// New creates a Gui. Call Run to start rendering; call Close when done.
func New(mgr *kstat.Manager, logger logr.Logger) (*Gui, error) {
	g, err := gocui.NewGui(gocui.OutputTrue, false, gocui.NORMAL, false, map[rune]string{})
	if err != nil {
		return nil, err
	}
	gui := &Gui{
		g:       g,
		mgr:     mgr,
		logger:  logger.WithName("gui"),
		history: make(map[string][]float64),
	}
	g.Highlight = true
	g.SelFgColor = gocui.ColorGreen
	g.SetManagerFunc(gui.layout)
	if err := gui.keybindings(); err != nil {
		g.Close()
		return nil, err
	}
	return gui, nil
}

// Close releases the underlying terminal.
func (gui *Gui) Close() {
	gui.g.Close()
}

// Run starts the refresh loop and blocks in gocui's main loop until ctx
// is canceled or the user quits.
func (gui *Gui) Run(ctx context.Context) error {
	refreshCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go gui.refreshLoop(refreshCtx)

	go func() {
		<-ctx.Done()
		gui.g.Update(func(*gocui.Gui) error { return gocui.ErrQuit })
	}()

	err := gui.g.MainLoop()
	if err == gocui.ErrQuit {
		return nil
	}
	return err
}

func (gui *Gui) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gui.refresh()
		}
	}
}

func (gui *Gui) refresh() {
	subs, err := gui.mgr.Subsystems()
	if err != nil {
		gui.logger.Error(err, "list subsystems")
		return
	}
	sort.Strings(subs)

	gui.g.Update(func(*gocui.Gui) error {
		gui.subsystems = subs
		if gui.selected >= len(gui.subsystems) {
			gui.selected = len(gui.subsystems) - 1
		}
		if gui.selected < 0 {
			gui.selected = 0
		}
		return gui.render()
	})
}

func (gui *Gui) render() error {
	if sv, err := gui.g.View(viewSubsystems); err == nil {
		sv.Clear()
		for i, name := range gui.subsystems {
			if i == gui.selected {
				fmt.Fprintln(sv, "> "+name)
			} else {
				fmt.Fprintln(sv, "  "+name)
			}
		}
	}

	mv, err := gui.g.View(viewMain)
	if err != nil {
		return nil
	}
	mv.Clear()
	if len(gui.subsystems) == 0 {
		fmt.Fprintln(mv, "no subsystems reporting yet")
		return nil
	}

	name := gui.subsystems[gui.selected]
	snap, err := gui.mgr.Snapshot(name)
	if err != nil {
		fmt.Fprintln(mv, color.RedString("snapshot error: %v", err))
		return nil
	}

	counters := sortedCounterNames(snap)

	fmt.Fprintln(mv, color.CyanString("%s", name))
	for _, c := range counters {
		key := name + "/" + c
		series := appendHistory(gui.history[key], float64(snap[c]), historyLen)
		gui.history[key] = series

		fmt.Fprintf(mv, "%s = %d\n", c, snap[c])
		if len(series) >= 2 {
			width, _ := mv.Size()
			graphWidth := width - 10
			if graphWidth < 10 {
				graphWidth = 10
			}
			fmt.Fprintln(mv, asciigraph.Plot(series, asciigraph.Height(6), asciigraph.Width(graphWidth)))
		}
	}
	return nil
}

// sortedCounterNames returns snap's keys in sorted order, giving the
// dashboard a stable, deterministic counter ordering across refreshes.
func sortedCounterNames(snap map[string]int64) []string {
	names := make([]string, 0, len(snap))
	for c := range snap {
		names = append(names, c)
	}
	sort.Strings(names)
	return names
}

// appendHistory appends v to series, trimming from the front once it
// exceeds max entries so the sparkline window slides forward.
func appendHistory(series []float64, v float64, max int) []float64 {
	series = append(series, v)
	if len(series) > max {
		series = series[len(series)-max:]
	}
	return series
}

func (gui *Gui) layout(g *gocui.Gui) error {
	width, height := g.Size()
	listWidth := width / 4
	if listWidth < 16 {
		listWidth = 16
	}

	if v, err := g.SetView(viewSubsystems, 0, 0, listWidth, height-2, 0); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = " subsystems "
		v.Highlight = true
	}

	if v, err := g.SetView(viewMain, listWidth+1, 0, width-1, height-2, 0); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = " counters "
		v.Wrap = true
	}

	if v, err := g.SetView(viewStatus, 0, height-2, width-1, height, 0); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		fmt.Fprint(v, "arrows: select subsystem  q/ctrl-c: quit")
	}

	if g.CurrentView() == nil {
		if _, err := g.SetCurrentView(viewSubsystems); err != nil {
			return err
		}
	}

	return gui.render()
}

func (gui *Gui) keybindings() error {
	g := gui.g

	quit := func(*gocui.Gui, *gocui.View) error { return gocui.ErrQuit }
	if err := g.SetKeybinding("", 'q', gocui.ModNone, quit); err != nil {
		return err
	}
	if err := g.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone, quit); err != nil {
		return err
	}

	down := func(*gocui.Gui, *gocui.View) error {
		if gui.selected < len(gui.subsystems)-1 {
			gui.selected++
		}
		return gui.render()
	}
	up := func(*gocui.Gui, *gocui.View) error {
		if gui.selected > 0 {
			gui.selected--
		}
		return gui.render()
	}
	if err := g.SetKeybinding("", gocui.KeyArrowDown, gocui.ModNone, down); err != nil {
		return err
	}
	if err := g.SetKeybinding("", 'j', gocui.ModNone, down); err != nil {
		return err
	}
	if err := g.SetKeybinding("", gocui.KeyArrowUp, gocui.ModNone, up); err != nil {
		return err
	}
	if err := g.SetKeybinding("", 'k', gocui.ModNone, up); err != nil {
		return err
	}
	return nil
}
