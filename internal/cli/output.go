package cli

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"bluetooth-obex/internal/connmgr"
)

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatSize renders a byte count with binary steps and at most two decimals,
// e.g. "1.5 MB".
func FormatSize(n uint64) string {
	size := float64(n)
	unit := 0
	for size >= 1024 && unit < len(sizeUnits)-1 {
		size /= 1024
		unit++
	}
	s := strconv.FormatFloat(math.Round(size*100)/100, 'f', 2, 64)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	return s + " " + sizeUnits[unit]
}

func deviceTable(devs []connmgr.Device) [][]string {
	data := [][]string{{"#", "Name", "Address", "Paired", "Path"}}
	for i, d := range devs {
		paired := "no"
		if d.Paired {
			paired = "yes"
		}
		data = append(data, []string{strconv.Itoa(i), d.DisplayName(), d.MAC, paired, d.Path})
	}
	return data
}

func renderDevices(devs []connmgr.Device) error {
	if len(devs) == 0 {
		pterm.Warning.Println("no devices offering Object Push found")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(deviceTable(devs)).Render()
}

// deviceOption is the label shown for d in the interactive picker.
func deviceOption(i int, d connmgr.Device) string {
	return fmt.Sprintf("%d: %s (%s)", i, d.DisplayName(), d.MAC)
}

// progressBar maps fractional progress onto a percent based pterm bar. It is
// started lazily on the first update and is safe for use from any goroutine.
type progressBar struct {
	title string

	mu      sync.Mutex
	bar     *pterm.ProgressbarPrinter
	percent int
}

func newProgressBar(title string) *progressBar {
	return &progressBar{title: title}
}

func (p *progressBar) Update(f float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		bar, err := pterm.DefaultProgressbar.
			WithTitle(p.title).
			WithTotal(100).
			WithShowCount(false).
			WithRemoveWhenDone(true).
			Start()
		if err != nil {
			return
		}
		p.bar = bar
	}
	target := percentOf(f)
	if target > p.percent {
		p.bar.Add(target - p.percent)
		p.percent = target
	}
}

func (p *progressBar) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_, _ = p.bar.Stop()
		p.bar = nil
	}
	p.percent = 0
}

func percentOf(f float64) int {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= 1:
		return 100
	}
	return int(f * 100)
}
