package pageagent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// AutoControlURL in page.control_url asks for discovery of a running browser.
const AutoControlURL = "auto"

// ErrNoBrowser is returned when no debuggable browser is running.
var ErrNoBrowser = errors.New("no browser with remote debugging is running")

// BrowserProcess is a running Chrome-family browser started with
// --remote-debugging-port.
type BrowserProcess struct {
	PID     int32
	Exe     string
	Port    int
	Created int64 // ms since epoch
}

// ControlURL is the DevTools address of the browser.
func (b BrowserProcess) ControlURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", b.Port)
}

var browserExes = map[string]bool{
	"chrome":               true,
	"chrome.exe":           true,
	"google-chrome":        true,
	"google-chrome-stable": true,
	"chromium":             true,
	"chromium-browser":     true,
	"msedge":               true,
	"msedge.exe":           true,
	"brave":                true,
	"brave-browser":        true,
	"google chrome":        true,
}

// DiscoverBrowsers lists debuggable browsers, newest first. Renderer and
// other helper processes are skipped.
func DiscoverBrowsers(ctx context.Context) ([]BrowserProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var found []BrowserProcess
	for _, p := range procs {
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || !isBrowser(args) {
			continue
		}
		port, ok := debugPort(args)
		if !ok {
			continue
		}
		created, _ := p.CreateTimeWithContext(ctx)
		found = append(found, BrowserProcess{
			PID:     p.Pid,
			Exe:     filepath.Base(args[0]),
			Port:    port,
			Created: created,
		})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Created > found[j].Created })
	return found, nil
}

// DiscoverControlURL returns the DevTools address of the newest debuggable
// browser.
func DiscoverControlURL(ctx context.Context) (string, error) {
	found, err := DiscoverBrowsers(ctx)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", ErrNoBrowser
	}
	return found[0].ControlURL(), nil
}

// isBrowser matches the main browser process, not the helpers it spawns.
func isBrowser(args []string) bool {
	if len(args) == 0 {
		return false
	}
	if !browserExes[strings.ToLower(filepath.Base(args[0]))] {
		return false
	}
	for _, a := range args[1:] {
		if strings.HasPrefix(a, "--type=") {
			return false
		}
	}
	return true
}

// debugPort reads the DevTools port from a browser command line. Port 0 means
// the browser picked one and wrote it to DevToolsActivePort in its profile.
func debugPort(args []string) (int, bool) {
	var portArg, dataDir string
	for _, a := range args[1:] {
		if v, ok := strings.CutPrefix(a, "--remote-debugging-port="); ok {
			portArg = v
		}
		if v, ok := strings.CutPrefix(a, "--user-data-dir="); ok {
			dataDir = strings.Trim(v, `"`)
		}
	}
	if portArg == "" {
		return 0, false
	}
	port, err := strconv.Atoi(portArg)
	if err != nil || port < 0 {
		return 0, false
	}
	if port > 0 {
		return port, true
	}
	if dataDir == "" {
		return 0, false
	}
	return activePort(filepath.Join(dataDir, "DevToolsActivePort"))
}

func activePort(path string) (int, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil || port <= 0 {
		return 0, false
	}
	return port, true
}
