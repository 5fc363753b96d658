// Package launcher implements BrowserLauncher: resolves a browser
// executable, spawns it with a debugging port of 0 (OS-assigned), scans
// its stderr for the endpoint banner, and exposes
// {ws_endpoint, process_handle, profile_dir, close}.
//
// Concurrent spawns are throttled with golang.org/x/time/rate, the same
// rate.NewLimiter/Wait pattern used to pace outbound requests elsewhere
// in the stack, applied here to OS process spawns instead.
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rik9564/browsecraft/internal/bcerr"
	"golang.org/x/time/rate"
)

// Browser identifies which browser family to launch.
type Browser string

const (
	Chrome Browser = "chrome"
	Firefox Browser = "firefox"
	Edge Browser = "edge"
)

var (
	chromiumBanner = regexp.MustCompile(`DevTools listening on (ws://\S+)`)
	firefoxBanner = regexp.MustCompile(`WebDriver BiDi listening on (ws://\S+)`)
)

// candidatePaths is the per-OS, per-browser executable lookup table used
// when Options.ExecutablePath is empty.
var candidatePaths = map[Browser]map[string][]string{
	Chrome: {
		"linux": {"/usr/bin/google-chrome", "/usr/bin/google-chrome-stable", "/usr/bin/chromium-browser", "/usr/bin/chromium"},
		"darwin": {"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"},
		"windows": {`C:\Program Files\Google\Chrome\Application\chrome.exe`, `C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`},
	},
	Edge: {
		"linux": {"/usr/bin/microsoft-edge", "/usr/bin/microsoft-edge-stable"},
		"darwin": {"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge"},
		"windows": {`C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`},
	},
	Firefox: {
		"linux": {"/usr/bin/firefox", "/usr/bin/firefox-esr"},
		"darwin": {"/Applications/Firefox.app/Contents/MacOS/firefox"},
		"windows": {`C:\Program Files\Mozilla Firefox\firefox.exe`},
	},
}

// Options configures one Launch call.
type Options struct {
	Browser Browser
	Headless bool
	ExecutablePath string
	ExtraArgs []string
	Maximized bool
	Timeout time.Duration // default 30s
}

// Handle is the running browser process and its endpoint.
type Handle struct {
	WSEndpoint string
	ProfileDir string
	Process *os.Process

	cmd *exec.Cmd
	stderrBuf *syncBuffer
}

// Launcher spawns browser processes, throttling concurrent spawns.
type Launcher struct {
	limiter *rate.Limiter
}

// New constructs a Launcher. maxConcurrentSpawnsPerSecond bounds how many
// browser processes may be spawned per second; a non-positive value
// disables throttling (an effectively unlimited rate).
func New(maxConcurrentSpawnsPerSecond float64) *Launcher {
	if maxConcurrentSpawnsPerSecond <= 0 {
		maxConcurrentSpawnsPerSecond = 1000
	}
	burst := int(maxConcurrentSpawnsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Launcher{limiter: rate.NewLimiter(rate.Limit(maxConcurrentSpawnsPerSecond), burst)}
}

// Launch resolves an executable, spawns it, and waits for its endpoint
// banner or the configured timeout, whichever comes first.
func (l *Launcher) Launch(ctx context.Context, opts Options) (*Handle, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	exePath, err := resolveExecutable(opts)
	if err != nil {
		return nil, err
	}

	profileDir, err := os.MkdirTemp("", "browsecraft-profile-"+uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("launcher: create profile dir: %w", err)
	}

	args := buildArgs(opts, profileDir)
	cmd := exec.Command(exePath, args...)
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		_ = os.RemoveAll(profileDir)
		return nil, fmt.Errorf("launcher: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(profileDir)
		return nil, fmt.Errorf("launcher: start process: %w", err)
	}

	buf := &syncBuffer{}
	banner := bannerFor(opts.Browser)
	endpointCh := make(chan string, 1)
	go scanForBanner(stderrPipe, banner, buf, endpointCh)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case endpoint := <-endpointCh:
		return &Handle{
			WSEndpoint: endpoint,
			ProfileDir: profileDir,
			Process: cmd.Process,
			cmd: cmd,
			stderrBuf: buf,
		}, nil
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		_ = os.RemoveAll(profileDir)
		return nil, &bcerr.LaunchFailure{Stderr: buf.String()}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		_ = os.RemoveAll(profileDir)
		return nil, ctx.Err()
	}
}

func resolveExecutable(opts Options) (string, error) {
	if opts.ExecutablePath != "" {
		if _, err := os.Stat(opts.ExecutablePath); err == nil {
			return opts.ExecutablePath, nil
		}
		return "", &bcerr.LaunchFailure{Stderr: fmt.Sprintf("executable_path %q does not exist", opts.ExecutablePath)}
	}
	candidates := candidatePaths[opts.Browser][runtime.GOOS]
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", &bcerr.LaunchFailure{Stderr: fmt.Sprintf("no candidate executable found for %s on %s", opts.Browser, runtime.GOOS)}
}

func buildArgs(opts Options, profileDir string) []string {
	args := []string{
		"--remote-debugging-port=0",
		"--no-first-run",
		"--no-default-browser-check",
	}
	switch opts.Browser {
	case Chrome, Edge:
		args = append(args,
			"--user-data-dir="+profileDir,
			"--disable-background-networking",
			"--disable-sync",
		)
		if opts.Headless {
			args = append(args, "--headless=new")
		}
		if opts.Maximized {
			args = append(args, "--start-maximized")
		}
	case Firefox:
		args = []string{
			"--remote-debugging-port=0",
			"--profile", profileDir,
			"--no-remote",
		}
		if opts.Headless {
			args = append(args, "-headless")
		}
	}
	args = append(args, opts.ExtraArgs...)
	args = append(args, "about:blank")
	return args
}

func bannerFor(b Browser) *regexp.Regexp {
	if b == Firefox {
		return firefoxBanner
	}
	return chromiumBanner
}

func scanForBanner(r io.Reader, banner *regexp.Regexp, buf *syncBuffer, endpointCh chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteLine(line)
		if m := banner.FindStringSubmatch(line); m != nil {
			select {
			case endpointCh <- strings.TrimSpace(m[1]):
			default:
			}
		}
	}
}

// Close sends a graceful termination signal, waits up to 3s, force-kills,
// then removes the profile directory. Removal failures are swallowed.
func (h *Handle) Close() error {
	if h.Process != nil {
		_ = h.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() {
			_, _ = h.cmd.Process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			_ = h.Process.Kill()
			<-done
		}
	}
	_ = os.RemoveAll(h.ProfileDir)
	return nil
}

// syncBuffer accumulates stderr lines under a mutex for later inclusion in
// a LaunchFailure.
type syncBuffer struct {
	mu sync.Mutex
	lines []string
}

func (b *syncBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
