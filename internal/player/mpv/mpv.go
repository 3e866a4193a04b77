// Package mpv drives an external mpv process over its JSON IPC protocol.
// A fresh IPC endpoint is generated per session so concurrent instances
// never collide.
package mpv

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/diniamo/gopv"

	"github.com/vidway/vidway/internal/player"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Options configures the mpv adapter.
type Options struct {
	// LoadUserConfig lets mpv read the user's own mpv.conf. Off by
	// default so user keybindings and scripts cannot interfere.
	LoadUserConfig bool
	Debug          bool
	Logger         *slog.Logger
}

// MPV implements player.Player by supervising one mpv process at a time.
type MPV struct {
	mu sync.RWMutex

	client    *gopv.Client
	cmd       *exec.Cmd
	ipcConfig *IPCConfig
	platform  Platform

	state      player.PlaybackState
	currentURL string

	onProgress func(player.PlaybackProgress)
	onEnd      func()
	onError    func(error)

	ctx          context.Context
	cancel       context.CancelFunc
	clientClosed bool

	loadUserConfig bool
	debug          bool
	logger         *slog.Logger
}

// New verifies an mpv binary is reachable and returns an idle adapter.
func New(opts Options) (*MPV, error) {
	platform := DetectPlatform()
	if _, err := FindExecutable(platform); err != nil {
		return nil, fmt.Errorf("mpv not found: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &MPV{
		state:          player.StateStopped,
		platform:       platform,
		loadUserConfig: opts.LoadUserConfig,
		debug:          opts.Debug,
		logger:         logger.With("component", "mpv"),
	}, nil
}

// Play launches mpv for the given URL. It returns once the process has
// started; IPC connection happens asynchronously and failures surface
// through the OnError callback.
func (p *MPV) Play(ctx context.Context, url string, options player.PlayOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != player.StateStopped {
		if err := p.stopLocked(); err != nil {
			return fmt.Errorf("stop previous playback: %w", err)
		}
	}

	executable := Executable(p.platform)
	if _, err := exec.LookPath(executable); err != nil {
		return fmt.Errorf("%s not in PATH: %w", executable, err)
	}

	ipcConfig, err := NewIPCConfig(p.platform)
	if err != nil {
		return fmt.Errorf("generate IPC endpoint: %w", err)
	}
	p.ipcConfig = ipcConfig

	args := p.buildArgs(url, options)
	p.logger.Debug("launching mpv", "executable", executable, "ipc", ipcConfig.Address)

	p.cmd = exec.Command(executable, args...)

	// Fully detach from the terminal so mpv cannot steal stdin or
	// write over our output.
	p.cmd.Stdin = nil
	p.cmd.Stdout = nil
	p.cmd.Stderr = nil
	setupProcessAttributes(p.cmd)

	if err := p.cmd.Start(); err != nil {
		p.cleanupIPC()
		return fmt.Errorf("start %s: %w", executable, err)
	}

	p.currentURL = url
	p.state = player.StateLoading

	p.ctx, p.cancel = context.WithCancel(context.Background())
	go p.connect(ctx)

	return nil
}

// connect waits for the IPC endpoint, attaches the gopv client and flips
// the adapter into the playing state.
func (p *MPV) connect(ctx context.Context) {
	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := p.waitForIPC(initCtx); err != nil {
		p.failStartup(fmt.Errorf("waiting for mpv IPC at %s: %w", p.ipcConfig.Address, err))
		return
	}

	client, err := gopv.Connect(p.ipcConfig.ConnectionString(), func(err error) {
		p.mu.RLock()
		callback := p.onError
		p.mu.RUnlock()
		if callback != nil {
			callback(err)
		}
	})
	if err != nil {
		p.failStartup(fmt.Errorf("connecting to mpv IPC at %s: %w", p.ipcConfig.Address, err))
		return
	}

	p.mu.Lock()
	p.client = client
	p.clientClosed = false
	p.state = player.StatePlaying
	p.mu.Unlock()

	go p.monitorProgress()
	go p.monitorProcess()
}

func (p *MPV) failStartup(err error) {
	p.mu.Lock()
	callback := p.onError
	cmd := p.cmd
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	p.cleanupIPC()

	if callback != nil {
		callback(err)
	}

	p.mu.Lock()
	p.state = player.StateError
	p.mu.Unlock()
}

// Stop terminates playback and reaps the mpv process.
func (p *MPV) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked()
}

func (p *MPV) stopLocked() error {
	if p.state == player.StateStopped || p.clientClosed {
		return nil
	}
	p.clientClosed = true
	p.state = player.StateStopped

	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}

	// Ask mpv to quit and let its exit tear down the IPC connection.
	// gopv closes itself on EOF from the dead process; closing the
	// client here as well would double-close it.
	if p.client != nil {
		client := p.client
		p.client = nil
		go func() {
			done := make(chan struct{})
			go func() {
				_, _ = client.Request("quit")
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(500 * time.Millisecond):
			}
		}()
	}

	// monitorProcess holds the Wait, so a plain Kill is enough here.
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.cmd = nil

	p.cleanupIPC()
	p.currentURL = ""
	return nil
}

func (p *MPV) cleanupIPC() {
	if p.ipcConfig != nil && p.ipcConfig.IsSocket {
		_ = os.Remove(p.ipcConfig.Address)
	}
	p.ipcConfig = nil
}

// GetProgress samples the current playback position over IPC.
func (p *MPV) GetProgress(ctx context.Context) (*player.PlaybackProgress, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.client == nil {
		return nil, fmt.Errorf("player not initialized")
	}
	if p.state == player.StateStopped {
		return nil, fmt.Errorf("player is stopped")
	}

	progress, err := p.progressLocked()
	if err != nil {
		return nil, fmt.Errorf("mpv IPC: %w", err)
	}
	return progress, nil
}

func (p *MPV) progressLocked() (*player.PlaybackProgress, error) {
	var timePos, duration float64
	var paused, eof bool
	var propertyErrors int

	if result, err := p.client.Request("get_property", "time-pos"); err == nil {
		if val, ok := result.(float64); ok {
			timePos = val
		}
	} else {
		propertyErrors++
	}

	if result, err := p.client.Request("get_property", "duration"); err == nil {
		if val, ok := result.(float64); ok {
			duration = val
		}
	} else {
		propertyErrors++
	}

	if result, err := p.client.Request("get_property", "pause"); err == nil {
		if val, ok := result.(bool); ok {
			paused = val
		}
	} else {
		propertyErrors++
	}

	if result, err := p.client.Request("get_property", "eof-reached"); err == nil {
		if val, ok := result.(bool); ok {
			eof = val
		}
	} else {
		propertyErrors++
	}

	// All four failing means the connection is dead, not that the
	// properties are merely unavailable.
	if propertyErrors >= 4 {
		return nil, fmt.Errorf("IPC connection failed (%d property reads failed)", propertyErrors)
	}

	var percentage float64
	if duration > 0 {
		percentage = (timePos / duration) * 100
	}

	return &player.PlaybackProgress{
		CurrentTime: time.Duration(timePos * float64(time.Second)),
		Duration:    time.Duration(duration * float64(time.Second)),
		Percentage:  percentage,
		Paused:      paused,
		EOF:         eof,
	}, nil
}

// Seek moves playback to an absolute position.
func (p *MPV) Seek(ctx context.Context, position time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return fmt.Errorf("player not initialized")
	}
	if _, err := p.client.Request("set_property", "time-pos", position.Seconds()); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	return nil
}

func (p *MPV) OnProgressUpdate(callback func(progress player.PlaybackProgress)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onProgress = callback
}

func (p *MPV) OnPlaybackEnd(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEnd = callback
}

func (p *MPV) OnError(callback func(err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = callback
}

func (p *MPV) IsPlaying() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == player.StatePlaying
}

// monitorProgress polls mpv once a second and fans samples out to the
// registered callbacks. Exits on EOF or when the session is cancelled.
func (p *MPV) monitorProgress() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.mu.RLock()
			if p.client == nil {
				p.mu.RUnlock()
				return
			}
			progress, err := p.progressLocked()
			onProgress := p.onProgress
			onEnd := p.onEnd
			p.mu.RUnlock()

			if err != nil {
				continue
			}

			if onProgress != nil {
				onProgress(*progress)
			}
			if progress.EOF {
				if onEnd != nil {
					onEnd()
				}
				return
			}
		}
	}
}

// monitorProcess reaps the mpv process and reports unexpected exits.
func (p *MPV) monitorProcess() {
	p.mu.RLock()
	cmd := p.cmd
	p.mu.RUnlock()
	if cmd == nil {
		return
	}

	err := cmd.Wait()

	p.mu.Lock()
	callback := p.onError
	state := p.state
	p.mu.Unlock()

	if err != nil && callback != nil && state != player.StateStopped {
		callback(fmt.Errorf("mpv exited unexpectedly: %w", err))
	}

	_ = p.Stop(context.Background())
}

func (p *MPV) buildArgs(url string, opts player.PlayOptions) []string {
	args := []string{
		p.ipcConfig.IPCArgument(),
		"--idle=yes",
		"--no-ytdl",
	}

	if !p.loadUserConfig {
		args = append(args, "--no-config")
	}
	if !p.debug {
		args = append(args, "--msg-level=all=warn")
	}

	if opts.StartTime > 0 {
		args = append(args, fmt.Sprintf("--start=%f", opts.StartTime.Seconds()))
	}
	if opts.Fullscreen {
		args = append(args, "--fullscreen")
	}

	if opts.SubtitleURL != "" {
		args = append(args, fmt.Sprintf("--sub-file=%s", opts.SubtitleURL))
	}
	if opts.SubtitleLang != "" {
		args = append(args, fmt.Sprintf("--slang=%s", opts.SubtitleLang))
	}

	if opts.UserAgent != "" {
		args = append(args, fmt.Sprintf("--user-agent=%s", opts.UserAgent))
	} else {
		// CDNs tend to 403 the default mpv user agent.
		args = append(args, fmt.Sprintf("--user-agent=%s", defaultUserAgent))
	}
	if opts.Referer != "" {
		args = append(args, fmt.Sprintf("--referrer=%s", opts.Referer))
	}

	var headers []string
	for key, value := range opts.Headers {
		if key == "User-Agent" || key == "Referer" {
			continue
		}
		headers = append(headers, fmt.Sprintf("%s: %s", key, value))
	}
	if len(headers) > 0 {
		args = append(args, fmt.Sprintf("--http-header-fields=%s", strings.Join(headers, ",")))
	}

	if opts.Title != "" {
		title := opts.Title
		if opts.Season > 0 && opts.Episode > 0 {
			title = fmt.Sprintf("%s S%02dE%02d", title, opts.Season, opts.Episode)
		}
		args = append(args, fmt.Sprintf("--force-media-title=%s", title))
	}

	args = append(args, opts.ExtraArgs...)

	// URL must be last.
	args = append(args, url)
	return args
}

// waitForIPC blocks until the mpv IPC endpoint becomes reachable.
func (p *MPV) waitForIPC(ctx context.Context) error {
	timeoutDuration := 5 * time.Second
	if p.ipcConfig.Type == IPCNamedPipe {
		timeoutDuration = 10 * time.Second
	}

	timeout := time.After(timeoutDuration)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	// Give mpv a head start before the first probe.
	time.Sleep(300 * time.Millisecond)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("timeout after %v", timeoutDuration)
		case <-ticker.C:
			if p.ipcConfig.IsSocket {
				if _, err := os.Stat(p.ipcConfig.Address); err == nil {
					// The socket file can exist before mpv is
					// accepting, give it a moment.
					time.Sleep(200 * time.Millisecond)
					return nil
				}
			} else if isPipeReady(p.ipcConfig.Address) {
				time.Sleep(200 * time.Millisecond)
				return nil
			}
		}
	}
}
