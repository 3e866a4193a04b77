package mpv

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidway/vidway/internal/player"
)

func testAdapter(t *testing.T) *MPV {
	t.Helper()
	ipc, err := NewIPCConfig(PlatformLinux)
	require.NoError(t, err)
	return &MPV{ipcConfig: ipc, platform: PlatformLinux}
}

func TestBuildArgs(t *testing.T) {
	t.Run("url is the final argument", func(t *testing.T) {
		p := testAdapter(t)
		args := p.buildArgs("https://cdn.example.com/master.m3u8", player.PlayOptions{})
		assert.Equal(t, "https://cdn.example.com/master.m3u8", args[len(args)-1])
	})

	t.Run("includes ipc server flag", func(t *testing.T) {
		p := testAdapter(t)
		args := p.buildArgs("http://x/v.m3u8", player.PlayOptions{})
		assert.Contains(t, args[0], "--input-ipc-server=")
	})

	t.Run("start time and subtitles", func(t *testing.T) {
		p := testAdapter(t)
		args := p.buildArgs("http://x/v.m3u8", player.PlayOptions{
			StartTime:    90 * time.Second,
			SubtitleURL:  "http://x/en.vtt",
			SubtitleLang: "en",
		})
		joined := strings.Join(args, " ")
		assert.Contains(t, joined, "--start=90")
		assert.Contains(t, joined, "--sub-file=http://x/en.vtt")
		assert.Contains(t, joined, "--slang=en")
	})

	t.Run("default user agent when none given", func(t *testing.T) {
		p := testAdapter(t)
		args := p.buildArgs("http://x/v.m3u8", player.PlayOptions{})
		assert.Contains(t, strings.Join(args, " "), "--user-agent=Mozilla/5.0")
	})

	t.Run("episode metadata goes into the media title", func(t *testing.T) {
		p := testAdapter(t)
		args := p.buildArgs("http://x/v.m3u8", player.PlayOptions{
			Title: "Dark", Season: 2, Episode: 3,
		})
		assert.Contains(t, args, "--force-media-title=Dark S02E03")
	})

	t.Run("referer and extra headers are split", func(t *testing.T) {
		p := testAdapter(t)
		args := p.buildArgs("http://x/v.m3u8", player.PlayOptions{
			Referer: "https://vidsrc.to/",
			Headers: map[string]string{
				"Origin":  "https://vidsrc.to",
				"Referer": "ignored",
			},
		})
		joined := strings.Join(args, " ")
		assert.Contains(t, joined, "--referrer=https://vidsrc.to/")
		assert.Contains(t, joined, "--http-header-fields=Origin: https://vidsrc.to")
		assert.NotContains(t, joined, "ignored")
	})
}

func TestNewIPCConfig(t *testing.T) {
	t.Run("unix socket on linux", func(t *testing.T) {
		cfg, err := NewIPCConfig(PlatformLinux)
		require.NoError(t, err)
		assert.True(t, cfg.IsSocket)
		assert.Contains(t, cfg.Address, "vidway-mpv-")
		assert.Contains(t, cfg.Address, ".sock")
	})

	t.Run("named pipe on windows", func(t *testing.T) {
		cfg, err := NewIPCConfig(PlatformWindows)
		require.NoError(t, err)
		assert.False(t, cfg.IsSocket)
		assert.True(t, strings.HasPrefix(cfg.Address, `\\.\pipe\`))
	})

	t.Run("endpoints are unique per session", func(t *testing.T) {
		a, err := NewIPCConfig(PlatformLinux)
		require.NoError(t, err)
		b, err := NewIPCConfig(PlatformLinux)
		require.NoError(t, err)
		assert.NotEqual(t, a.Address, b.Address)
	})
}

func TestExecutable(t *testing.T) {
	assert.Equal(t, "mpv.exe", Executable(PlatformWindows))
	assert.Equal(t, "mpv", Executable(PlatformLinux))
	assert.Equal(t, "mpv", Executable(PlatformWSL))
	assert.Equal(t, "mpv", Executable(PlatformMac))
}
