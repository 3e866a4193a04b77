package mpv

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Platform identifies the host environment, which determines both the
// executable name and the IPC transport mpv is launched with.
type Platform int

const (
	PlatformLinux Platform = iota
	PlatformWindows
	PlatformWSL
	PlatformMac
)

// IPCConfig describes the IPC endpoint mpv exposes for a session.
type IPCConfig struct {
	Type     IPCType
	Address  string
	IsSocket bool
}

type IPCType int

const (
	IPCUnixSocket IPCType = iota
	IPCNamedPipe
)

// DetectPlatform inspects the runtime to pick the right launch strategy.
func DetectPlatform() Platform {
	switch runtime.GOOS {
	case "windows":
		return PlatformWindows
	case "darwin":
		return PlatformMac
	case "linux":
		if isWSL() {
			return PlatformWSL
		}
		return PlatformLinux
	default:
		return PlatformLinux
	}
}

func isWSL() bool {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	version := strings.ToLower(string(data))
	return strings.Contains(version, "microsoft") || strings.Contains(version, "wsl")
}

// Executable returns the mpv binary name for the platform. WSL uses the
// Linux binary: gopv cannot reach Windows named pipes from inside WSL,
// while Unix sockets work as usual.
func Executable(platform Platform) string {
	if platform == PlatformWindows {
		return "mpv.exe"
	}
	return "mpv"
}

// FindExecutable locates the mpv binary in PATH.
func FindExecutable(platform Platform) (string, error) {
	executable := Executable(platform)
	path, err := exec.LookPath(executable)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH, install mpv first", executable)
	}
	return path, nil
}

// NewIPCConfig generates a fresh per-session IPC endpoint. Unix-like
// platforms get a socket in the temp dir, Windows gets a named pipe.
func NewIPCConfig(platform Platform) (*IPCConfig, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return nil, err
	}

	if platform == PlatformWindows {
		return &IPCConfig{
			Type:    IPCNamedPipe,
			Address: fmt.Sprintf(`\\.\pipe\vidway-mpv-%s`, suffix),
		}, nil
	}

	return &IPCConfig{
		Type:     IPCUnixSocket,
		Address:  filepath.Join(os.TempDir(), fmt.Sprintf("vidway-mpv-%s.sock", suffix)),
		IsSocket: true,
	}, nil
}

func randomSuffix() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// IPCArgument returns the mpv flag that enables the IPC server.
func (c *IPCConfig) IPCArgument() string {
	return fmt.Sprintf("--input-ipc-server=%s", c.Address)
}

// ConnectionString returns the address in the form gopv expects.
// Both Unix sockets and named pipes are dialed by path.
func (c *IPCConfig) ConnectionString() string {
	return c.Address
}
