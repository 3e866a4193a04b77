//go:build !windows

package mpv

// isPipeReady only applies to Windows named pipes. Unix sockets are
// probed by stat in waitForIPC instead.
func isPipeReady(pipePath string) bool {
	return false
}
