//go:build windows

package config

// registerSignalHandler is a no-op on Windows; SIGHUP does not exist there
// and reload remains available through the file watcher.
func (r *Reloader) registerSignalHandler() {
	r.logger.Info("config reload via file watcher only on this platform")
}
