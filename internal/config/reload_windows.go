//go:build windows

package config

// registerSignalHandler does nothing on Windows; edits are still picked up
// by the file watcher.
func (r *Reloader) registerSignalHandler() {
	r.logger.Debug("SIGHUP reload unavailable on windows", "path", r.path)
}
