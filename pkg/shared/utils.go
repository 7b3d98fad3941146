package helpers

import (
	"io"
	"log/slog"
)

// CloseOrLog closes an I/O resource and logs a failure instead of returning
// it, which keeps deferred closes of response bodies, build-output streams,
// and the docker client to one line at the call sites.
func CloseOrLog(closer io.Closer) {
	err := closer.Close()
	if err != nil {
		slog.Error("Error closing I/O", "error", err)
	}
}
