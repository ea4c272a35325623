package monitoring

import "log"

// Logf logs tracker diagnostics. Defaults to the standard logger.
var Logf = log.Printf

// SetLogger swaps Logf; nil mutes it.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		f = discard
	}
	Logf = f
}

func discard(string, ...any) {}
