// Package observ provides JSON-line logging and in-process metrics for the
// live loop and nightly league runs.
package observ

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	logMu  sync.Mutex
	logOut io.Writer = os.Stdout
)

// SetOutput redirects log output, primarily for tests.
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logOut = w
}

// Log emits one structured JSON line per event.
func Log(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["event"] = event
	b, _ := json.Marshal(kv)
	logMu.Lock()
	defer logMu.Unlock()
	fmt.Fprintln(logOut, string(b))
}
