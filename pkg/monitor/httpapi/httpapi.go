// Package httpapi exposes the kernel monitor's read-only introspection
// commands over HTTP, routed with github.com/gorilla/mux the way the
// teacher's pkg/miniweb wires its own REST endpoints. Each route renders
// the same monitor.Dispatch output a telnet or liner session would see,
// just wrapped in a response body instead of a prompt.
package httpapi

import (
	"bytes"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/scarlet-project/scarlet/pkg/monitor"
)

// NewRouter builds the HTTP introspection API for k: GET /tasks,
// GET /vfs/mounts, GET /interrupts/stats (optional ?cpu=N query param).
func NewRouter(k *monitor.Kernel) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/tasks", handle(k, "tasks")).Methods(http.MethodGet)
	r.HandleFunc("/vfs/mounts", handle(k, "mounts")).Methods(http.MethodGet)
	r.HandleFunc("/interrupts/stats", func(w http.ResponseWriter, req *http.Request) {
		cmd := "interrupts"
		if cpu := req.URL.Query().Get("cpu"); cpu != "" {
			cmd += " " + cpu
		}
		runCommand(k, cmd, w)
	}).Methods(http.MethodGet)
	return r
}

func handle(k *monitor.Kernel, command string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		runCommand(k, command, w)
	}
}

func runCommand(k *monitor.Kernel, command string, w http.ResponseWriter) {
	var buf bytes.Buffer
	if err := monitor.Dispatch(k, command, &buf); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(buf.Bytes())
}
