package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Pinger is anything whose reachability can be checked. *pgxpool.Pool
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to the Pinger interface.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

const pingTimeout = 1 * time.Second

// HTTPHandler returns an HTTP handler that pings every dependency and reports
// 503 if any of them is unreachable. Nil pingers are skipped.
func HTTPHandler(deps map[string]Pinger) http.HandlerFunc {
	names := make([]string, 0, len(deps))
	for name, p := range deps {
		if p != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok"}

		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
			err := deps[name].Ping(ctx)
			cancel()

			if st.Checks == nil {
				st.Checks = make(map[string]bool, len(names))
			}
			st.Checks[name] = err == nil
			if err != nil && st.OK {
				st.OK = false
				st.Message = name + " ping failed"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
