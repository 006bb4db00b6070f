package history

import (
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/lidar-extrinsics/internal/httputil"
)

// AttachAdminRoutes mounts the tsweb debug index on mux with a tailsql console
// over the history database and a JSON view of recent runs.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Printf("[history] tailsql disabled: %v", err)
	} else {
		tsql.SetDB(fmt.Sprintf("sqlite://%s", s.path), s.db, &tailsql.DBOptions{
			Label: "Calibration history",
		})
		debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	}

	debug.Handle("history", "Recent calibration saves (JSON; ?run_id= for one run)", http.HandlerFunc(s.handleHistory))
}

func (s *Store) handleHistory(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("run_id"); id != "" {
		run, err := s.Run(r.Context(), id)
		if err != nil {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, run)
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}
	runs, err := s.Runs(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, runs)
}
