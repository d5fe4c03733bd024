package binutil

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xiaonanln/cellworld/engine/diag"
	"github.com/xiaonanln/cellworld/engine/gwlog"
)

const (
	_WS_WRITE_TIMEOUT = 5 * time.Second
	_WS_PING_INTERVAL = 30 * time.Second
)

// DebugSource is the cellapp state exposed on the debug HTTP server
type DebugSource interface {
	// DebugEntities returns a JSON-encodable view of the entities; it may block until the next tick
	DebugEntities() (interface{}, error)
	Reporter() *diag.Reporter
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // operators only; the server binds to http_ip
	},
}

// NewDebugRouter creates the router of /metrics and /debug
func NewDebugRouter(src DebugSource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	// operator dashboards are served from elsewhere and only read
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Route("/debug", func(r chi.Router) {
		r.HandleFunc("/pprof/", pprof.Index)
		r.HandleFunc("/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/pprof/profile", pprof.Profile)
		r.HandleFunc("/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/pprof/trace", pprof.Trace)
		r.Handle("/pprof/{profile}", http.HandlerFunc(pprof.Index))

		r.Get("/entities", func(w http.ResponseWriter, req *http.Request) {
			view, err := src.DebugEntities()
			if err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, view)
		})
		r.Get("/violations", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, src.Reporter().Recent())
		})
		r.Get("/violations/ws", func(w http.ResponseWriter, req *http.Request) {
			serveViolationStream(w, req, src.Reporter())
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		gwlog.Warnf("debug http: encode response failed: %v", err)
	}
}

// serveViolationStream pushes every violation reported from now on to the websocket as JSON
func serveViolationStream(w http.ResponseWriter, req *http.Request, reporter *diag.Reporter) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		gwlog.Warnf("debug http: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	violations, stop := reporter.Watch()
	defer stop()

	// reader: detect close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(_WS_PING_INTERVAL)
	defer ping.Stop()
	for {
		select {
		case v := <-violations:
			conn.SetWriteDeadline(time.Now().Add(_WS_WRITE_TIMEOUT))
			if err := conn.WriteJSON(v); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(_WS_WRITE_TIMEOUT))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
