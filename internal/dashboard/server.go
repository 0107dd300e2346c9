// Package dashboard serves the live web view: a websocket stream of outliers
// and flush summaries plus small JSON endpoints over the running engine.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/justin4957/logflow-filterd/internal/config"
	"github.com/justin4957/logflow-filterd/internal/logger"
	"github.com/justin4957/logflow-filterd/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	writeWait       = 5 * time.Second
	broadcastBuffer = 256
)

// View is the read-only engine state the dashboard exposes
type View interface {
	Filters() []models.FilterSpec
	LiveFilters() []int
	Activity() (models.Activity, []models.Activity)
}

// StatsFetcher serves the stored metric history of one filter
type StatsFetcher interface {
	FetchStats(ctx context.Context, filterID string) (*models.StatsHistory, error)
}

// Event is the websocket envelope
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Server provides the web dashboard
type Server struct {
	config    config.DashboardConfig
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	broadcast chan Event
	stats     StatsFetcher
	log       *logrus.Entry
}

// NewServer creates a new dashboard server
func NewServer(cfg config.DashboardConfig) *Server {
	return &Server{
		config: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, broadcastBuffer),
		log:       logger.WithComponent("dashboard"),
	}
}

// WithStats enables /api/stats backed by fetcher
func (s *Server) WithStats(fetcher StatsFetcher) *Server {
	s.stats = fetcher
	return s
}

// Publish queues event for every connected client. It never blocks; when
// the queue is full the event is dropped.
func (s *Server) Publish(event interface{}) {
	e := Event{Data: event}
	switch event.(type) {
	case models.Outlier:
		e.Type = "outlier"
	case models.FlushSummary:
		e.Type = "flush"
	case models.Activity:
		e.Type = "activity"
	default:
		e.Type = "event"
	}

	select {
	case s.broadcast <- e:
	default:
		s.log.Debug("Broadcast queue full, dropping event")
	}
}

// Handler returns the dashboard routes over view
func (s *Server) Handler(view View) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/filters", func(w http.ResponseWriter, r *http.Request) {
		filters := view.Filters()
		if filters == nil {
			filters = []models.FilterSpec{}
		}
		writeJSON(w, map[string]interface{}{"filters": filters})
	})
	mux.HandleFunc("/api/live", func(w http.ResponseWriter, r *http.Request) {
		counts := view.LiveFilters()
		total := 0
		for _, n := range counts {
			total += n
		}
		writeJSON(w, map[string]interface{}{"partitions": counts, "total": total})
	})
	mux.HandleFunc("/api/activity", func(w http.ResponseWriter, r *http.Request) {
		current, history := view.Activity()
		if history == nil {
			history = []models.Activity{}
		}
		writeJSON(w, map[string]interface{}{"current": current, "history": history})
	})
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/", s.handleIndex)
	return mux
}

// Start serves the dashboard over view until ctx is done
func (s *Server) Start(ctx context.Context, view View) error {
	go s.broadcastLoop(ctx)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(view),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("Dashboard listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeClients()
	return server.Shutdown(shutdownCtx)
}

func (s *Server) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.broadcast:
			s.send(event)
		}
	}
}

// send writes event to every client and drops the ones that fail
func (s *Server) send(event Event) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	for client := range s.clients {
		client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteJSON(event); err != nil {
			s.log.WithError(err).Debug("WebSocket write failed, dropping client")
			client.Close()
			delete(s.clients, client)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()
	s.log.WithField("remote", r.RemoteAddr).Debug("WebSocket client connected")

	// reads only detect the close
	for {
		if _, _, err := conn.NextReader(); err != nil {
			s.removeClient(conn)
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.clients[conn] {
		conn.Close()
		delete(s.clients, conn)
	}
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
}

// Clients returns the number of connected websocket clients
func (s *Server) Clients() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// handleStats proxies the stored history of ?filter=<id>
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.NotFound(w, r)
		return
	}
	filterID := r.URL.Query().Get("filter")
	if filterID == "" {
		http.Error(w, "missing filter parameter", http.StatusBadRequest)
		return
	}

	history, err := s.stats.FetchStats(r.Context(), filterID)
	if err != nil {
		s.log.WithError(err).WithField("filter_id", filterID).Warn("Failed to fetch stats")
		http.Error(w, "stats unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, history)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Warn("Failed to encode response")
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>filterd</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background: #1a1a1a; color: #fff; }
        .container { max-width: 1400px; margin: 0 auto; }
        h1 { color: #4CAF50; }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(250px, 1fr)); gap: 20px; margin: 20px 0; }
        .card { background: #2a2a2a; padding: 20px; border-radius: 8px; border-left: 4px solid #4CAF50; }
        .value { font-size: 2em; font-weight: bold; color: #4CAF50; }
        .label { color: #999; font-size: 0.9em; }
        .feed { background: #2a2a2a; padding: 20px; border-radius: 8px; max-height: 400px; overflow-y: auto; font-family: monospace; font-size: 0.9em; }
        .outlier { padding: 15px; margin: 10px 0; border-radius: 8px; }
        .outlier-critical { background: #d32f2f; }
        .outlier-high { background: #ff5722; }
        .outlier-medium { background: #ff9800; }
        .outlier-low { background: #ffc107; color: #000; }
        .status { color: #4CAF50; font-size: 0.9em; }
    </style>
</head>
<body>
    <div class="container">
        <h1>filterd</h1>
        <div class="status" id="status">Connecting...</div>

        <div class="grid">
            <div class="card"><div class="label">Filters</div><div class="value" id="filters">0</div></div>
            <div class="card"><div class="label">Live filters</div><div class="value" id="live">0</div></div>
            <div class="card"><div class="label">Flushed values</div><div class="value" id="flushed">0</div></div>
            <div class="card"><div class="label">Flush errors</div><div class="value" id="flush-errors">0</div></div>
            <div class="card"><div class="label">Lines/sec</div><div class="value" id="rate">0</div></div>
            <div class="card"><div class="label">Match rate</div><div class="value" id="match-rate">0%</div></div>
        </div>

        <h2>Busiest filter</h2>
        <div class="feed" id="busiest">-</div>

        <h2>Outliers</h2>
        <div id="outliers"></div>

        <h2>Flushes</h2>
        <div class="feed" id="flushes"></div>
    </div>

    <script>
        const statusEl = document.getElementById('status');
        const outliersEl = document.getElementById('outliers');
        const flushesEl = document.getElementById('flushes');
        let flushed = 0, flushErrors = 0;

        function refresh() {
            fetch('/api/filters').then(r => r.json()).then(d => {
                document.getElementById('filters').textContent = d.filters.length;
            });
            fetch('/api/live').then(r => r.json()).then(d => {
                document.getElementById('live').textContent = d.total;
            });
            fetch('/api/activity').then(r => r.json()).then(d => showActivity(d.current));
        }
        function showActivity(a) {
            document.getElementById('rate').textContent = a.linesPerSec.toFixed(1);
            document.getElementById('match-rate').textContent = (a.matchRate * 100).toFixed(1) + '%';
            if (a.topFilters && a.topFilters.length) {
                showHistory(a.topFilters[0].filterId);
            }
        }
        function showHistory(id) {
            fetch('/api/stats?filter=' + encodeURIComponent(id)).then(r => r.ok ? r.json() : null).then(d => {
                if (!d) return;
                const regular = d.stats['1'] || {};
                const points = Object.keys(regular).sort().slice(-12);
                document.getElementById('busiest').textContent = id + ': ' +
                    points.map(ts => regular[ts]).join(' ');
            });
        }
        refresh();
        setInterval(refresh, 5000);

        const ws = new WebSocket('ws://' + window.location.host + '/ws');
        ws.onopen = () => { statusEl.textContent = 'Connected'; };
        ws.onclose = () => { statusEl.textContent = 'Disconnected'; };
        ws.onmessage = (event) => {
            const msg = JSON.parse(event.data);
            const d = msg.data;
            if (msg.type === 'outlier') {
                const div = document.createElement('div');
                div.className = 'outlier outlier-' + d.severity;
                div.textContent = new Date(d.timestamp * 1000).toISOString() + ' filter ' + d.filterId +
                    ' score ' + d.score.toFixed(2) + ' (' + (d.analyzers || []).join(', ') + ')';
                outliersEl.insertBefore(div, outliersEl.firstChild);
                while (outliersEl.children.length > 20) outliersEl.removeChild(outliersEl.lastChild);
            } else if (msg.type === 'activity') {
                showActivity(d);
            } else if (msg.type === 'flush') {
                flushed += d.values;
                if (d.error) flushErrors++;
                document.getElementById('flushed').textContent = flushed;
                document.getElementById('flush-errors').textContent = flushErrors;
                const div = document.createElement('div');
                div.textContent = '[' + d.timestamp + '] ' + d.stage + ' p' + d.partition +
                    ' keys=' + d.keys + ' values=' + d.values + (d.error ? ' error: ' + d.error : '');
                flushesEl.insertBefore(div, flushesEl.firstChild);
                while (flushesEl.children.length > 100) flushesEl.removeChild(flushesEl.lastChild);
            }
        };
    </script>
</body>
</html>`
