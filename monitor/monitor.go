// Package monitor serves the live view of the rig over HTTP: a JSON status
// API, a Prometheus endpoint, and a websocket feed of fresh samples for the
// lab dashboard. It observes the rig through channels only and never talks
// to an instrument.
package monitor

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/he3lab/rampctl/control"
	"github.com/he3lab/rampctl/gpib"
)

var upgrader = websocket.Upgrader{
	// The monitor binds to the lab network; dashboards connect from
	// wherever is convenient.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type samplePoint struct {
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
}

type instrumentStatus struct {
	State   string       `json:"state"`
	Target  float64      `json:"target,omitempty"`
	Rate    float64      `json:"rate,omitempty"`
	Samples int          `json:"samples"`
	Last    *samplePoint `json:"last,omitempty"`
}

type statusPage struct {
	Run         string                      `json:"run,omitempty"`
	Uptime      float64                     `json:"uptime_seconds"`
	Instruments map[string]instrumentStatus `json:"instruments"`
}

type feedEvent struct {
	Type       string  `json:"type"`
	Instrument string  `json:"instrument"`
	Timestamp  float64 `json:"timestamp,omitempty"`
	Value      float64 `json:"value,omitempty"`
	State      string  `json:"state,omitempty"`
}

// Server collects controller status and sample tees and serves them. One
// websocket subscriber at a time; a new connection replaces the old one.
type Server struct {
	addr    string
	run     string
	started time.Time

	mu          sync.Mutex
	instruments map[string]*instrumentStatus

	connMu     sync.Mutex
	activeConn *websocket.Conn
	feed       chan []byte
}

// NewServer builds a monitor for the given listen address. run tags the
// status page, empty when no run log is open.
func NewServer(addr, run string) *Server {
	s := &Server{
		addr:        addr,
		run:         run,
		started:     time.Now(),
		instruments: make(map[string]*instrumentStatus),
		feed:        make(chan []byte, 64),
	}
	go s.writer()
	return s
}

// WatchSamples returns a tee channel for one instrument's recorder. The
// monitor drains it forever; the recorder side never blocks.
func (s *Server) WatchSamples(instrument string) chan<- gpib.Sample {
	ch := make(chan gpib.Sample, 64)
	go func() {
		for smp := range ch {
			s.observeSample(instrument, smp)
		}
	}()
	return ch
}

// WatchStatus returns the channel controllers push state changes to.
func (s *Server) WatchStatus() chan<- control.Status {
	ch := make(chan control.Status, 16)
	go func() {
		for st := range ch {
			s.observeStatus(st)
		}
	}()
	return ch
}

func (s *Server) observeSample(instrument string, smp gpib.Sample) {
	s.mu.Lock()
	ist := s.instrument(instrument)
	ist.Samples++
	ist.Last = &samplePoint{Timestamp: smp.Timestamp, Value: smp.Value}
	s.mu.Unlock()

	samplesTotal.WithLabelValues(instrument).Inc()
	reading.WithLabelValues(instrument).Set(smp.Value)
	s.broadcast(feedEvent{
		Type:       "sample",
		Instrument: instrument,
		Timestamp:  smp.Timestamp,
		Value:      smp.Value,
	})
}

func (s *Server) observeStatus(st control.Status) {
	s.mu.Lock()
	ist := s.instrument(st.Instrument)
	ist.State = st.State
	ist.Target = st.Target
	ist.Rate = st.Rate
	if st.Samples > ist.Samples {
		ist.Samples = st.Samples
	}
	s.mu.Unlock()

	rampStateCode.WithLabelValues(st.Instrument).Set(stateCode(st.State))
	s.broadcast(feedEvent{Type: "state", Instrument: st.Instrument, State: st.State})
}

// instrument returns the tracked entry, creating it on first sight. Callers
// hold s.mu.
func (s *Server) instrument(name string) *instrumentStatus {
	ist, ok := s.instruments[name]
	if !ok {
		ist = &instrumentStatus{State: "idle"}
		s.instruments[name] = ist
	}
	return ist
}

func (s *Server) broadcast(ev feedEvent) {
	s.connMu.Lock()
	subscribed := s.activeConn != nil
	s.connMu.Unlock()
	if !subscribed {
		return
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case s.feed <- msg:
	default:
	}
}

func (s *Server) writer() {
	for msg := range s.feed {
		s.connMu.Lock()
		c := s.activeConn
		s.connMu.Unlock()
		if c == nil {
			continue
		}
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Printf("websocket write failed: %s\n", err)
		}
	}
}

func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %s\n", err)
		return
	}
	defer func() {
		c.Close()
		s.connMu.Lock()
		if c == s.activeConn {
			s.activeConn = nil
		}
		s.connMu.Unlock()
	}()

	s.connMu.Lock()
	if s.activeConn != nil {
		log.Printf("closing previous websocket conn %p\n", s.activeConn)
		s.activeConn.Close()
	}
	s.activeConn = c
	s.connMu.Unlock()

	// Clients only listen; reads just detect the close.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) apiStatus(w http.ResponseWriter, r *http.Request) {
	page := statusPage{
		Run:         s.run,
		Uptime:      time.Since(s.started).Seconds(),
		Instruments: make(map[string]instrumentStatus),
	}
	s.mu.Lock()
	for name, ist := range s.instruments {
		page.Instruments[name] = *ist
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(page); err != nil {
		log.Printf("status encode failed: %s\n", err)
	}
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}

// Router exposes the HTTP surface, also used by tests.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.index).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.apiStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.ws)
	return handlers.LoggingHandler(os.Stderr, r)
}

// ListenAndServe blocks serving the monitor. Run it in its own goroutine.
func (s *Server) ListenAndServe() error {
	log.Printf("monitor listening on %s\n", s.addr)
	return http.ListenAndServe(s.addr, s.Router())
}

// URL is where a browser reaches this monitor.
func (s *Server) URL() string {
	addr := s.addr
	if len(addr) > 0 && addr[0] == ':' {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/"
}

const indexHTML = `<!doctype html>
<html>
<head><title>rampctl monitor</title>
<style>body{font-family:monospace;margin:2em}pre{background:#f4f4f4;padding:1em}</style>
</head>
<body>
<h2>rampctl monitor</h2>
<pre id="status">loading...</pre>
<pre id="feed"></pre>
<script>
const status = document.getElementById("status");
const feed = document.getElementById("feed");
async function refresh() {
  const r = await fetch("/api/status");
  status.textContent = JSON.stringify(await r.json(), null, 2);
}
refresh();
setInterval(refresh, 2000);
const ws = new WebSocket("ws://" + location.host + "/ws");
ws.onmessage = (ev) => {
  feed.textContent = ev.data + "\n" + feed.textContent.split("\n").slice(0, 30).join("\n");
};
</script>
</body>
</html>
`
