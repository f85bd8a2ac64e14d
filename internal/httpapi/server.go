// Package httpapi implements the JSON HTTP frontend of the telemetry hub:
// the device notify/post/push ingest endpoints and the operator
// channels/get/command endpoints. All mutations go through the channel
// table and payload processor; commands are bridged to UDP via the
// engine and never touch the socket directly.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/gundalpha/Freematics-CONF/internal/hub"
)

// CommandSender originates a device command over UDP and returns the
// allocated token. Implemented by hub.Engine.
type CommandSender interface {
	SendCommand(c *hub.Channel, cmd string) (int, error)
}

// Server holds the HTTP API handlers and their collaborators.
type Server struct {
	table      *hub.ChannelTable
	proc       *hub.PayloadProcessor
	sender     CommandSender
	dispatcher *hub.CommandDispatcher
	store      hub.Store
	clock      hub.Clock
	logger     *slog.Logger
}

// New creates the API server.
func New(
	table *hub.ChannelTable,
	proc *hub.PayloadProcessor,
	sender CommandSender,
	dispatcher *hub.CommandDispatcher,
	store hub.Store,
	clock hub.Clock,
	logger *slog.Logger,
) *Server {
	return &Server{
		table:      table,
		proc:       proc,
		sender:     sender,
		dispatcher: dispatcher,
		store:      store,
		clock:      clock,
		logger:     logger.With(slog.String("component", "httpapi")),
	}
}

// Router returns the mux with all API routes registered.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/test", s.handleTest).Methods(http.MethodGet)
	r.HandleFunc("/api/notify", s.handleNotify).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/api/post", s.handlePost).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/api/push", s.handlePush).Methods(http.MethodGet)
	r.HandleFunc("/api/channels", s.handleChannels).Methods(http.MethodGet)
	r.HandleFunc("/api/get", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/api/command", s.handleCommand).Methods(http.MethodGet, http.MethodPost)
	return r
}

// -------------------------------------------------------------------------
// Response plumbing
// -------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// failure is the shared error body: {result:"failed", error:…}.
type failure struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, failure{Result: "failed", Error: msg})
}

// clientIP strips the port from the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// intQuery parses a query parameter as int, with 0 for absent or
// unparsable values.
func intQuery(r *http.Request, key string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(key))
	return v
}

// -------------------------------------------------------------------------
// /api/test
// -------------------------------------------------------------------------

func (s *Server) handleTest(w http.ResponseWriter, _ *http.Request) {
	now := s.clock.NowMillis()
	t := time.UnixMilli(now)
	writeJSON(w, http.StatusOK, map[string]any{
		"date": t.Format("060102"),
		"time": t.Format("150405"),
		"tick": now,
	})
}

// -------------------------------------------------------------------------
// /api/notify — device login/logout over HTTP
// -------------------------------------------------------------------------

type notifyRequest struct {
	ID       string `json:"id"`
	Event    int    `json:"EV"`
	VIN      string `json:"VIN"`
	DevFlags int    `json:"DF"`
	RSSI     int    `json:"SSI"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			fail(w, http.StatusBadRequest, "Invalid request")
			return
		}
	} else {
		q := r.URL.Query()
		req = notifyRequest{
			ID:       q.Get("id"),
			Event:    intQuery(r, "EV"),
			VIN:      q.Get("VIN"),
			DevFlags: intQuery(r, "DF"),
			RSSI:     intQuery(r, "SSI"),
		}
	}

	if !hub.ValidDeviceID(req.ID) {
		fail(w, http.StatusForbidden, "Invalid ID")
		return
	}

	now := s.clock.NowMillis()

	switch hub.EventID(req.Event) {
	case hub.EventLogin:
		c, err := s.table.Admit(req.ID)
		if err != nil {
			fail(w, http.StatusForbidden, "Channel assignment failed")
			return
		}
		var snap hub.ChannelSnapshot
		s.table.Update(c, func(c *hub.Channel) {
			if len(req.VIN) == 17 {
				c.VIN = req.VIN
			}
			c.DevFlags = req.DevFlags
			c.RSSI = req.RSSI
			c.SessionStartTick = now
			c.ServerDataTick = now
			c.Flags |= hub.FlagRunning
			c.Flags &^= hub.FlagSleeping
			c.IPAddr = clientIP(r)
			snap = c.Snapshot(false)
		})
		s.persist(r, snap)
		s.logger.Info("device login", slog.String("devid", req.ID))
		writeJSON(w, http.StatusOK, map[string]any{"id": c.ID, "result": "done"})

	case hub.EventLogout:
		if c := s.table.FindByDeviceID(req.ID); c != nil {
			var snap hub.ChannelSnapshot
			s.table.Update(c, func(c *hub.Channel) {
				c.Flags &^= hub.FlagRunning
				c.ServerPingTick = now
				snap = c.Snapshot(false)
			})
			s.persist(r, snap)
			s.logger.Info("device logout", slog.String("devid", req.ID))
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": "done"})

	case hub.EventSync:
		writeJSON(w, http.StatusOK, map[string]any{"result": "done"})

	default:
		fail(w, http.StatusBadRequest, "Invalid request")
	}
}

// -------------------------------------------------------------------------
// /api/post — payload ingest (POST) and GPS ingest (GET)
// -------------------------------------------------------------------------

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireChannel(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet {
		s.handleGPS(w, r, c)
		return
	}

	body := make([]byte, 0, 512)
	buf := make([]byte, 4096)
	for {
		n, err := r.Body.Read(buf)
		body = append(body, buf[:n]...)
		if err != nil {
			break
		}
	}
	if len(body) == 0 {
		fail(w, http.StatusBadRequest, "No payload")
		return
	}

	count := s.proc.Process(r.Context(), c, string(body))
	s.table.Update(c, func(c *hub.Channel) { c.IPAddr = clientIP(r) })

	writeJSON(w, http.StatusOK, map[string]any{"result": "OK " + strconv.Itoa(count)})
}

// gpsPIDs maps /api/post GET parameters to their synthetic PIDs.
var gpsPIDs = []struct {
	param string
	pid   int
}{
	{"lat", hub.PIDGPSLatitude},
	{"lon", hub.PIDGPSLongitude},
	{"speed", hub.PIDGPSSpeed},
	{"altitude", hub.PIDGPSAltitude},
	{"heading", hub.PIDGPSHeading},
}

// handleGPS builds a synthetic sample set from lat/lon/altitude/speed/
// heading parameters, stored under the fixed GPS PIDs with the supplied
// timestamp. Without a positive timestamp nothing is stored.
func (s *Server) handleGPS(w http.ResponseWriter, r *http.Request, c *hub.Channel) {
	q := r.URL.Query()
	ts, _ := strconv.ParseInt(q.Get("timestamp"), 10, 64)

	if ts > 0 {
		s.table.Update(c, func(c *hub.Channel) {
			c.DeviceTick = ts
			for _, g := range gpsPIDs {
				if v := q.Get(g.param); v != "" {
					c.Data[g.pid] = hub.Sample{TS: ts, Value: v}
				}
			}
			c.IPAddr = clientIP(r)
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"result": "OK"})
}

// -------------------------------------------------------------------------
// /api/push — ad-hoc samples from hex-keyed query parameters
// -------------------------------------------------------------------------

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireChannel(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	ts, _ := strconv.ParseInt(q.Get("ts"), 10, 64)
	now := s.clock.NowMillis()
	count := 0

	var snap hub.ChannelSnapshot
	s.table.Update(c, func(c *hub.Channel) {
		if ts > 0 {
			c.DeviceTick = ts
			for key, values := range q {
				pid, err := strconv.ParseUint(key, 16, 32)
				if err != nil || pid == 0 || len(values) == 0 {
					continue
				}
				c.Data[int(pid)] = hub.Sample{TS: ts, Value: values[0]}
				count++
			}
		}
		c.ServerDataTick = now
		if c.SessionStartTick > 0 {
			c.Elapsed = (now - c.SessionStartTick) / 1000
		}
		c.RecvCount++
		c.IPAddr = clientIP(r)
		snap = c.Snapshot(false)
	})
	s.persist(r, snap)

	writeJSON(w, http.StatusOK, map[string]any{"result": count})
}

// -------------------------------------------------------------------------
// /api/channels and /api/get — dashboard queries
// -------------------------------------------------------------------------

// ageInfo is the freshness pair included in listing entries.
type ageInfo struct {
	Data int64 `json:"data"`
	Ping int64 `json:"ping"`
}

// listEntry is one channel in the /api/channels listing.
type listEntry struct {
	ID      string  `json:"id"`
	DevID   string  `json:"devid"`
	Recv    uint64  `json:"recv"`
	Rate    int     `json:"rate"`
	Tick    int64   `json:"tick"`
	DevTick int64   `json:"devtick"`
	Elapsed int64   `json:"elapsed"`
	Age     ageInfo `json:"age"`
	RSSI    int     `json:"rssi"`
	Flags   int     `json:"flags"`
	Parked  int     `json:"parked"`
	VIN     string  `json:"vin,omitempty"`
	IP      string  `json:"ip,omitempty"`
	Data    [][]any `json:"data,omitempty"`
}

func (s *Server) entryFor(snap hub.ChannelSnapshot, now int64, extend, withData bool) listEntry {
	ages := ageInfo{}
	if snap.ServerDataTick > 0 {
		ages.Data = now - snap.ServerDataTick
	}
	if snap.ServerPingTick > 0 {
		ages.Ping = now - snap.ServerPingTick
	}

	e := listEntry{
		ID:      snap.ID,
		DevID:   snap.DevID,
		Recv:    snap.DataReceived,
		Rate:    int(snap.SampleRate),
		Tick:    snap.ServerDataTick,
		DevTick: snap.DeviceTick,
		Elapsed: snap.Elapsed,
		Age:     ages,
		RSSI:    snap.RSSI,
		Flags:   snap.DevFlags,
	}
	if !snap.Running() {
		e.Parked = 1
	}
	if extend {
		e.VIN = snap.VIN
		e.IP = snap.IPAddr
	}
	if withData {
		e.Data = sampleRows(snap, ages.Data)
	}
	return e
}

// sampleRows renders the latest-sample map as [pid, value, ageMs] rows.
func sampleRows(snap hub.ChannelSnapshot, ageData int64) [][]any {
	rows := make([][]any, 0, len(snap.Data))
	for pid, sample := range snap.Data {
		if sample.TS <= 0 {
			continue
		}
		var age int64
		if snap.DeviceTick >= sample.TS {
			age = ageData + (snap.DeviceTick - sample.TS)
		}
		rows = append(rows, []any{pid, sample.Value, age})
	}
	return rows
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("cmd") == "clear" {
		if id := q.Get("id"); id != "" {
			s.table.Evict(id)
		}
	}

	devid := q.Get("devid")
	extend := q.Get("extend") == "1"
	withData := q.Get("data") == "1"
	now := s.clock.NowMillis()

	entries := make([]listEntry, 0)
	for _, snap := range s.table.Snapshot(withData) {
		if devid != "" && snap.DevID != devid {
			continue
		}
		entries = append(entries, s.entryFor(snap, now, extend, withData))
	}

	if devid != "" {
		if len(entries) == 0 {
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		writeJSON(w, http.StatusOK, entries[0])
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": entries})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireChannel(w, r)
	if !ok {
		return
	}

	snap := s.table.SnapshotOf(c, true)
	now := s.clock.NowMillis()

	ages := ageInfo{}
	if snap.ServerDataTick > 0 {
		ages.Data = now - snap.ServerDataTick
	}
	if snap.ServerPingTick > 0 {
		ages.Ping = now - snap.ServerPingTick
	}
	parked := 0
	if !snap.Running() {
		parked = 1
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stats": map[string]any{
			"tick":    snap.ServerDataTick,
			"devtick": snap.DeviceTick,
			"elapsed": snap.Elapsed,
			"age":     ages,
			"rssi":    snap.RSSI,
			"flags":   snap.DevFlags,
			"parked":  parked,
		},
		"data": sampleRows(snap, ages.Data),
	})
}

// -------------------------------------------------------------------------
// /api/command — HTTP-to-UDP command bridge
// -------------------------------------------------------------------------

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireChannel(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	cmd := q.Get("cmd")
	tokenText := q.Get("token")

	if cmd == "" && tokenText == "" {
		fail(w, http.StatusBadRequest, "Invalid request")
		return
	}

	if cmd != "" {
		token, err := s.sender.SendCommand(c, cmd)
		switch {
		case errors.Is(err, hub.ErrNoPeer):
			writeJSON(w, http.StatusOK, failure{Result: "failed", Error: "Device not connected via UDP"})
		case err != nil:
			s.logger.Warn("command dispatch failed",
				slog.String("devid", c.DevID),
				slog.String("error", err.Error()),
			)
			writeJSON(w, http.StatusOK, failure{Result: "failed", Error: "Command unsent"})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"result": "pending", "token": token})
		}
		return
	}

	token, err := strconv.Atoi(tokenText)
	if err != nil {
		fail(w, http.StatusBadRequest, "Invalid token")
		return
	}
	state, msg := s.dispatcher.Status(c.ID, token)
	switch state {
	case hub.CommandDone:
		writeJSON(w, http.StatusOK, map[string]any{"result": "done", "token": token, "msg": msg})
	case hub.CommandPending:
		writeJSON(w, http.StatusOK, map[string]any{"result": "pending", "token": token})
	case hub.CommandExpired:
		writeJSON(w, http.StatusOK, failure{Result: "failed", Error: "Command timed out"})
	default:
		writeJSON(w, http.StatusOK, failure{Result: "failed", Error: "Invalid token"})
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// requireChannel resolves the id query parameter (a device id) to its
// channel, writing the 403 identity-error responses itself.
func (s *Server) requireChannel(w http.ResponseWriter, r *http.Request) (*hub.Channel, bool) {
	devid := r.URL.Query().Get("id")
	if devid == "" {
		fail(w, http.StatusForbidden, "Missing device ID")
		return nil, false
	}
	c := s.table.FindByDeviceID(devid)
	if c == nil {
		fail(w, http.StatusForbidden, "Channel not found")
		return nil, false
	}
	return c, true
}

// persist writes a snapshot through the store, logging failures only.
func (s *Server) persist(r *http.Request, snap hub.ChannelSnapshot) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveChannel(r.Context(), snap); err != nil {
		s.logger.Warn("store write failed",
			slog.String("id", snap.ID),
			slog.String("error", err.Error()),
		)
	}
}
