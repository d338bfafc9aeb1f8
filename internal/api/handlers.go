// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/connection"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/health"
	"grimm.is/flowguard/internal/metrics"
	"grimm.is/flowguard/internal/protocol"
)

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, msg string) {
	respondWithJSON(w, code, map[string]string{"error": msg})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch errors.GetKind(err) {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindUnsupported:
		return http.StatusNotImplemented
	case errors.KindUnavailable, errors.KindExhausted:
		return http.StatusServiceUnavailable
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Uptime      string `json:"uptime"`
	ShutDown    bool   `json:"shut_down"`
	Connections int    `json:"connections"`
	Pending     int    `json:"pending"`
	Bandwidth   int    `json:"bandwidth_entries"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	shutDown := false
	select {
	case <-s.engine.Done():
		shutDown = true
	default:
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{
		Uptime:      clock.Now().Sub(s.startTime).Round(time.Second).String(),
		ShutDown:    shutDown,
		Connections: s.engine.Connections().Count(),
		Pending:     len(s.engine.Pending()),
		Bandwidth:   s.engine.Bandwidth().Len(),
	})
}

func (s *Server) healthReport(r *http.Request) health.Report {
	if s.health == nil {
		return health.Report{Status: health.StatusHealthy, Checks: []health.Check{}}
	}
	return s.health.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthReport(r)
	code := http.StatusOK
	if !report.Healthy() {
		code = http.StatusServiceUnavailable
	}
	respondWithJSON(w, code, report)
}

// handleReadiness requires every check to be fully healthy.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := s.healthReport(r)
	code := http.StatusOK
	if report.Status != health.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	respondWithJSON(w, code, map[string]any{"ready": code == http.StatusOK, "status": report.Status})
}

// ConnectionView is the JSON form of a cached connection.
type ConnectionView struct {
	Protocol    string     `json:"protocol"`
	Direction   string     `json:"direction"`
	Local       string     `json:"local"`
	Remote      string     `json:"remote"`
	Verdict     string     `json:"verdict"`
	ProcessID   uint64     `json:"process_id,omitempty"`
	Created     time.Time  `json:"created"`
	LastAccess  time.Time  `json:"last_access"`
	Ended       *time.Time `json:"ended,omitempty"`
	RxBytes     uint64     `json:"rx_bytes"`
	TxBytes     uint64     `json:"tx_bytes"`
	Redirected  bool       `json:"redirected,omitempty"`
	RedirectsTo string     `json:"redirects_to,omitempty"`
}

func newConnectionView(rec connection.Record) ConnectionView {
	v := ConnectionView{
		Protocol:   rec.Protocol.String(),
		Direction:  rec.Direction.String(),
		Local:      rec.Key().Local().String(),
		Remote:     rec.Key().Remote().String(),
		Verdict:    rec.Verdict.String(),
		ProcessID:  rec.ProcessID,
		Created:    rec.CreatedAt,
		LastAccess: rec.LastAccessedAt,
		RxBytes:    rec.ReceivedBytes,
		TxBytes:    rec.TransmittedBytes,
	}
	if rec.Ended() {
		ended := rec.EndedAt
		v.Ended = &ended
	}
	if info, ok := rec.RedirectInfo(); ok {
		v.Redirected = true
		v.RedirectsTo = netip.AddrPortFrom(info.RedirectAddr, info.RedirectPort).String()
	}
	return v
}

// connectionFilter holds the query filters of GET /api/connections.
type connectionFilter struct {
	protocol  string
	direction string
	verdict   string
	pid       uint64
	active    bool
}

func parseConnectionFilter(r *http.Request) (connectionFilter, error) {
	q := r.URL.Query()
	f := connectionFilter{
		protocol:  strings.ToLower(q.Get("protocol")),
		direction: strings.ToLower(q.Get("direction")),
		active:    q.Get("active") == "true",
	}
	if p := q.Get("pid"); p != "" {
		pid, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return f, errors.Wrap(err, errors.KindValidation, "invalid pid")
		}
		f.pid = pid
	}
	if name := q.Get("verdict"); name != "" {
		v, err := connection.ParseVerdictName(name)
		if err != nil {
			return f, err
		}
		f.verdict = v.String()
	}
	return f, nil
}

func (f connectionFilter) match(v ConnectionView) bool {
	switch {
	case f.protocol != "" && strings.ToLower(v.Protocol) != f.protocol:
		return false
	case f.direction != "" && strings.ToLower(v.Direction) != f.direction:
		return false
	case f.verdict != "" && v.Verdict != f.verdict:
		return false
	case f.pid != 0 && v.ProcessID != f.pid:
		return false
	case f.active && v.Ended != nil:
		return false
	}
	return true
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	filter, err := parseConnectionFilter(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	views := []ConnectionView{}
	for _, rec := range s.engine.Connections().Snapshot() {
		if v := newConnectionView(rec); filter.match(v) {
			views = append(views, v)
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Created.Before(views[j].Created) })
	respondWithJSON(w, http.StatusOK, views)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	type pendingView struct {
		ID        uint64    `json:"id"`
		Flow      string    `json:"flow"`
		Direction string    `json:"direction"`
		ProcessID uint64    `json:"process_id,omitempty"`
		Captured  bool      `json:"captured"`
		ParkedAt  time.Time `json:"parked_at"`
	}
	out := []pendingView{}
	for _, p := range s.engine.Pending() {
		out = append(out, pendingView{
			ID:        p.ID,
			Flow:      p.Flow,
			Direction: p.Direction.String(),
			ProcessID: p.ProcessID,
			Captured:  p.Captured,
			ParkedAt:  p.ParkedAt,
		})
	}
	respondWithJSON(w, http.StatusOK, out)
}

// LogView is the JSON form of a buffered log line.
type LogView struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.ring == nil {
		respondWithError(w, http.StatusServiceUnavailable, "log buffer disabled")
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			respondWithError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	out := []LogView{}
	for _, line := range s.ring.Recent(limit) {
		out = append(out, LogView{Time: line.Time, Level: line.Level.String(), Message: line.Message})
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		respondWithJSON(w, http.StatusOK, map[string]any{"rules": []metrics.RuleStats{}})
		return
	}
	stats := s.collector.GetRuleStats()
	rules := make([]metrics.RuleStats, 0, len(stats))
	for _, st := range stats {
		rules = append(rules, st)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	respondWithJSON(w, http.StatusOK, map[string]any{
		"rules":       rules,
		"last_update": s.collector.GetLastUpdate(),
	})
}

// commandByName lists the commands the API may issue. Verdicts, updates and
// shutdown belong to the policy client.
var commandByName = map[string]protocol.Command{
	protocol.CommandClearCache.String():        protocol.ClearCache{},
	protocol.CommandGetLogs.String():           protocol.GetLogs{},
	protocol.CommandGetBandwidthStats.String(): protocol.GetBandwidthStats{},
	protocol.CommandPrintMemoryStats.String():  protocol.PrintMemoryStats{},
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	cmd, ok := commandByName[name]
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown command "+name)
		return
	}
	if err := s.engine.HandleCommand(cmd); err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("command issued via api", "command", name, "request_id", RequestID(r.Context()))
	respondWithJSON(w, http.StatusAccepted, map[string]string{"command": name})
}
