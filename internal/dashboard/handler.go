package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/geooffice/projectsync/internal/catalog"
	"github.com/geooffice/projectsync/internal/daemon"
)

// StatsData contains catalog statistics
type StatsData struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Deleted int `json:"deleted"`
}

func newStatsData(s catalog.Stats) StatsData {
	return StatsData{Total: s.Total(), Active: s.Active, Deleted: s.Deleted}
}

// SyncCompleteData contains pass completion information
type SyncCompleteData struct {
	IDs      []string       `json:"ids"`
	Reasons  []string       `json:"reasons"`
	Counts   map[string]int `json:"counts,omitempty"`
	Failed   int            `json:"failed,omitempty"`
	Anomaly  int            `json:"anomalies,omitempty"`
	Duration time.Duration  `json:"duration"`
	Error    string         `json:"error,omitempty"`
}

// Handler turns daemon pass reports into dashboard messages.
type Handler struct {
	server  *Server
	catalog Catalog
	logger  *slog.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server.
// cat may be nil, in which case no stats messages are sent.
func NewHandler(server *Server, cat Catalog, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Handler{
		server:  server,
		catalog: cat,
		logger:  logger.With(slog.String("component", "dashboard")),
	}
}

// OnPass handles a finished reconciliation pass. It has the signature of
// daemon.Config.OnPass.
func (h *Handler) OnPass(report daemon.PassReport) {
	data := SyncCompleteData{
		IDs:      report.Outcome.IDs,
		Reasons:  report.Outcome.Reasons,
		Duration: report.Outcome.Duration(),
	}

	msgType := MessageTypeSyncComplete
	if report.Outcome.Err != nil || report.Result == nil {
		msgType = MessageTypeSyncFailed
		data.Error = report.Outcome.Error
	} else {
		data.Counts = report.Result.Counts()
		data.Failed = report.Result.Failed
		data.Anomaly = len(report.Result.Anomalies)
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal sync data", slog.Any("error", err))
		return
	}

	h.server.Broadcast(Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})

	if msgType == MessageTypeSyncComplete {
		h.RefreshStats(context.Background())
	}
}

// RefreshStats reads the catalog counts and broadcasts them.
func (h *Handler) RefreshStats(ctx context.Context) {
	if h.catalog == nil {
		return
	}

	stats, err := h.catalog.Stats(ctx)
	if err != nil {
		h.logger.Warn("failed to read catalog stats", slog.Any("error", err))
		return
	}

	h.mu.Lock()
	h.stats = newStatsData(stats)
	data := h.stats
	h.mu.Unlock()

	h.broadcastStats(data)
}

// broadcastStats sends statistics to all clients
func (h *Handler) broadcastStats(stats StatsData) {
	dataJSON, err := json.Marshal(stats)
	if err != nil {
		h.logger.Error("failed to marshal stats", slog.Any("error", err))
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// GetStats returns the last broadcast statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
