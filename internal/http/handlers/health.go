package handlers

import (
	"context"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/trackdeck/internal/database"
	"github.com/jmylchreest/trackdeck/internal/deck"
	"github.com/shirou/gopsutil/v4/mem"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *database.DB
	deck      *deck.Deck
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the catalog database for health checks.
func (h *HealthHandler) WithDB(db *database.DB) *HealthHandler {
	h.db = db
	return h
}

// WithDeck sets the deck whose state is reported.
func (h *HealthHandler) WithDeck(d *deck.Deck) *HealthHandler {
	h.deck = d
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse reports service health.
type HealthResponse struct {
	Status        string         `json:"status"`
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	Uptime        string         `json:"uptime"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Goroutines    int            `json:"goroutines"`
	Memory        MemoryInfo     `json:"memory"`
	Database      DatabaseHealth `json:"database"`
	Deck          DeckHealth     `json:"deck"`
}

// MemoryInfo holds system and runtime memory figures in MB.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	HeapAllocMB       float64 `json:"heap_alloc_mb"`
	HeapSysMB         float64 `json:"heap_sys_mb"`
}

// DatabaseHealth describes the catalog database.
type DatabaseHealth struct {
	Status                 string  `json:"status"`
	Driver                 string  `json:"driver,omitempty"`
	ConnectionPoolSize     int     `json:"connection_pool_size"`
	ActiveConnections      int     `json:"active_connections"`
	IdleConnections        int     `json:"idle_connections"`
	PoolUtilizationPercent float64 `json:"pool_utilization_percent"`
	ResponseTimeMS         float64 `json:"response_time_ms"`
	ResponseTimeStatus     string  `json:"response_time_status"`
}

// DeckHealth summarizes the deck.
type DeckHealth struct {
	Status    string `json:"status"`
	Recording bool   `json:"recording"`
	Saving    bool   `json:"saving"`
	Loaded    string `json:"loaded,omitempty"`
	Playback  string `json:"playback,omitempty"`
	Loader    string `json:"loader,omitempty"`
}

// LivezInput is the input for the liveness endpoint.
type LivezInput struct{}

// LivezOutput is the output for the liveness endpoint.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including the catalog database and deck",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		Memory:        h.getMemoryInfo(),
		Database:      h.getDatabaseHealth(ctx),
		Deck:          h.getDeckHealth(),
	}
	if resp.Database.Status == "error" || resp.Deck.Status == "error" {
		resp.Status = "degraded"
	}
	return &HealthOutput{Body: resp}, nil
}

func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	info.HeapAllocMB = float64(ms.HeapAlloc) / 1024 / 1024
	info.HeapSysMB = float64(ms.HeapSys) / 1024 / 1024
	return info
}

func (h *HealthHandler) getDatabaseHealth(ctx context.Context) DatabaseHealth {
	health := DatabaseHealth{
		Status:             "ok",
		ResponseTimeStatus: "healthy",
	}
	if h.db == nil {
		health.Status = "not_configured"
		health.ResponseTimeStatus = ""
		return health
	}
	health.Driver = h.db.Driver()

	stats, err := h.db.Stats()
	if err != nil {
		health.Status = "error"
		return health
	}
	health.ConnectionPoolSize = stats.MaxOpenConnections
	health.ActiveConnections = stats.InUse
	health.IdleConnections = stats.Idle
	if stats.MaxOpenConnections > 0 {
		health.PoolUtilizationPercent = float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
	}

	start := time.Now()
	err = h.db.Ping(ctx)
	health.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		health.Status = "error"
		health.ResponseTimeStatus = "error"
	} else if health.ResponseTimeMS > 100 {
		health.ResponseTimeStatus = "slow"
	}
	return health
}

func (h *HealthHandler) getDeckHealth() DeckHealth {
	if h.deck == nil {
		return DeckHealth{Status: "not_configured"}
	}
	st := h.deck.Status()
	health := DeckHealth{
		Status:    "ok",
		Recording: st.Recorder.Recording,
		Saving:    st.Recorder.Saving,
		Playback:  st.Playback.State,
	}
	if st.Loaded != nil {
		health.Loaded = st.Loaded.Path
		health.Loader = st.Loaded.Cache.StateName
		if st.Loaded.Cache.Err != nil {
			health.Status = "error"
		}
	}
	return health
}
