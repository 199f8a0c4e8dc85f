package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-gota/gota/dataframe"

	"taxiquality/src/analysis"
	"taxiquality/src/processor"
)

// Repository 看板需要的查询，*analysis.Store 满足
type Repository interface {
	Ping(ctx context.Context) error
	TopPickupZones(ctx context.Context, f analysis.Filter, limit int) ([]analysis.ZoneCount, error)
	AverageFareByHour(ctx context.Context, f analysis.Filter) ([]analysis.HourlyFare, error)
	DistanceHistogram(ctx context.Context, f analysis.Filter, maxMiles float64, bins int) (*analysis.Histogram, error)
	PaymentBreakdown(ctx context.Context, f analysis.Filter) ([]analysis.PaymentShare, error)
	DayHourHeatmap(ctx context.Context, f analysis.Filter) (*analysis.Heatmap, error)
	Metrics(ctx context.Context, f analysis.Filter) (*analysis.Metrics, error)
	FilterOptions(ctx context.Context) (*analysis.FilterOptions, error)
}

// ReportProvider 最近一次成功运行的结果，尚无结果时返回 nil
type ReportProvider interface {
	LatestResult() *processor.Result
}

// OverviewProvider 清洗后数据集的概览，尚无数据集时返回 nil
type OverviewProvider interface {
	Overview() (*analysis.Overview, error)
}

// LogSource 实时日志订阅，*storage.Logger 满足
type LogSource interface {
	Subscribe() <-chan string
	Unsubscribe(ch <-chan string)
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ReportResponse is the JSON response for GET /api/report
type ReportResponse struct {
	RunID      string                  `json:"run_id"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Rows       int                     `json:"rows"`
	Report     processor.RemovalReport `json:"report"`
}

// UploadResponse is the JSON response for POST /api/upload
type UploadResponse struct {
	Filename string     `json:"filename"`
	Rows     int        `json:"rows"`
	Columns  int        `json:"columns"`
	Names    []string   `json:"names"`
	Describe [][]string `json:"describe"`
	Queued   bool       `json:"queued"`
}

// Handler handles HTTP requests for the dashboard
type Handler struct {
	repo      Repository
	reports   ReportProvider
	overview  OverviewProvider
	logs      LogSource
	inboxDir  string
	maxUpload int64
}

// Options 可选组件，为空时对应接口返回 404/503
type Options struct {
	Reports   ReportProvider
	Overview  OverviewProvider
	Logs      LogSource
	InboxDir  string // 上传文件保存目录，为空则只做统计不入队
	MaxUpload int64  // 上传大小上限(字节)
}

// NewHandler creates a new handler with the given repository
func NewHandler(repo Repository, opts Options) *Handler {
	if opts.MaxUpload <= 0 {
		opts.MaxUpload = 64 << 20
	}
	return &Handler{
		repo:      repo,
		reports:   opts.Reports,
		overview:  opts.Overview,
		logs:      opts.Logs,
		inboxDir:  opts.InboxDir,
		maxUpload: opts.MaxUpload,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details map[string]interface{}) {
	writeJSON(w, status, ErrorResponse{Error: msg, Details: details})
}

// parseFilter 解析 start, end, hour_min, hour_max, payment 查询参数
func parseFilter(r *http.Request) (analysis.Filter, error) {
	q := r.URL.Query()
	f := analysis.Filter{
		StartDate: q.Get("start"),
		EndDate:   q.Get("end"),
	}

	minStr, maxStr := q.Get("hour_min"), q.Get("hour_max")
	if minStr != "" || maxStr != "" {
		hours := analysis.HourRange{Min: 0, Max: 23}
		if minStr != "" {
			v, err := strconv.Atoi(minStr)
			if err != nil {
				return f, fmt.Errorf("invalid hour_min %q", minStr)
			}
			hours.Min = v
		}
		if maxStr != "" {
			v, err := strconv.Atoi(maxStr)
			if err != nil {
				return f, fmt.Errorf("invalid hour_max %q", maxStr)
			}
			hours.Max = v
		}
		f.Hours = &hours
	}

	for _, p := range q["payment"] {
		for _, name := range strings.Split(p, ",") {
			if name = strings.TrimSpace(name); name != "" {
				f.PaymentTypes = append(f.PaymentTypes, name)
			}
		}
	}

	return f, f.Validate()
}

// withFilter 解析筛选条件并设置查询超时
func (h *Handler) withFilter(fn func(ctx context.Context, w http.ResponseWriter, r *http.Request, f analysis.Filter)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid filter", map[string]interface{}{"reason": err.Error()})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		fn(ctx, w, r, f)
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "error",
			"database":  "disconnected",
			"timestamp": time.Now().UTC(),
			"error":     err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"database":  "connected",
		"timestamp": time.Now().UTC(),
	})
}

// GetMetrics handles GET /api/metrics
func (h *Handler) GetMetrics(ctx context.Context, w http.ResponseWriter, r *http.Request, f analysis.Filter) {
	m, err := h.repo.Metrics(ctx, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get metrics", nil)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetFilterOptions handles GET /api/filters
func (h *Handler) GetFilterOptions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	opts, err := h.repo.FilterOptions(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get filter options", nil)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

// GetReport handles GET /api/report
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	var res *processor.Result
	if h.reports != nil {
		res = h.reports.LatestResult()
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "No completed run", nil)
		return
	}
	writeJSON(w, http.StatusOK, ReportResponse{
		RunID:      res.RunID.String(),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Rows:       res.Rows(),
		Report:     res.Report,
	})
}

// GetOverview handles GET /api/overview
func (h *Handler) GetOverview(w http.ResponseWriter, r *http.Request) {
	var ov *analysis.Overview
	if h.overview != nil {
		var err error
		if ov, err = h.overview.Overview(); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to build overview", map[string]interface{}{"reason": err.Error()})
			return
		}
	}
	if ov == nil {
		writeError(w, http.StatusNotFound, "No cleaned dataset", nil)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// GetTopZones handles GET /api/charts/top-zones
// Query params: limit (optional, default 10)
func (h *Handler) GetTopZones(ctx context.Context, w http.ResponseWriter, r *http.Request, f analysis.Filter) {
	limit := 10
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 || v > 300 {
			writeError(w, http.StatusBadRequest, "Invalid limit", map[string]interface{}{"limit": s})
			return
		}
		limit = v
	}

	zones, err := h.repo.TopPickupZones(ctx, f, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get top zones", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"zones": zones, "count": len(zones)})
}

// GetFareByHour handles GET /api/charts/fare-by-hour
func (h *Handler) GetFareByHour(ctx context.Context, w http.ResponseWriter, r *http.Request, f analysis.Filter) {
	hours, err := h.repo.AverageFareByHour(ctx, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get fare by hour", nil)
		return
	}
	if hours == nil {
		hours = []analysis.HourlyFare{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hours": hours})
}

// GetDistance handles GET /api/charts/distance
// Query params: max_miles (default 30), bins (default 60)
func (h *Handler) GetDistance(ctx context.Context, w http.ResponseWriter, r *http.Request, f analysis.Filter) {
	maxMiles, bins := 30.0, 60
	q := r.URL.Query()
	if s := q.Get("max_miles"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid max_miles", map[string]interface{}{"max_miles": s})
			return
		}
		maxMiles = v
	}
	if s := q.Get("bins"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 || v > 500 {
			writeError(w, http.StatusBadRequest, "Invalid bins", map[string]interface{}{"bins": s})
			return
		}
		bins = v
	}

	hist, err := h.repo.DistanceHistogram(ctx, f, maxMiles, bins)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get distance histogram", nil)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// GetPayments handles GET /api/charts/payments
func (h *Handler) GetPayments(ctx context.Context, w http.ResponseWriter, r *http.Request, f analysis.Filter) {
	shares, err := h.repo.PaymentBreakdown(ctx, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get payment breakdown", nil)
		return
	}
	if shares == nil {
		shares = []analysis.PaymentShare{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payments": shares})
}

// GetHeatmap handles GET /api/charts/heatmap
func (h *Handler) GetHeatmap(ctx context.Context, w http.ResponseWriter, r *http.Request, f analysis.Filter) {
	hm, err := h.repo.DayHourHeatmap(ctx, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get heatmap", nil)
		return
	}
	writeJSON(w, http.StatusOK, hm)
}

// Upload handles POST /api/upload
// multipart 字段 file(CSV)；queue=true 且配置了收件目录时保存文件触发清洗
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "Missing file field", nil)
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if !strings.EqualFold(filepath.Ext(name), ".csv") {
		writeError(w, http.StatusBadRequest, "Only CSV uploads are supported", map[string]interface{}{"filename": name})
		return
	}

	df := dataframe.ReadCSV(file, dataframe.HasHeader(true))
	if df.Err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse CSV", map[string]interface{}{"reason": df.Err.Error()})
		return
	}

	resp := UploadResponse{
		Filename: name,
		Rows:     df.Nrow(),
		Columns:  df.Ncol(),
		Names:    df.Names(),
		Describe: df.Describe().Records(),
	}

	if r.URL.Query().Get("queue") == "true" && h.inboxDir != "" {
		if _, err := file.Seek(0, 0); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to queue upload", nil)
			return
		}
		if err := saveUpload(h.inboxDir, name, file); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to queue upload", nil)
			return
		}
		resp.Queued = true
	}

	writeJSON(w, http.StatusOK, resp)
}

// saveUpload 临时文件不带数据扩展名，改名后才会被目录监控看到
func saveUpload(dir, name string, src io.Reader) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.ReadFrom(src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}

// StreamLogs handles GET /api/logs
// 以 text/event-stream 推送实时日志，直到客户端断开
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	if h.logs == nil {
		writeError(w, http.StatusNotFound, "Log stream not available", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	ch := h.logs.Subscribe()
	defer h.logs.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", strings.TrimRight(line, "\n"))
			flusher.Flush()
		}
	}
}
