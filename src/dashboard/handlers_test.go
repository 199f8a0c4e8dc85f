package dashboard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-gota/gota/dataframe"

	"taxiquality/src/analysis"
	"taxiquality/src/processor"
	"taxiquality/src/storage"
)

// fakeRepo 记录最近一次收到的筛选条件
type fakeRepo struct {
	lastFilter analysis.Filter
	lastLimit  int
	pingErr    error
	fail       bool
}

func (f *fakeRepo) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeRepo) TopPickupZones(ctx context.Context, flt analysis.Filter, limit int) ([]analysis.ZoneCount, error) {
	f.lastFilter, f.lastLimit = flt, limit
	if f.fail {
		return nil, errors.New("db down")
	}
	return []analysis.ZoneCount{{LocationID: 132, Borough: "Queens", Zone: "JFK Airport", Trips: 9}}, nil
}

func (f *fakeRepo) AverageFareByHour(ctx context.Context, flt analysis.Filter) ([]analysis.HourlyFare, error) {
	f.lastFilter = flt
	return nil, nil
}

func (f *fakeRepo) DistanceHistogram(ctx context.Context, flt analysis.Filter, maxMiles float64, bins int) (*analysis.Histogram, error) {
	f.lastFilter = flt
	return &analysis.Histogram{MaxMiles: maxMiles, Bins: make([]analysis.Bin, bins)}, nil
}

func (f *fakeRepo) PaymentBreakdown(ctx context.Context, flt analysis.Filter) ([]analysis.PaymentShare, error) {
	f.lastFilter = flt
	return []analysis.PaymentShare{{Name: "Cash", Trips: 1, Share: 1}}, nil
}

func (f *fakeRepo) DayHourHeatmap(ctx context.Context, flt analysis.Filter) (*analysis.Heatmap, error) {
	f.lastFilter = flt
	return &analysis.Heatmap{Days: analysis.Weekdays}, nil
}

func (f *fakeRepo) Metrics(ctx context.Context, flt analysis.Filter) (*analysis.Metrics, error) {
	f.lastFilter = flt
	return &analysis.Metrics{TotalTrips: 42}, nil
}

func (f *fakeRepo) FilterOptions(ctx context.Context) (*analysis.FilterOptions, error) {
	return &analysis.FilterOptions{MinDate: "2024-01-01", MaxDate: "2024-01-31", PaymentTypes: []string{"Cash"}}, nil
}

type fakeReports struct{ res *processor.Result }

func (f fakeReports) LatestResult() *processor.Result { return f.res }

func serve(t *testing.T, h *Handler, method, target string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, body)
		req.Header.Set("Content-Type", contentType)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	Routes(h, []string{"http://localhost:5173"}).ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	repo := &fakeRepo{}
	if rec := serve(t, NewHandler(repo, Options{}), "GET", "/health", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("healthy status = %d", rec.Code)
	}
	repo.pingErr = errors.New("closed")
	if rec := serve(t, NewHandler(repo, Options{}), "GET", "/health", nil, ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d", rec.Code)
	}
}

func TestFilterParams(t *testing.T) {
	repo := &fakeRepo{}
	h := NewHandler(repo, Options{})

	rec := serve(t, h, "GET", "/api/charts/top-zones?start=2024-01-02&end=2024-01-09&hour_min=7&payment=Cash&payment=Credit%20Card,Dispute&limit=5", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	f := repo.lastFilter
	if f.StartDate != "2024-01-02" || f.EndDate != "2024-01-09" {
		t.Errorf("dates = %s..%s", f.StartDate, f.EndDate)
	}
	if f.Hours == nil || f.Hours.Min != 7 || f.Hours.Max != 23 {
		t.Errorf("hours = %+v", f.Hours)
	}
	if strings.Join(f.PaymentTypes, "|") != "Cash|Credit Card|Dispute" {
		t.Errorf("payments = %v", f.PaymentTypes)
	}
	if repo.lastLimit != 5 {
		t.Errorf("limit = %d", repo.lastLimit)
	}

	var body struct {
		Zones []analysis.ZoneCount `json:"zones"`
		Count int                  `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || body.Zones[0].Zone != "JFK Airport" {
		t.Errorf("body = %+v", body)
	}
}

func TestBadRequests(t *testing.T) {
	h := NewHandler(&fakeRepo{}, Options{})
	for _, target := range []string{
		"/api/metrics?start=01-01-2024",
		"/api/metrics?start=2024-01-09&end=2024-01-01",
		"/api/metrics?hour_min=x",
		"/api/metrics?hour_min=5&hour_max=2",
		"/api/charts/top-zones?limit=0",
		"/api/charts/distance?bins=abc",
		"/api/charts/distance?max_miles=-1",
	} {
		rec := serve(t, h, "GET", target, nil, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
			continue
		}
		var e ErrorResponse
		if err := json.NewDecoder(rec.Body).Decode(&e); err != nil || e.Error == "" {
			t.Errorf("%s: error body = %+v (%v)", target, e, err)
		}
	}
}

func TestChartEndpoints(t *testing.T) {
	h := NewHandler(&fakeRepo{}, Options{})
	for _, target := range []string{
		"/api/metrics",
		"/api/filters",
		"/api/charts/fare-by-hour",
		"/api/charts/distance?max_miles=10&bins=20",
		"/api/charts/payments",
		"/api/charts/heatmap",
	} {
		rec := serve(t, h, "GET", target, nil, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", target, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s: content type = %q", target, ct)
		}
	}
}

func TestRepositoryError(t *testing.T) {
	rec := serve(t, NewHandler(&fakeRepo{fail: true}, Options{}), "GET", "/api/charts/top-zones", nil, "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestReport(t *testing.T) {
	rec := serve(t, NewHandler(&fakeRepo{}, Options{}), "GET", "/api/report", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status without run = %d, want 404", rec.Code)
	}

	df := dataframe.LoadRecords([][]string{
		{"tpep_pickup_datetime", "tpep_dropoff_datetime", "trip_distance"},
		{"2024-01-01 08:00:00", "2024-01-01 08:15:00", "5.0"},
		{"2024-01-01 09:00:00", "2024-01-01 08:15:00", "5.0"},
	})
	res, err := processor.NewPipeline(processor.CoreRules(), nil).Run(df)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec = serve(t, NewHandler(&fakeRepo{}, Options{Reports: fakeReports{res}}), "GET", "/api/report", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		RunID  string `json:"run_id"`
		Rows   int    `json:"rows"`
		Report struct {
			RawRows      int `json:"raw_rows"`
			TotalRemoved int `json:"total_removed"`
		} `json:"report"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.RunID != res.RunID.String() || body.Rows != 1 || body.Report.RawRows != 2 || body.Report.TotalRemoved != 1 {
		t.Errorf("report body = %+v", body)
	}
}

type fakeOverview struct {
	ov  *analysis.Overview
	err error
}

func (f fakeOverview) Overview() (*analysis.Overview, error) { return f.ov, f.err }

func TestOverview(t *testing.T) {
	rec := serve(t, NewHandler(&fakeRepo{}, Options{}), "GET", "/api/overview", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status without provider = %d, want 404", rec.Code)
	}
	rec = serve(t, NewHandler(&fakeRepo{}, Options{Overview: fakeOverview{}}), "GET", "/api/overview", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status without dataset = %d, want 404", rec.Code)
	}
	rec = serve(t, NewHandler(&fakeRepo{}, Options{Overview: fakeOverview{err: errors.New("corrupt parquet")}}), "GET", "/api/overview", nil, "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status on error = %d, want 500", rec.Code)
	}

	df := dataframe.LoadRecords([][]string{
		{"tpep_pickup_datetime", "tpep_dropoff_datetime", "trip_distance", "fare_amount", "tip_amount"},
		{"2024-01-01 08:00:00", "2024-01-01 08:15:00", "5.0", "20", "4"},
		{"2024-01-03 09:00:00", "2024-01-03 09:30:00", "3.0", "12", ""},
	})
	res, err := processor.NewPipeline(processor.CoreRules(), nil).Run(df)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	provider := fakeOverview{ov: analysis.BuildOverview(res.Dataset())}

	rec = serve(t, NewHandler(&fakeRepo{}, Options{Overview: provider}), "GET", "/api/overview", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Rows     int        `json:"rows"`
		Days     int        `json:"days"`
		Describe [][]string `json:"describe"`
		Info     []struct {
			Name    string `json:"name"`
			NonNull int    `json:"non_null"`
		} `json:"column_info"`
		Missing []struct {
			Column  string `json:"column"`
			Missing int    `json:"missing"`
		} `json:"missing"`
		Ranges []struct {
			Column string  `json:"column"`
			Max    float64 `json:"max"`
		} `json:"ranges"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Rows != 2 || body.Days != 3 || len(body.Describe) == 0 || len(body.Info) != res.Dataset().Ncol() {
		t.Errorf("overview body = %+v", body)
	}
	if len(body.Missing) != 1 || body.Missing[0].Column != "tip_amount" || body.Missing[0].Missing != 1 {
		t.Errorf("missing = %+v", body.Missing)
	}
	for _, r := range body.Ranges {
		if r.Column == "fare_amount" && r.Max != 20 {
			t.Errorf("fare max = %v", r.Max)
		}
	}
}

func multipartCSV(t *testing.T, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	inbox := t.TempDir()
	h := NewHandler(&fakeRepo{}, Options{InboxDir: inbox})

	csv := "trip_distance,fare_amount\n1.5,10\n2.5,20\n"
	body, ct := multipartCSV(t, "sample.csv", csv)
	rec := serve(t, h, "POST", "/api/upload?queue=true", body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}

	var resp UploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Rows != 2 || resp.Columns != 2 || !resp.Queued {
		t.Errorf("upload response = %+v", resp)
	}
	if len(resp.Describe) < 2 || resp.Describe[0][0] != "column" {
		t.Errorf("describe = %v", resp.Describe)
	}

	saved, err := os.ReadFile(filepath.Join(inbox, "sample.csv"))
	if err != nil {
		t.Fatalf("queued file: %v", err)
	}
	if string(saved) != csv {
		t.Errorf("saved content = %q", saved)
	}

	body, ct = multipartCSV(t, "sample.txt", csv)
	if rec := serve(t, h, "POST", "/api/upload", body, ct); rec.Code != http.StatusBadRequest {
		t.Errorf("non-csv status = %d, want 400", rec.Code)
	}
}

func TestStreamLogs(t *testing.T) {
	logger := storage.NewWriterLogger(&bytes.Buffer{})
	srv := httptest.NewServer(Routes(NewHandler(&fakeRepo{}, Options{Logs: logger}), nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/logs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/logs: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// 响应头返回时订阅已建立
	logger.Info("pipeline finished")

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, "pipeline finished") {
		t.Errorf("event = %q", line)
	}
}
