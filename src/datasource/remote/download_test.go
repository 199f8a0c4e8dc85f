package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestDownload(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("LocationID,Borough,Zone\n1,EWR,Newark Airport\n"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "raw", "zones.csv")

	fetched, err := Download(context.Background(), srv.URL, dest)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !fetched {
		t.Error("first download should fetch")
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(data) != "LocationID,Borough,Zone\n1,EWR,Newark Airport\n" {
		t.Errorf("content = %q", data)
	}

	// 已存在则跳过
	fetched, err = Download(context.Background(), srv.URL, dest)
	if err != nil {
		t.Fatalf("second Download: %v", err)
	}
	if fetched || atomic.LoadInt32(&hits) != 1 {
		t.Errorf("existing file should not be fetched again (hits=%d)", hits)
	}
}

func TestDownloadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "trips.parquet")
	if _, err := Download(context.Background(), srv.URL, dest); err == nil {
		t.Fatal("expected error for 404")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("failed download left a file behind")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %d", len(entries))
	}
}

func TestDownloadCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Download(ctx, srv.URL, filepath.Join(t.TempDir(), "x.csv")); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
