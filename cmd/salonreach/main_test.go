package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"salonreach/internal/campaign"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadCampaignFile_YAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "c.yaml", `
messages:
  - phone: "(11) 98765-4321"
    professionalId: pro-1
    message: "Bom dia! Sua agenda de amanhã tem 5 clientes."
  - phone: "11 91234-5678"
    professionalId: pro-2
    message: "Boa tarde!"
options:
  delayBetweenMessagesMs: 1500
`)
	f, err := loadCampaignFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Messages) != 2 || f.Messages[0].ProfessionalID != "pro-1" {
		t.Fatalf("unexpected messages: %+v", f.Messages)
	}
	if f.Options == nil || f.Options.DelayBetweenMessagesMs == nil || *f.Options.DelayBetweenMessagesMs != 1500 {
		t.Fatalf("unexpected options: %+v", f.Options)
	}
	if f.Options.MaxRetries != nil {
		t.Fatal("maxRetries should stay unset")
	}
	if err := campaign.Validate(f.Messages); err != nil {
		t.Fatalf("file should validate: %v", err)
	}
}

func TestLoadCampaignFile_JSON(t *testing.T) {
	p := writeFile(t, t.TempDir(), "c.json",
		`{"messages":[{"phone":"11987654321","professionalId":"p","message":"oi"}]}`)
	f, err := loadCampaignFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Messages) != 1 || f.Options != nil {
		t.Fatalf("unexpected file: %+v", f)
	}
}

func TestLoadCampaignFile_Invalid(t *testing.T) {
	p := writeFile(t, t.TempDir(), "bad.yaml", "messages: [unclosed")
	if _, err := loadCampaignFile(p); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSubmitCampaign(t *testing.T) {
	var got campaignFile
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/whatsapp/send-campaign" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		json.NewEncoder(w).Encode(campaign.Report{ID: "c-1", Success: true, SentCount: 1, Errors: []string{}})
	}))
	defer ts.Close()

	f := &campaignFile{Messages: []campaign.Job{{Phone: "11987654321", Message: "oi", ProfessionalID: "p"}}}
	report, err := submitCampaign(context.Background(), ts.Client(), ts.URL+"/", f)
	if err != nil {
		t.Fatal(err)
	}
	if report.ID != "c-1" || report.SentCount != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(got.Messages) != 1 || got.Messages[0].Phone != "11987654321" {
		t.Fatalf("server received %+v", got)
	}
}

func TestSubmitCampaign_NotLoggedInKeepsReport(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(campaign.Report{ID: "c-2", Errors: []string{"WhatsApp session is not logged in"}})
	}))
	defer ts.Close()

	report, err := submitCampaign(context.Background(), ts.Client(), ts.URL, &campaignFile{})
	if err == nil || !strings.Contains(err.Error(), "not logged in") {
		t.Fatalf("expected not-logged-in error, got %v", err)
	}
	if report == nil || report.ID != "c-2" {
		t.Fatalf("report should be returned with the error: %+v", report)
	}
}

func TestSubmitCampaign_ErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"A campaign is already running","details":"wait"}`))
	}))
	defer ts.Close()

	report, err := submitCampaign(context.Background(), ts.Client(), ts.URL, &campaignFile{})
	if report != nil {
		t.Fatalf("no report expected, got %+v", report)
	}
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBackupRoundTrip(t *testing.T) {
	src := t.TempDir()
	cfgPath := writeFile(t, src, "config.json", `{"server":{"port":4000}}`)
	dbPath := writeFile(t, src, "history.db", "sqlite-bytes")

	archive := filepath.Join(t.TempDir(), "b.tar.gz")
	n, err := writeBackup(archive, currentBackupSet(cfgPath, dbPath))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("archived %d files, want 2 (no wal/shm present)", n)
	}

	dst := t.TempDir()
	newCfg := filepath.Join(dst, "conf", "config.json")
	newDB := filepath.Join(dst, "data", "reports.db")
	restored, err := readBackup(archive, currentBackupSet(newCfg, newDB))
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 2 {
		t.Fatalf("restored %v", restored)
	}
	if data, _ := os.ReadFile(newDB); string(data) != "sqlite-bytes" {
		t.Fatalf("db content = %q", data)
	}
	if data, _ := os.ReadFile(newCfg); !strings.Contains(string(data), "4000") {
		t.Fatalf("config content = %q", data)
	}
}

func TestBackup_NothingToArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "b.tar.gz")
	if _, err := writeBackup(archive, currentBackupSet(filepath.Join(dir, "none.json"), filepath.Join(dir, "none.db"))); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(archive); !os.IsNotExist(err) {
		t.Fatal("no archive should be left behind")
	}
}

func TestWriteServiceFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "user", "salonreach.service")
	err := writeServiceFile(p, systemdTemplate, serviceParams{Exec: "/usr/local/bin/salonreach", Config: "/home/a/.salonreach/config.json"})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(p)
	if !strings.Contains(string(data), "ExecStart=/usr/local/bin/salonreach serve --config /home/a/.salonreach/config.json") {
		t.Fatalf("unexpected unit:\n%s", data)
	}
}

func TestFindChrome_ConfiguredPath(t *testing.T) {
	bin := writeFile(t, t.TempDir(), "chrome", "")
	if got, err := findChrome(bin); err != nil || got != bin {
		t.Fatalf("findChrome = %q, %v", got, err)
	}
	if _, err := findChrome(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing binary")
	}
}
