package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/jaywantadh/DedupVault/internal/dedup"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	engine, err := dedup.Open(filepath.Join(t.TempDir(), "blobs"), filepath.Join(t.TempDir(), "db"), nil)
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	server := httptest.NewServer(New(engine).Routes())
	t.Cleanup(server.Close)
	return server
}

func uploadFile(t *testing.T, server *httptest.Server, name, content string) *dedup.UploadResult {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	writer.Close()

	resp, err := http.Post(server.URL+"/files", writer.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("upload request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var result dedup.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode upload response: %v", err)
	}
	return &result
}

func TestUploadListAndStats(t *testing.T) {
	server := newTestServer(t)

	first := uploadFile(t, server, "a.txt", "hello api")
	second := uploadFile(t, server, "b.txt", "hello api")
	if !first.Canonical || second.Canonical {
		t.Errorf("expected canonical then duplicate, got %v/%v", first.Canonical, second.Canonical)
	}

	resp, err := http.Get(server.URL + "/files?duplicates=include")
	if err != nil {
		t.Fatalf("list request failed: %v", err)
	}
	defer resp.Body.Close()
	var entries []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}

	resp, err = http.Get(server.URL + "/stats")
	if err != nil {
		t.Fatalf("stats request failed: %v", err)
	}
	defer resp.Body.Close()
	var stats dedup.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.TotalEntries != 2 || stats.DuplicateEntries != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.SavedBytes != int64(len("hello api")) {
		t.Errorf("expected %d saved bytes, got %d", len("hello api"), stats.SavedBytes)
	}
}

func TestDownloadBothRoles(t *testing.T) {
	server := newTestServer(t)
	first := uploadFile(t, server, "a.bin", "payload bytes")
	second := uploadFile(t, server, "b.bin", "payload bytes")

	for _, id := range []string{first.EntryID.String(), second.EntryID.String()} {
		resp, err := http.Get(fmt.Sprintf("%s/files/%s/download", server.URL, id))
		if err != nil {
			t.Fatalf("download request failed: %v", err)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("failed to read download: %v", err)
		}
		if string(data) != "payload bytes" {
			t.Errorf("download mismatch for %s: %q", id, data)
		}
	}
}

func TestDeleteConfirmationFlow(t *testing.T) {
	server := newTestServer(t)
	canonical := uploadFile(t, server, "a", "shared")
	uploadFile(t, server, "b", "shared")

	client := &http.Client{}
	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/files/%s", server.URL, canonical.EntryID), nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("delete request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for unconfirmed delete, got %d", resp.StatusCode)
	}
	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode conflict payload: %v", err)
	}
	if payload["duplicate_count"].(float64) != 1 {
		t.Errorf("expected duplicate_count 1, got %v", payload["duplicate_count"])
	}

	req, _ = http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/files/%s?confirmed=true", server.URL, canonical.EntryID), nil)
	resp2, err := client.Do(req)
	if err != nil {
		t.Fatalf("confirmed delete failed: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp2.StatusCode)
	}
}

func TestNotFoundAndBadRequest(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/files/00000000-0000-0000-0000-000000000000")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown id, got %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/files/not-a-uuid")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid id, got %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/files?duplicates=bogus")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad filter, got %d", resp.StatusCode)
	}
}

func TestAuditEndpoint(t *testing.T) {
	server := newTestServer(t)
	uploadFile(t, server, "a", "audited")
	uploadFile(t, server, "b", "audited")

	resp, err := http.Post(server.URL+"/audit?mode=rebuild", "", nil)
	if err != nil {
		t.Fatalf("audit request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var report dedup.AuditReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if report.EntriesScanned != 2 {
		t.Errorf("expected 2 entries scanned, got %d", report.EntriesScanned)
	}

	resp, err = http.Post(server.URL+"/audit?mode=bogus", "", nil)
	if err != nil {
		t.Fatalf("audit request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown mode, got %d", resp.StatusCode)
	}
}
