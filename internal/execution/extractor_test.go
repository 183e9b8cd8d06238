package execution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestHTTPExtractor(t *testing.T) {
	var got ExtractRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"result_key": "results/t/p3.md"})
	}))
	defer srv.Close()

	ex := NewHTTPExtractor(srv.URL)
	req := ExtractRequest{TaskID: uuid.New(), SourceKey: "docs/a.pdf", PageNumber: 3, FormatType: "markdown"}

	key, err := ex.ExtractPage(context.Background(), req)
	if err != nil {
		t.Fatalf("ExtractPage: %v", err)
	}
	if key != "results/t/p3.md" {
		t.Errorf("result key: got %s", key)
	}
	if got.PageNumber != 3 || got.FormatType != "markdown" {
		t.Errorf("engine received %+v", got)
	}
}

func TestHTTPExtractor_EngineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	ex := NewHTTPExtractor(srv.URL)
	if _, err := ex.ExtractPage(context.Background(), ExtractRequest{}); err == nil {
		t.Error("expected error on 502")
	}
}

func TestHTTPExtractor_EmptyResultKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	ex := NewHTTPExtractor(srv.URL)
	if _, err := ex.ExtractPage(context.Background(), ExtractRequest{}); err == nil {
		t.Error("expected error on missing result key")
	}
}
