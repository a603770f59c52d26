package netinfo

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestQuery(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/query" {
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			}
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if body["question"] != "¿Qué routers están configurados?" {
				t.Errorf("question = %v", body["question"])
			}
			if body["timeout"] != float64(30) {
				t.Errorf("timeout = %v", body["timeout"])
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"success":  true,
				"response": "Hay tres routers configurados.",
				"metadata": map[string]any{"routers": float64(3)},
			})
		}))
		defer srv.Close()

		client := NewClient(srv.URL, slog.Default())
		res := client.Query(context.Background(), "¿Qué routers están configurados?", 30*time.Second)
		if !res.Success {
			t.Error("expected success")
		}
		if res.Response != "Hay tres routers configurados." {
			t.Errorf("response = %q", res.Response)
		}
		if res.Metadata["routers"] != float64(3) {
			t.Errorf("metadata = %v", res.Metadata)
		}
	})

	t.Run("question length validated before any request", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("backend must not be called for invalid questions")
		}))
		defer srv.Close()
		client := NewClient(srv.URL, slog.Default())

		if res := client.Query(context.Background(), "ab", 0); res.Success {
			t.Error("short question must fail")
		}
		if res := client.Query(context.Background(), strings.Repeat("x", 501), 0); res.Success {
			t.Error("long question must fail")
		}
	})

	t.Run("server error becomes spoken apology", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := NewClient(srv.URL, slog.Default())
		res := client.Query(context.Background(), "estado de la red", 0)
		if res.Success {
			t.Error("expected failure")
		}
		if res.Response != respServerErr {
			t.Errorf("response = %q", res.Response)
		}
	})

	t.Run("connection failure becomes spoken apology", func(t *testing.T) {
		client := NewClient("http://127.0.0.1:1", slog.Default())
		res := client.Query(context.Background(), "estado de la red", 0)
		if res.Success {
			t.Error("expected failure")
		}
		if res.Response == "" {
			t.Error("expected speakable response")
		}
	})

	t.Run("empty backend response gets placeholder", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"success": true})
		}))
		defer srv.Close()

		client := NewClient(srv.URL, slog.Default())
		res := client.Query(context.Background(), "estado de la red", 0)
		if res.Response != respNoResponse {
			t.Errorf("response = %q", res.Response)
		}
	})
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, slog.Default())
	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}

func TestQueryToolExecute(t *testing.T) {
	var gotTimeout float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		gotTimeout = body["timeout"].(float64)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "response": "ok"})
	}))
	defer srv.Close()

	tool := NewQueryTool(NewClient(srv.URL, slog.Default()))

	if tool.Name() != "consultar_mikrotik" {
		t.Errorf("name = %q", tool.Name())
	}
	def := tool.Definition()
	params := def["parameters"].(map[string]any)
	required := params["required"].([]string)
	if len(required) != 1 || required[0] != "pregunta" {
		t.Errorf("required = %v", required)
	}

	tests := []struct {
		name        string
		args        string
		wantTimeout float64
	}{
		{"default timeout", `{"pregunta": "¿estado?"}`, 60},
		{"explicit timeout", `{"pregunta": "¿estado?", "timeout": 30}`, 30},
		{"timeout clamped low", `{"pregunta": "¿estado?", "timeout": 5}`, 15},
		{"timeout clamped high", `{"pregunta": "¿estado?", "timeout": 500}`, 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tool.Execute(context.Background(), json.RawMessage(tt.args))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if gotTimeout != tt.wantTimeout {
				t.Errorf("timeout sent = %v, want %v", gotTimeout, tt.wantTimeout)
			}
			if res, ok := result.(Result); !ok || !res.Success {
				t.Errorf("result = %#v", result)
			}
		})
	}

	if _, err := tool.Execute(context.Background(), json.RawMessage(`not json`)); err == nil {
		t.Error("expected error for invalid arguments")
	}
}
