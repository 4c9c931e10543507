package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNodeInfo checks the JSON field names the coordinator relies on.
func TestNodeInfo(t *testing.T) {
	node := NodeInfo{ID: "node-1", Addr: "http://localhost:8081", InvokerAddr: "localhost:4445"}

	data, err := json.Marshal(node)
	if err != nil {
		t.Fatalf("Failed to marshal NodeInfo: %v", err)
	}

	var jsonMap map[string]interface{}
	if err := json.Unmarshal(data, &jsonMap); err != nil {
		t.Fatalf("Failed to unmarshal JSON: %v", err)
	}
	if jsonMap["id"] != "node-1" {
		t.Errorf("Expected id 'node-1', got %v", jsonMap["id"])
	}
	if jsonMap["addr"] != "http://localhost:8081" {
		t.Errorf("Expected addr, got %v", jsonMap["addr"])
	}
	if jsonMap["invoker_addr"] != "localhost:4445" {
		t.Errorf("Expected invoker_addr, got %v", jsonMap["invoker_addr"])
	}

	// invoker_addr is optional
	data, _ = json.Marshal(NodeInfo{ID: "n", Addr: "a"})
	jsonMap = nil
	_ = json.Unmarshal(data, &jsonMap)
	if _, ok := jsonMap["invoker_addr"]; ok {
		t.Error("Expected invoker_addr to be omitted when empty")
	}
}

// TestPostJSON tests PostJSON against a range of server behaviours.
func TestPostJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		requestBody    interface{}
		responseBody   interface{}
		expectError    bool
		contextTimeout bool
	}{
		{
			name:           "successful POST with response",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			responseBody:   &map[string]string{},
		},
		{
			name:           "successful POST without response body",
			serverResponse: http.StatusNoContent,
			requestBody:    map[string]string{"test": "data"},
		},
		{
			name:           "server error response",
			serverResponse: http.StatusInternalServerError,
			serverBody:     `{"error":"internal error"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
		},
		{
			name:           "context timeout",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
			contextTimeout: true,
		},
		{
			name:           "unmarshalable request body",
			serverResponse: http.StatusOK,
			requestBody:    make(chan int),
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("Expected POST method, got %s", r.Method)
				}
				if ct := r.Header.Get("Content-Type"); ct != "application/json" {
					t.Errorf("Expected Content-Type application/json, got %s", ct)
				}
				if tt.contextTimeout {
					time.Sleep(100 * time.Millisecond)
				}
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					_, _ = w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			ctx := context.Background()
			if tt.contextTimeout {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Millisecond)
				defer cancel()
			}

			err := PostJSON(ctx, server.URL, tt.requestBody, tt.responseBody)
			if tt.expectError && err == nil {
				t.Errorf("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if !tt.expectError && tt.responseBody != nil {
				respMap := tt.responseBody.(*map[string]string)
				if (*respMap)["status"] != "ok" {
					t.Errorf("Expected response status 'ok', got %v", *respMap)
				}
			}
		})
	}
}

// TestStatusError verifies non-2xx answers are reported with their code.
func TestStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	err := GetJSON(context.Background(), server.URL, &map[string]any{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Expected *StatusError, got %T (%v)", err, err)
	}
	if se.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", se.Code)
	}
}

// TestGetBytes covers the raw state download helper.
func TestGetBytes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte{1, 2, 3})
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()
	ctx := context.Background()

	b, err := GetBytes(ctx, server.URL+"/ok")
	if err != nil || len(b) != 3 {
		t.Errorf("Expected 3 bytes, got %v (%v)", b, err)
	}

	b, err = GetBytes(ctx, server.URL+"/missing")
	if err != nil || b != nil {
		t.Errorf("Expected nil, nil for 404, got %v, %v", b, err)
	}

	if _, err := GetBytes(ctx, server.URL+"/broken"); err == nil {
		t.Error("Expected error for 502")
	}
}

// TestGetJSONInvalidURL tests GetJSON with unusable URLs.
func TestGetJSONInvalidURL(t *testing.T) {
	ctx := context.Background()
	var out map[string]any
	if err := GetJSON(ctx, "://invalid-url", &out); err == nil {
		t.Error("Expected error for invalid URL, got none")
	}
	if err := GetJSON(ctx, "http://localhost:99999", &out); err == nil {
		t.Error("Expected error for unreachable server, got none")
	}
}
