package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestJSON(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		data       interface{}
		wantStatus int
		wantBody   string
	}{
		{
			name:       "success with data",
			statusCode: http.StatusOK,
			data:       map[string]string{"status": "healthy"},
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"healthy"}`,
		},
		{
			name:       "unavailable with data",
			statusCode: http.StatusServiceUnavailable,
			data:       map[string]bool{"ready": false},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"ready":false}`,
		},
		{
			name:       "no content",
			statusCode: http.StatusNoContent,
			data:       nil,
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			JSON(w, tt.statusCode, tt.data)

			if w.Code != tt.wantStatus {
				t.Errorf("JSON() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if tt.data == nil {
				if w.Body.Len() != 0 {
					t.Errorf("expected empty body, got %q", w.Body.String())
				}
				return
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("JSON() Content-Type = %v, want application/json", ct)
			}

			var got, want interface{}
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
			if err := json.Unmarshal([]byte(tt.wantBody), &want); err != nil {
				t.Fatalf("failed to unmarshal expected: %v", err)
			}
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(want)
			if string(gotJSON) != string(wantJSON) {
				t.Errorf("JSON() body = %s, want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestJSON_EncodingFailure(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]interface{}{"bad": make(chan int)})

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for unencodable data, got %d", w.Code)
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "tiers unhealthy", "req-1")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Error() status = %v, want 503", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Error.Code != ErrCodeServiceUnavailable || resp.Error.Message != "tiers unhealthy" || resp.Error.RequestID != "req-1" {
		t.Errorf("unexpected error body %+v", resp.Error)
	}
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{fmt.Errorf("health: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, ErrCodeGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalServer},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		HandleError(w, tt.err, "req")

		if w.Code != tt.wantStatus {
			t.Errorf("HandleError(%v) status = %d, want %d", tt.err, w.Code, tt.wantStatus)
		}
		var resp ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		if resp.Error.Code != tt.wantCode {
			t.Errorf("HandleError(%v) code = %s, want %s", tt.err, resp.Error.Code, tt.wantCode)
		}
	}
}
