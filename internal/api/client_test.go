// internal/api/client_test.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stepbus/stepbus/pkg/core"
)

func TestNew_TrimsTrailingSlash(t *testing.T) {
	c := New("http://localhost:8080/")
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("expected trailing slash trimmed, got %s", c.baseURL)
	}
	if c.httpClient == nil {
		t.Error("httpClient is nil")
	}
}

func TestHealthcheck_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			t.Errorf("expected path /status, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := New(server.URL).Healthcheck(context.Background()); err != nil {
		t.Errorf("Healthcheck failed: %v", err)
	}
}

func TestHealthcheck_ServerDown(t *testing.T) {
	c := New("http://localhost:59999") // unlikely to be listening
	if err := c.Healthcheck(context.Background()); err == nil {
		t.Error("expected error for unreachable server")
	}
}

func TestSendStep(t *testing.T) {
	var gotEndian string
	var gotStep core.DrivingStep

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/steps" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotEndian = r.URL.Query().Get("endian")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotStep)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"step_name":"Highway Cruise","endian":"big","order_key":4}`))
	}))
	defer server.Close()

	notice, err := New(server.URL).SendStep(context.Background(), core.DrivingStep{StepName: "Highway Cruise"}, core.BigEndian)
	if err != nil {
		t.Fatalf("SendStep failed: %v", err)
	}
	if gotEndian != "big" {
		t.Errorf("expected endian=big, got %q", gotEndian)
	}
	if gotStep.StepName != "Highway Cruise" {
		t.Errorf("expected step name to be sent, got %q", gotStep.StepName)
	}
	if notice.OrderKey != 4 || notice.ByteOrder != core.BigEndian {
		t.Errorf("unexpected notice %+v", notice)
	}
}

func TestStep_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/steps/9" {
			t.Errorf("expected path /steps/9, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":404,"message":"Not found: step 9","error_type":"NotFound"}`))
	}))
	defer server.Close()

	_, err := New(server.URL).Step(context.Background(), 9)
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.ErrorType != "NotFound" {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

func TestServerErrorWithoutBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := New(server.URL).ListSteps(context.Background())
	if err == nil || err.Error() != "server returned status 502" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFramesAndEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/can":
			if r.URL.Query().Get("limit") != "3" {
				t.Errorf("expected limit=3, got %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`[{"id":256,"dlc":5,"data":[232,3,30,0,1,0,0,0],"order_key":1}]`))
		case "/events":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"6f1c3a2e-0d5b-4d53-9a43-1e2f3a4b5c6d","message":"hi"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	c := New(server.URL)
	frames, err := c.Frames(context.Background(), 3)
	if err != nil {
		t.Fatalf("Frames failed: %v", err)
	}
	if len(frames) != 1 || frames[0].ID != 0x100 || frames[0].Data[0] != 0xE8 {
		t.Errorf("unexpected frames %+v", frames)
	}

	e, err := c.RecordEvent(context.Background(), "hi")
	if err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if e.Message != "hi" {
		t.Errorf("unexpected event %+v", e)
	}
}
