package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestExecuteStreamsResponse(t *testing.T) {
	var gotBody string
	runtime := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		io.WriteString(w, "model says hello")
	}))
	defer runtime.Close()

	exec := NewHTTP(runtime.URL, quietLogger())
	var output []byte
	err := exec.Execute(context.Background(), []byte(`{"prompt":"hi"}`), func(chunk []byte) error {
		output = append(output, chunk...)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(output) != "model says hello" {
		t.Errorf("unexpected output %q", output)
	}
	if gotBody != `{"prompt":"hi"}` {
		t.Errorf("runtime received %q", gotBody)
	}
}

func TestExecuteRuntimeError(t *testing.T) {
	runtime := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer runtime.Close()

	exec := NewHTTP(runtime.URL, quietLogger())
	err := exec.Execute(context.Background(), []byte("x"), func([]byte) error { return nil })
	if err == nil {
		t.Fatal("expected error for non-200 runtime response")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runtime := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer runtime.Close()

	exec := NewHTTP(runtime.URL, quietLogger())
	if err := exec.Execute(ctx, []byte("x"), func([]byte) error { return nil }); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
