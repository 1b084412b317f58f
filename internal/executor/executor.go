package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTP runs inference by posting the request payload to a model runtime
// endpoint and streaming the response body back in chunks. The runtime is
// whatever serves the loaded model locally; this package only moves bytes.
type HTTP struct {
	endpoint string
	client   *http.Client
	logger   *logrus.Logger
}

func NewHTTP(endpoint string, logger *logrus.Logger) *HTTP {
	return &HTTP{
		endpoint: endpoint,
		// No client timeout: the session context bounds the exchange.
		client: &http.Client{},
		logger: logger,
	}
}

// Execute posts payload to the runtime and feeds response chunks through
// emit as they arrive. Cancelling ctx aborts the request mid-stream.
func (e *HTTP) Execute(ctx context.Context, payload []byte, emit func(chunk []byte) error) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build runtime request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach model runtime: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("model runtime returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if emitErr := emit(chunk); emitErr != nil {
				return fmt.Errorf("failed to emit chunk: %w", emitErr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("runtime stream broke: %w", err)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"endpoint": e.endpoint,
		"duration": time.Since(start),
	}).Debug("inference completed")
	return nil
}
