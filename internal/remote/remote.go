package remote

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"loom/internal/router"
	"loom/internal/server"
)

// AdmissionRejected is returned when the remote peer refused the request
// at admission, as opposed to a transport failure mid-session. The caller
// decides whether to retry elsewhere; this client never retries.
type AdmissionRejected struct {
	Reason string
}

func (e *AdmissionRejected) Error() string {
	return fmt.Sprintf("peer rejected admission: %s", e.Reason)
}

// PriceRejected is returned when the peer admits at a price above what the
// caller will pay. The session is declined before execution, so nothing is
// charged on either side. The router only picks peers whose advertised
// price fits the request ceiling, so hitting this means the peer admitted
// above its own advertisement.
type PriceRejected struct {
	Price int64
	Limit int64
}

func (e *PriceRejected) Error() string {
	return fmt.Sprintf("peer admitted at price %d above limit %d", e.Price, e.Limit)
}

// Result is the collected output of a forwarded request.
type Result struct {
	Output []byte
	Price  int64
}

// Client forwards inference requests to a peer's private inference server
// over its websocket session endpoint. The caller bounds the whole
// exchange through ctx; on timeout or cancellation the session fails and
// the caller records a failed outcome for the peer.
type Client struct {
	dialer *websocket.Dialer
	logger *logrus.Logger
}

func NewClient(logger *logrus.Logger) *Client {
	return &Client{
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// Forward sends req to the peer at addr and collects the streamed output.
// budget is the most the caller can pay right now (its token balance); the
// admitted price is checked against both budget and req.MaxPrice before
// execution is confirmed.
func (c *Client) Forward(ctx context.Context, addr, pairingCode, clientID string, req router.Request, budget int64) (*Result, error) {
	url := fmt.Sprintf("ws://%s/v1/session/ws", addr)

	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to reach peer %s: %w", addr, err)
	}
	defer conn.Close()

	// The connection honors the caller's deadline for every read/write.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	admit := server.AdmitFrame{
		RequestID:   req.ID,
		ClientID:    clientID,
		PairingCode: pairingCode,
		Payload:     req.Payload,
	}
	if err := conn.WriteJSON(admit); err != nil {
		return nil, fmt.Errorf("failed to send admission request: %w", err)
	}

	var reply server.AdmitReplyFrame
	if err := conn.ReadJSON(&reply); err != nil {
		return nil, fmt.Errorf("failed to read admission reply: %w", err)
	}
	if !reply.Admitted {
		return nil, &AdmissionRejected{Reason: reply.Error}
	}

	// The admitted price is the one that settles, not the advertised one.
	// Decline before execution if it exceeds what the caller agreed to or
	// can pay.
	limit := budget
	if req.MaxPrice != nil && *req.MaxPrice < limit {
		limit = *req.MaxPrice
	}
	if reply.Price > limit {
		conn.WriteJSON(server.AcceptFrame{Accept: false, Reason: "price_exceeded"})
		return nil, &PriceRejected{Price: reply.Price, Limit: limit}
	}
	if err := conn.WriteJSON(server.AcceptFrame{Accept: true}); err != nil {
		return nil, fmt.Errorf("failed to confirm session: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"peer":    addr,
		"session": reply.SessionID,
		"price":   reply.Price,
	}).Debug("admitted by peer")

	var output []byte
	for {
		var frame server.ResultFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return nil, fmt.Errorf("session stream broke: %w", err)
		}
		if frame.Error != "" {
			return nil, fmt.Errorf("peer reported session failure: %s", frame.Error)
		}
		output = append(output, frame.Chunk...)
		if frame.Done {
			return &Result{Output: output, Price: reply.Price}, nil
		}
	}
}
