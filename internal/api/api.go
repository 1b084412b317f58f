package api

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"loom/internal/ledger"
	"loom/internal/mesh"
	"loom/internal/remote"
	"loom/internal/router"
	"loom/internal/server"
	"loom/internal/state"
	"loom/internal/trust"
)

const defaultHopBudget = 3

func SetupRoutes(appState *state.State) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// Health check, covering the mesh transport when one is attached.
	r.GET("/health", func(c *gin.Context) {
		resp := gin.H{
			"status":  "ok",
			"service": "loom",
		}
		if appState.Stream != nil {
			if err := appState.Stream.HealthCheck(c.Request.Context()); err != nil {
				resp["status"] = "degraded"
				resp["mesh"] = err.Error()
				c.JSON(503, resp)
				return
			}
			resp["mesh"] = "connected"
		}
		c.JSON(200, resp)
	})

	// API v1 routes
	v1 := r.Group("/v1")
	{
		// Inference routing
		v1.POST("/route", routeRequestHandler(appState))

		// Mesh visibility
		v1.GET("/mesh/peers", listPeers(appState))
		v1.GET("/mesh/stats", getMeshStats(appState))
		v1.GET("/capability", getCapability(appState))

		// Trust scores
		v1.GET("/trust/:deviceId", getTrustScore(appState))
		v1.DELETE("/trust/:deviceId", resetTrustScore(appState))

		// Token ledger
		v1.GET("/ledger/balance", getBalance(appState))
		v1.GET("/ledger/transactions", listTransactions(appState))
		v1.POST("/ledger/adjust", adjustBalance(appState))

		// Inference server lifecycle
		v1.GET("/server/status", getServerStatus(appState))
		v1.POST("/server/start", startServer(appState))
		v1.POST("/server/stop", stopServer(appState))
		v1.POST("/server/pairing/regenerate", regeneratePairingCode(appState))
	}

	return r
}

type routeRequest struct {
	RequestID      string `json:"requestId"`
	Payload        string `json:"payload" binding:"required"`
	HopBudget      *int   `json:"hopBudget"`
	MaxPrice       *int64 `json:"maxPrice"`
	PairingCode    string `json:"pairingCode"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

func routeRequestHandler(appState *state.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body routeRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if body.RequestID == "" {
			body.RequestID = uuid.New().String()
		}
		hopBudget := defaultHopBudget
		if body.HopBudget != nil {
			hopBudget = *body.HopBudget
		}

		req := router.Request{
			ID:             body.RequestID,
			OriginDeviceID: appState.Config.Node.DeviceID,
			Payload:        []byte(body.Payload),
			HopBudget:      hopBudget,
			MaxPrice:       body.MaxPrice,
		}

		local := appState.Provider.Snapshot()
		peers := appState.Topology.ConnectedPeers()
		decision := appState.Router.Route(req, local, peers)

		switch decision.Kind {
		case router.ServeLocally:
			serveLocal(c, appState, req)
		case router.Forward:
			forwardToPeer(c, appState, req, decision.PeerID, body.PairingCode, body.TimeoutSeconds)
		default:
			status := 503
			if decision.Reason == router.RejectInvalidRequest {
				status = 400
			} else if decision.Reason == router.RejectPriceExceeded {
				status = 402
			}
			c.JSON(status, gin.H{"decision": decision})
		}
	}
}

func serveLocal(c *gin.Context, appState *state.State, req router.Request) {
	exec := appState.Server.Executor()
	if exec == nil {
		c.JSON(503, gin.H{"error": "no model runtime attached"})
		return
	}

	// Local serves occupy a concurrency slot like admitted sessions, so the
	// router's headroom check saturates under pure local traffic too.
	release := appState.Server.BeginLocalServe()
	defer release()

	var output []byte
	err := exec.Execute(c.Request.Context(), req.Payload, func(chunk []byte) error {
		output = append(output, chunk...)
		return nil
	})
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, gin.H{
		"decision":  router.Decision{Kind: router.ServeLocally},
		"requestId": req.ID,
		"output":    string(output),
		"price":     0,
	})
}

func forwardToPeer(c *gin.Context, appState *state.State, req router.Request, peerID, pairingCode string, timeoutSeconds int) {
	peer, ok := findPeer(appState.Topology.ConnectedPeers(), peerID)
	if !ok || peer.ServeAddress == "" {
		c.JSON(503, gin.H{"error": "selected peer is not accepting requests", "peerId": peerID})
		return
	}

	// A request we cannot pay for must never reach the peer.
	if appState.Ledger.Balance() < peer.PricePerRequest {
		c.JSON(402, gin.H{
			"error":   ledger.ErrInsufficientBalance.Error(),
			"balance": appState.Ledger.Balance(),
			"price":   peer.PricePerRequest,
		})
		return
	}

	timeout := 60 * time.Second
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	result, err := appState.Remote.Forward(ctx, peer.ServeAddress, pairingCode, req.OriginDeviceID, req, appState.Ledger.Balance())
	if err != nil {
		appState.Trust.RecordOutcome(peer.ID, trust.OutcomeFailure, 1)
		var priced *remote.PriceRejected
		if errors.As(err, &priced) {
			c.JSON(402, gin.H{"error": priced.Error(), "peerId": peer.ID})
			return
		}
		c.JSON(502, gin.H{"error": err.Error(), "peerId": peer.ID})
		return
	}

	// Payment settles before the peer is credited with a success: output
	// the requester could not pay for must never improve the peer's score.
	if result.Price > 0 {
		if _, err := appState.Ledger.Spend(result.Price, ledger.ReasonPaidRequest); err != nil {
			appState.Logger.WithError(err).WithField("peer", peer.ID).Error("failed to settle forwarded request")
			c.JSON(402, gin.H{"error": err.Error(), "peerId": peer.ID})
			return
		}
	}
	appState.Trust.RecordOutcome(peer.ID, trust.OutcomeSuccess, 1)

	c.JSON(200, gin.H{
		"decision":  router.Decision{Kind: router.Forward, PeerID: peer.ID},
		"requestId": req.ID,
		"output":    string(result.Output),
		"price":     result.Price,
	})
}

func findPeer(peers []mesh.Peer, id string) (mesh.Peer, bool) {
	for _, peer := range peers {
		if peer.ID == id {
			return peer, true
		}
	}
	return mesh.Peer{}, false
}

func listPeers(appState *state.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{"peers": appState.Topology.AllPeers()})
	}
}

func getMeshStats(appState *state.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, appState.Topology.Stats())
	}
}

func getCapability(appState *state.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, appState.Provider.Snapshot())
	}
}

func getTrustScore(appState *state.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := c.Param("deviceId")
		score, ok := appState.Trust.ScoreFor(deviceID)
		if !ok {
			c.JSON(404, gin.H{"error": "device never observed"})
			return
		}
		c.JSON(200, gin.H{
			"deviceId":    score.DeviceID,
			"rawScore":    score.RawScore,
			"sampleCount": score.SampleCount,
			"level":       appState.Trust.LevelFor(deviceID).String(),
		})
	}
}

func resetTrustScore(appState *state.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		appState.Trust.Reset(c.Param("deviceId"))
		c.JSON(200, gin.H{"status": "reset"})
	}
}

func getBalance(appState *state.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{"balance": appState.Ledger.Balance()})
	}
}

func listTransactions(appState *state.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{"transactions": appState.Ledger.Transactions()})
	}
}

type adjustRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// adjustBalance applies a manual correction: positive amounts credit,
// negative amounts debit against the non-negative balance rule.
func adjustBalance(appState *state.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body adjustRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		var tx ledger.Transaction
		var err error
		if body.Amount > 0 {
			tx, err = appState.Ledger.Earn(body.Amount, ledger.ReasonAdjustment)
		} else {
			tx, err = appState.Ledger.Spend(-body.Amount, ledger.ReasonAdjustment)
		}
		if err != nil {
			status := 400
			if errors.Is(err, ledger.ErrInsufficientBalance) {
				status = 402
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"transaction": tx, "balance": appState.Ledger.Balance()})
	}
}

func getServerStatus(appState *state.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, appState.Server.Status())
	}
}

func startServer(appState *state.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := appState.Server.Start(); err != nil {
			status := 500
			switch {
			case errors.Is(err, server.ErrAlreadyRunning):
				status = 409
			case errors.Is(err, server.ErrConfigConflict):
				status = 400
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{
			"state":       appState.Server.State(),
			"address":     appState.Server.Address(),
			"pairingCode": appState.Server.PairingCode(),
		})
	}
}

func stopServer(appState *state.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := appState.Server.Stop(); err != nil {
			status := 500
			if errors.Is(err, server.ErrNotRunning) {
				status = 409
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"state": appState.Server.State()})
	}
}

func regeneratePairingCode(appState *state.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{"pairingCode": appState.Server.RegeneratePairingCode()})
	}
}
