package router

import (
	"sort"

	"loom/internal/capability"
	"loom/internal/mesh"
	"loom/internal/trust"
)

// Request is a unit of inference work to be placed: served by the local
// model or forwarded to a mesh peer. Payload is opaque to the router.
type Request struct {
	ID             string `json:"id"`
	OriginDeviceID string `json:"originDeviceId"`
	Payload        []byte `json:"payload"`
	HopBudget      int    `json:"hopBudget"`
	MaxPrice       *int64 `json:"maxPrice,omitempty"`
}

// DecisionKind is the routing outcome class.
type DecisionKind string

const (
	ServeLocally DecisionKind = "serve_locally"
	Forward      DecisionKind = "forward"
	Reject       DecisionKind = "reject"
)

// RejectReason distinguishes why no target was chosen. Callers branch on
// these, so they are never collapsed into a generic error.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectNoCapablePeer  RejectReason = "no_capable_peer"
	RejectPriceExceeded  RejectReason = "price_exceeded"
	RejectInvalidRequest RejectReason = "invalid_request"
)

// Decision is the outcome of routing one request.
type Decision struct {
	Kind   DecisionKind `json:"kind"`
	PeerID string       `json:"peerId,omitempty"`
	Reason RejectReason `json:"reason,omitempty"`
}

// TrustSource supplies the trust tier used as a ranking tie-break.
type TrustSource interface {
	LevelFor(deviceID string) trust.Level
}

// LoadFunc reports local serving load: live sessions and the concurrency
// limit. The router serves locally only while there is headroom.
type LoadFunc func() (active, max int)

// Router selects a target for a pending request. Routing is synchronous,
// total and free of side effects: it never blocks, never mutates topology
// or trust state, and always returns a decision for a well-formed request.
type Router struct {
	trust TrustSource
	load  LoadFunc
}

func New(trustSource TrustSource, load LoadFunc) *Router {
	return &Router{trust: trustSource, load: load}
}

// Route picks a target for req given the local capability snapshot and the
// connected peer set. The peer slice is a topology snapshot; the router
// treats it as read-only.
func (r *Router) Route(req Request, local capability.Capability, peers []mesh.Peer) Decision {
	if req.HopBudget < 0 {
		return Decision{Kind: Reject, Reason: RejectInvalidRequest}
	}

	if local.HasLocalModel && r.hasLocalHeadroom() {
		return Decision{Kind: ServeLocally}
	}

	candidates := make([]mesh.Peer, 0, len(peers))
	for _, peer := range peers {
		if peer.HopCount > req.HopBudget {
			continue
		}
		if !peer.Capability.HasLocalModel {
			continue
		}
		candidates = append(candidates, peer)
	}
	if len(candidates) == 0 {
		return Decision{Kind: Reject, Reason: RejectNoCapablePeer}
	}

	r.rank(candidates)

	// Walk the ranked list past peers whose advertised price is above the
	// requester's ceiling.
	priceFiltered := false
	for _, peer := range candidates {
		if req.MaxPrice != nil && peer.PricePerRequest > *req.MaxPrice {
			priceFiltered = true
			continue
		}
		return Decision{Kind: Forward, PeerID: peer.ID}
	}

	if priceFiltered {
		return Decision{Kind: Reject, Reason: RejectPriceExceeded}
	}
	return Decision{Kind: Reject, Reason: RejectNoCapablePeer}
}

func (r *Router) hasLocalHeadroom() bool {
	if r.load == nil {
		return true
	}
	active, max := r.load()
	return active < max
}

// rank orders candidates by capability score descending, then trust level
// descending, then hop count ascending, then device ID ascending. The
// final key makes the ordering total, so routing is deterministic for a
// fixed topology snapshot.
func (r *Router) rank(candidates []mesh.Peer) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Capability.Score != b.Capability.Score {
			return a.Capability.Score > b.Capability.Score
		}
		la, lb := r.levelFor(a.ID), r.levelFor(b.ID)
		if la != lb {
			return la > lb
		}
		if a.HopCount != b.HopCount {
			return a.HopCount < b.HopCount
		}
		return a.ID < b.ID
	})
}

func (r *Router) levelFor(deviceID string) trust.Level {
	if r.trust == nil {
		return trust.LevelLow
	}
	return r.trust.LevelFor(deviceID)
}
