package router

import (
	"testing"
	"time"

	"loom/internal/capability"
	"loom/internal/mesh"
	"loom/internal/trust"
)

type fakeTrust struct {
	levels map[string]trust.Level
}

func (f *fakeTrust) LevelFor(deviceID string) trust.Level {
	if l, ok := f.levels[deviceID]; ok {
		return l
	}
	return trust.LevelLow
}

func peer(id string, score float64, hop int, price int64, hasModel bool) mesh.Peer {
	return mesh.Peer{
		ID:              id,
		HopCount:        hop,
		PricePerRequest: price,
		LastSeen:        time.Now(),
		State:           mesh.PeerConnected,
		Capability: capability.Capability{
			HasLocalModel: hasModel,
			Score:         score,
		},
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestServeLocallyWithHeadroom(t *testing.T) {
	r := New(nil, func() (int, int) { return 1, 4 })
	local := capability.Capability{HasLocalModel: true, Score: 50}

	d := r.Route(Request{HopBudget: 2}, local, []mesh.Peer{peer("a", 90, 1, 0, true)})
	if d.Kind != ServeLocally {
		t.Fatalf("expected local serve, got %+v", d)
	}
}

func TestForwardWhenLocalSaturated(t *testing.T) {
	r := New(nil, func() (int, int) { return 4, 4 })
	local := capability.Capability{HasLocalModel: true, Score: 50}

	d := r.Route(Request{HopBudget: 2}, local, []mesh.Peer{peer("a", 90, 1, 0, true)})
	if d.Kind != Forward || d.PeerID != "a" {
		t.Fatalf("expected forward to a, got %+v", d)
	}
}

func TestForwardToHighestScore(t *testing.T) {
	r := New(nil, nil)
	peers := []mesh.Peer{
		peer("b", 40, 1, 0, true),
		peer("a", 82, 1, 0, true),
	}

	d := r.Route(Request{HopBudget: 2}, capability.Capability{}, peers)
	if d.Kind != Forward || d.PeerID != "a" {
		t.Fatalf("expected forward to a (score 82), got %+v", d)
	}
}

func TestPriceCeilingWalksDownRanking(t *testing.T) {
	r := New(nil, nil)
	peers := []mesh.Peer{
		peer("a", 82, 1, 20, true),
		peer("b", 40, 1, 5, true),
	}

	d := r.Route(Request{HopBudget: 2, MaxPrice: int64Ptr(10)}, capability.Capability{}, peers)
	if d.Kind != Forward || d.PeerID != "b" {
		t.Fatalf("expected forward to b under price ceiling, got %+v", d)
	}
}

func TestRejectPriceExceeded(t *testing.T) {
	r := New(nil, nil)
	peers := []mesh.Peer{peer("a", 82, 1, 20, true)}

	d := r.Route(Request{HopBudget: 2, MaxPrice: int64Ptr(10)}, capability.Capability{}, peers)
	if d.Kind != Reject || d.Reason != RejectPriceExceeded {
		t.Fatalf("expected price_exceeded reject, got %+v", d)
	}
}

func TestRejectNoCapablePeer(t *testing.T) {
	r := New(nil, nil)
	peers := []mesh.Peer{
		peer("far", 90, 3, 0, true),   // out of hop budget
		peer("dumb", 90, 1, 0, false), // no model
	}

	d := r.Route(Request{HopBudget: 2}, capability.Capability{}, peers)
	if d.Kind != Reject || d.Reason != RejectNoCapablePeer {
		t.Fatalf("expected no_capable_peer reject, got %+v", d)
	}
}

func TestRejectInvalidRequest(t *testing.T) {
	r := New(nil, nil)
	d := r.Route(Request{HopBudget: -1}, capability.Capability{}, nil)
	if d.Kind != Reject || d.Reason != RejectInvalidRequest {
		t.Fatalf("expected invalid_request reject, got %+v", d)
	}
}

func TestTieBreakByTrustThenHopThenID(t *testing.T) {
	trustSource := &fakeTrust{levels: map[string]trust.Level{
		"trusted":  trust.LevelHigh,
		"stranger": trust.LevelLow,
	}}
	r := New(trustSource, nil)

	// Equal scores: trust decides.
	d := r.Route(Request{HopBudget: 3}, capability.Capability{}, []mesh.Peer{
		peer("stranger", 50, 1, 0, true),
		peer("trusted", 50, 2, 0, true),
	})
	if d.PeerID != "trusted" {
		t.Errorf("trust tie-break failed: %+v", d)
	}

	// Equal score and trust: fewer hops win.
	d = r.Route(Request{HopBudget: 3}, capability.Capability{}, []mesh.Peer{
		peer("x", 50, 2, 0, true),
		peer("y", 50, 1, 0, true),
	})
	if d.PeerID != "y" {
		t.Errorf("hop tie-break failed: %+v", d)
	}

	// Full tie: lowest device ID for determinism.
	d = r.Route(Request{HopBudget: 3}, capability.Capability{}, []mesh.Peer{
		peer("beta", 50, 1, 0, true),
		peer("alpha", 50, 1, 0, true),
	})
	if d.PeerID != "alpha" {
		t.Errorf("id tie-break failed: %+v", d)
	}
}

func TestRouteDeterminism(t *testing.T) {
	r := New(nil, nil)
	peers := []mesh.Peer{
		peer("a", 82, 1, 3, true),
		peer("b", 82, 1, 3, true),
		peer("c", 40, 2, 1, true),
	}
	req := Request{HopBudget: 2, MaxPrice: int64Ptr(5)}

	first := r.Route(req, capability.Capability{}, peers)
	for i := 0; i < 50; i++ {
		if got := r.Route(req, capability.Capability{}, peers); got != first {
			t.Fatalf("routing not deterministic: %+v != %+v", got, first)
		}
	}
}
