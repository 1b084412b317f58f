package mesh

import (
	"testing"
	"time"

	"loom/internal/capability"
)

type fakeTrust struct {
	scores map[string]float64
}

func (f *fakeTrust) AverageScore(ids []string) float64 {
	sum, n := 0.0, 0
	for _, id := range ids {
		if s, ok := f.scores[id]; ok {
			sum += s
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func advert(id string, hop int, ts time.Time) Advertisement {
	return Advertisement{
		DeviceID:  id,
		Name:      "peer " + id,
		HopCount:  hop,
		Timestamp: ts,
		Capability: capability.Capability{
			HasLocalModel: true,
			FreeMemoryGB:  4,
			Score:         40,
		},
	}
}

func TestApplyCreatesAndUpdates(t *testing.T) {
	topo := NewTopology(DefaultConfig(), nil)
	now := time.Now()

	if !topo.Apply(advert("a", 1, now)) {
		t.Fatal("first advertisement should be applied")
	}
	peers := topo.ConnectedPeers()
	if len(peers) != 1 || peers[0].ID != "a" || peers[0].State != PeerConnected {
		t.Fatalf("unexpected peer set: %+v", peers)
	}

	update := advert("a", 2, now.Add(time.Second))
	update.PricePerRequest = 7
	if !topo.Apply(update) {
		t.Fatal("newer advertisement should be applied")
	}
	peers = topo.ConnectedPeers()
	if peers[0].HopCount != 2 || peers[0].PricePerRequest != 7 {
		t.Fatalf("update not applied: %+v", peers[0])
	}
}

func TestApplyDropsOutOfOrderAdverts(t *testing.T) {
	topo := NewTopology(DefaultConfig(), nil)
	now := time.Now()

	topo.Apply(advert("a", 1, now))

	// Same timestamp and older timestamp are both dropped whole: no field
	// update, no staleness reset.
	if topo.Apply(advert("a", 9, now)) {
		t.Error("equal-timestamp advertisement should be dropped")
	}
	if topo.Apply(advert("a", 9, now.Add(-time.Second))) {
		t.Error("older advertisement should be dropped")
	}
	if got := topo.ConnectedPeers()[0].HopCount; got != 1 {
		t.Errorf("hop count changed by stale advertisement: %d", got)
	}
}

func TestTickStalenessAndExpiry(t *testing.T) {
	cfg := Config{StaleAfter: 30 * time.Second, ExpireAfter: 2 * time.Minute}
	topo := NewTopology(cfg, nil)
	start := time.Now()

	topo.Apply(advert("fresh", 1, start))
	topo.Apply(advert("stale", 1, start.Add(-time.Minute)))
	topo.Apply(advert("gone", 1, start.Add(-3*time.Minute)))

	expired := topo.Tick(start)
	if len(expired) != 1 || expired[0] != "gone" {
		t.Fatalf("expected [gone] expired, got %v", expired)
	}

	connected := topo.ConnectedPeers()
	if len(connected) != 1 || connected[0].ID != "fresh" {
		t.Fatalf("expected only fresh connected, got %+v", connected)
	}
	all := topo.AllPeers()
	if len(all) != 2 {
		t.Fatalf("expected stale peer retained, got %+v", all)
	}

	// A stale peer that advertises again is connected once more.
	topo.Apply(advert("stale", 1, start.Add(time.Second)))
	if got := len(topo.ConnectedPeers()); got != 2 {
		t.Errorf("re-advertised stale peer should be connected, have %d", got)
	}
}

func TestExpiredPeerAbsentFromConnected(t *testing.T) {
	cfg := DefaultConfig()
	topo := NewTopology(cfg, nil)
	start := time.Now()

	topo.Apply(advert("p", 1, start))
	topo.Tick(start.Add(cfg.ExpireAfter + time.Second))

	if len(topo.ConnectedPeers()) != 0 || len(topo.AllPeers()) != 0 {
		t.Error("expired peer must be removed entirely")
	}
}

func TestDisconnect(t *testing.T) {
	topo := NewTopology(DefaultConfig(), nil)
	topo.Apply(advert("a", 1, time.Now()))
	topo.Disconnect("a")
	if len(topo.AllPeers()) != 0 {
		t.Error("disconnected peer should be gone")
	}
}

func TestConnectedPeersStableOrder(t *testing.T) {
	topo := NewTopology(DefaultConfig(), nil)
	now := time.Now()
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		topo.Apply(advert(id, 1, now))
	}

	peers := topo.ConnectedPeers()
	want := []string{"alpha", "bravo", "charlie"}
	for i, id := range want {
		if peers[i].ID != id {
			t.Fatalf("unstable order: got %v at %d, want %v", peers[i].ID, i, id)
		}
	}
}

func TestStats(t *testing.T) {
	trust := &fakeTrust{scores: map[string]float64{"a": 80, "b": 40}}
	topo := NewTopology(DefaultConfig(), trust)
	now := time.Now()

	a := advert("a", 1, now)
	b := advert("b", 3, now)
	b.Capability.HasLocalModel = false
	topo.Apply(a)
	topo.Apply(b)

	stats := topo.Stats()
	if stats.PeerCount != 2 {
		t.Errorf("peer count = %d, want 2", stats.PeerCount)
	}
	if stats.ModelCapableCount != 1 {
		t.Errorf("model-capable count = %d, want 1", stats.ModelCapableCount)
	}
	if stats.MaxHop != 3 {
		t.Errorf("max hop = %d, want 3", stats.MaxHop)
	}
	if stats.AverageTrustScore != 60 {
		t.Errorf("average trust = %v, want 60", stats.AverageTrustScore)
	}
}

func TestAdvertisementValidate(t *testing.T) {
	good := advert("a", 1, time.Now())
	if err := good.Validate(); err != nil {
		t.Errorf("valid advertisement rejected: %v", err)
	}

	bad := good
	bad.DeviceID = ""
	if bad.Validate() == nil {
		t.Error("missing device id should be rejected")
	}

	bad = good
	bad.HopCount = 0
	if bad.Validate() == nil {
		t.Error("hop count below 1 should be rejected")
	}
}
