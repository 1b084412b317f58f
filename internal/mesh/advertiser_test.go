package mesh

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"loom/internal/capability"
	"loom/internal/stream"
)

// fakeStream is an in-process pub/sub: published messages are delivered
// synchronously to local subscribers.
type fakeStream struct {
	mu       sync.Mutex
	handlers map[string][]stream.MessageHandler
	sent     map[string][][]byte
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		handlers: make(map[string][]stream.MessageHandler),
		sent:     make(map[string][][]byte),
	}
}

func (f *fakeStream) Publish(ctx context.Context, subject string, data []byte) error {
	f.mu.Lock()
	f.sent[subject] = append(f.sent[subject], data)
	handlers := append([]stream.MessageHandler(nil), f.handlers[subject]...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(&stream.Message{Subject: subject, Data: data, Timestamp: time.Now()})
	}
	return nil
}

func (f *fakeStream) Subscribe(ctx context.Context, subject string, handler stream.MessageHandler) (stream.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subject] = append(f.handlers[subject], handler)
	return fakeSubscription(subject), nil
}

func (f *fakeStream) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeStream) Close() error                          { return nil }

func (f *fakeStream) published(subject string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent[subject]...)
}

type fakeSubscription string

func (s fakeSubscription) Unsubscribe() error { return nil }

func testAdvertiser(deviceID string, topo *Topology, fs *fakeStream) *Advertiser {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	provider := &capability.StaticProvider{
		Capability: capability.Capability{HasLocalModel: true, FreeMemoryGB: 4},
		Weights:    capability.DefaultScoreWeights(),
	}
	serve := func() ServeInfo {
		return ServeInfo{PricePerRequest: 7, Address: "127.0.0.1:7621"}
	}
	return NewAdvertiser(deviceID, "node "+deviceID, provider, serve, topo, fs, 50*time.Millisecond, logger)
}

func TestAdvertiserBroadcastsServeInfo(t *testing.T) {
	fs := newFakeStream()
	topo := NewTopology(DefaultConfig(), nil)
	adv := testAdvertiser("self", topo, fs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		adv.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(fs.published(stream.SubjectAdvert)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	published := fs.published(stream.SubjectAdvert)
	if len(published) == 0 {
		t.Fatal("no advertisement published")
	}
	got, err := UnmarshalAdvertisement(published[0])
	if err != nil {
		t.Fatalf("decode published advertisement: %v", err)
	}
	if got.DeviceID != "self" || got.HopCount != 1 {
		t.Errorf("unexpected advertisement identity: %+v", got)
	}
	if got.PricePerRequest != 7 || got.ServeAddress != "127.0.0.1:7621" {
		t.Errorf("serve info missing from advertisement: %+v", got)
	}
	if got.Capability.Score == 0 {
		t.Error("advertisement should carry a scored capability")
	}

	// Its own broadcast was echoed back and must not appear as a peer.
	if n := len(topo.AllPeers()); n != 0 {
		t.Errorf("own advertisement created %d peers", n)
	}
}

func TestAdvertiserAppliesInboundAdverts(t *testing.T) {
	fs := newFakeStream()
	topo := NewTopology(DefaultConfig(), nil)
	adv := testAdvertiser("self", topo, fs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		adv.Run(ctx)
		close(done)
	}()
	defer func() { cancel(); <-done }()

	// Give Run a moment to subscribe before injecting.
	deadline := time.Now().Add(2 * time.Second)
	for len(fs.published(stream.SubjectAdvert)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	data, _ := advert("other", 2, time.Now()).Marshal()
	fs.Publish(context.Background(), stream.SubjectAdvert, data)

	peers := topo.ConnectedPeers()
	if len(peers) != 1 || peers[0].ID != "other" {
		t.Fatalf("inbound advertisement not applied: %+v", peers)
	}
}

func TestAdvertiserHandlesLeaveAndAnnouncesOwn(t *testing.T) {
	fs := newFakeStream()
	topo := NewTopology(DefaultConfig(), nil)
	adv := testAdvertiser("self", topo, fs)

	topo.Apply(advert("other", 1, time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		adv.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(fs.published(stream.SubjectAdvert)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	leave, _ := json.Marshal(Leave{DeviceID: "other", Timestamp: time.Now()})
	fs.Publish(context.Background(), stream.SubjectLeave, leave)
	if len(topo.AllPeers()) != 0 {
		t.Error("peer leave should remove it from the topology")
	}

	cancel()
	<-done

	// Shutdown announces this device's departure.
	published := fs.published(stream.SubjectLeave)
	found := false
	for _, data := range published {
		var msg Leave
		if json.Unmarshal(data, &msg) == nil && msg.DeviceID == "self" {
			found = true
		}
	}
	if !found {
		t.Error("expected own leave message on shutdown")
	}
}
