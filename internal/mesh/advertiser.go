package mesh

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"loom/internal/capability"
	"loom/internal/stream"
)

// ServeInfo is the serving side of an outbound advertisement: what a
// request costs and where to send it. Address is empty while the local
// server is not accepting work.
type ServeInfo struct {
	PricePerRequest int64
	Address         string
}

// ServeInfoSource supplies the current serve info for outbound
// advertisements, so price and lifecycle changes show up on the mesh
// without restarting the advertiser.
type ServeInfoSource func() ServeInfo

// Advertiser gossips the local device onto the mesh and feeds inbound
// advertisements into the topology.
type Advertiser struct {
	deviceID string
	name     string
	provider capability.Provider
	serve    ServeInfoSource
	topology *Topology
	stream   stream.Stream
	interval time.Duration
	logger   *logrus.Logger
}

func NewAdvertiser(deviceID, name string, provider capability.Provider, serve ServeInfoSource, topology *Topology, s stream.Stream, interval time.Duration, logger *logrus.Logger) *Advertiser {
	return &Advertiser{
		deviceID: deviceID,
		name:     name,
		provider: provider,
		serve:    serve,
		topology: topology,
		stream:   s,
		interval: interval,
		logger:   logger,
	}
}

// Run subscribes to mesh gossip and broadcasts the local capability on a
// fixed interval until ctx is cancelled. On shutdown a leave message is
// published so peers can drop this device without waiting for expiry.
func (a *Advertiser) Run(ctx context.Context) error {
	advertSub, err := a.stream.Subscribe(ctx, stream.SubjectAdvert, a.handleAdvert)
	if err != nil {
		return err
	}
	defer advertSub.Unsubscribe()

	leaveSub, err := a.stream.Subscribe(ctx, stream.SubjectLeave, a.handleLeave)
	if err != nil {
		return err
	}
	defer leaveSub.Unsubscribe()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.broadcast(ctx)
	for {
		select {
		case <-ctx.Done():
			a.announceLeave()
			return ctx.Err()
		case <-ticker.C:
			a.broadcast(ctx)
		}
	}
}

func (a *Advertiser) broadcast(ctx context.Context) {
	info := a.serve()
	advert := Advertisement{
		DeviceID:        a.deviceID,
		Name:            a.name,
		Capability:      a.provider.Snapshot(),
		PricePerRequest: info.PricePerRequest,
		ServeAddress:    info.Address,
		HopCount:        1,
		Timestamp:       time.Now(),
	}
	data, err := advert.Marshal()
	if err != nil {
		a.logger.WithError(err).Error("failed to encode advertisement")
		return
	}
	if err := a.stream.Publish(ctx, stream.SubjectAdvert, data); err != nil {
		a.logger.WithError(err).Warn("failed to publish advertisement")
	}
}

func (a *Advertiser) handleAdvert(msg *stream.Message) error {
	advert, err := UnmarshalAdvertisement(msg.Data)
	if err != nil {
		return err
	}
	if advert.DeviceID == a.deviceID {
		return nil // own broadcast echoed back
	}
	if err := advert.Validate(); err != nil {
		return err
	}
	if a.topology.Apply(advert) {
		a.logger.WithFields(logrus.Fields{
			"peer":  advert.DeviceID,
			"hops":  advert.HopCount,
			"score": advert.Capability.Score,
		}).Debug("peer advertisement applied")
	}
	return nil
}

func (a *Advertiser) handleLeave(msg *stream.Message) error {
	var leave Leave
	if err := json.Unmarshal(msg.Data, &leave); err != nil {
		return err
	}
	if leave.DeviceID == "" || leave.DeviceID == a.deviceID {
		return nil
	}
	a.topology.Disconnect(leave.DeviceID)
	a.logger.WithField("peer", leave.DeviceID).Info("peer left the mesh")
	return nil
}

func (a *Advertiser) announceLeave() {
	leave := Leave{DeviceID: a.deviceID, Timestamp: time.Now()}
	data, err := json.Marshal(leave)
	if err != nil {
		return
	}
	// Best effort: the topology expiry sweep covers a lost leave message.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.stream.Publish(ctx, stream.SubjectLeave, data); err != nil {
		a.logger.WithError(err).Debug("failed to publish leave")
	}
}
