package mesh

import (
	"encoding/json"
	"fmt"
	"time"

	"loom/internal/capability"
)

// Advertisement is the wire value gossiped between peers: who a device is,
// what it can serve, at what price, and how far away it is.
type Advertisement struct {
	DeviceID        string                `json:"deviceId"`
	Name            string                `json:"name"`
	Capability      capability.Capability `json:"capability"`
	PricePerRequest int64                 `json:"pricePerRequest"`
	ServeAddress    string                `json:"serveAddress,omitempty"` // empty while the peer's server is stopped
	HopCount        int                   `json:"hopCount"`
	Timestamp       time.Time             `json:"timestamp"`
}

// Validate rejects advertisements that cannot come from a well-behaved
// transport.
func (a Advertisement) Validate() error {
	if a.DeviceID == "" {
		return fmt.Errorf("advertisement missing device id")
	}
	if a.HopCount < 1 {
		return fmt.Errorf("advertisement hop count %d below 1", a.HopCount)
	}
	if a.Timestamp.IsZero() {
		return fmt.Errorf("advertisement missing timestamp")
	}
	return nil
}

// Leave is the wire value announcing a deliberate departure from the mesh.
type Leave struct {
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
}

func (a Advertisement) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

func UnmarshalAdvertisement(data []byte) (Advertisement, error) {
	var advert Advertisement
	if err := json.Unmarshal(data, &advert); err != nil {
		return Advertisement{}, fmt.Errorf("failed to decode advertisement: %w", err)
	}
	return advert, nil
}
