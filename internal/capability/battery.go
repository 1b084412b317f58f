package capability

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SysfsBattery reads battery state from the Linux power_supply class. Root
// is configurable so tests can point it at a fixture directory; it defaults
// to /sys/class/power_supply.
type SysfsBattery struct {
	Root string
}

func NewSysfsBattery() *SysfsBattery {
	return &SysfsBattery{Root: "/sys/class/power_supply"}
}

// Read scans for the first BAT* supply and returns its level in [0,1] and
// charging state. A missing or unreadable battery yields a nil level.
func (b *SysfsBattery) Read() (*float64, bool) {
	entries, err := os.ReadDir(b.Root)
	if err != nil {
		return nil, false
	}

	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "BAT") {
			continue
		}
		dir := filepath.Join(b.Root, entry.Name())

		raw, err := os.ReadFile(filepath.Join(dir, "capacity"))
		if err != nil {
			continue
		}
		pct, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil || pct < 0 || pct > 100 {
			continue
		}
		level := float64(pct) / 100

		charging := false
		if status, err := os.ReadFile(filepath.Join(dir, "status")); err == nil {
			switch strings.TrimSpace(string(status)) {
			case "Charging", "Full":
				charging = true
			}
		}
		return &level, charging
	}

	return nil, false
}
