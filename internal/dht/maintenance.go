package dht

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type MaintenanceConfig struct {
	// LivenessWindow is how long a peer may go unseen before it is probed.
	LivenessWindow time.Duration
	// SweepInterval is how often stale peers are probed.
	SweepInterval time.Duration
	// RefreshInterval is how often a random-target lookup refreshes buckets.
	RefreshInterval time.Duration
	// Lookup parametrizes the refresh lookups.
	Lookup LookupConfig
}

func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		LivenessWindow:  2 * time.Minute,
		SweepInterval:   30 * time.Second,
		RefreshInterval: 10 * time.Minute,
		Lookup:          DefaultLookupConfig(),
	}
}

// RunMaintenance keeps the table healthy until ctx is cancelled: stale peers
// are probed and evicted after three consecutive failures, and buckets are
// refreshed with random-target lookups.
func (d *DHT) RunMaintenance(ctx context.Context, s Sender, cfg MaintenanceConfig) {
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 2 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 10 * time.Minute
	}

	sweep := time.NewTicker(cfg.SweepInterval)
	defer sweep.Stop()
	refresh := time.NewTicker(cfg.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			d.sweepStale(ctx, s, cfg.LivenessWindow)
		case <-refresh.C:
			target := RandomNodeID()
			_ = d.IterativeFindNode(s, target, cfg.Lookup)
		}
	}
}

func (d *DHT) sweepStale(ctx context.Context, s Sender, window time.Duration) {
	for _, p := range d.rt.Stale(window, time.Now()) {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rtt, err := d.Ping(s, p.ID, d.probeTimeout)
		if err != nil {
			if d.rt.NoteProbeFailure(p.ID) {
				d.log.Debug("peer evicted after repeated probe failures",
					zap.String("peer", p.ID.Short()))
			}
			continue
		}
		d.rt.NoteProbeSuccess(p.ID, rtt)
	}
	d.metrics.SetTableSize(d.rt.Size())
}
