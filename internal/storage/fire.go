package storage

import (
	"context"

	"dailycast/internal/broadcast"
)

// FireMarker records scheduled fire dates in a Store marker.
// It implements broadcast.FireRecorder.
type FireMarker struct {
	Store Store
}

func (m FireMarker) RecordFire(ctx context.Context, d broadcast.CivilDate) error {
	if m.Store == nil {
		return ErrDisabled
	}
	return m.Store.PutMarker(ctx, MarkerLastFired, d.String())
}

// LastFired returns the stored date; ok is false when nothing was stored.
func (m FireMarker) LastFired(ctx context.Context) (broadcast.CivilDate, bool, error) {
	if m.Store == nil {
		return broadcast.CivilDate{}, false, ErrDisabled
	}
	v, ok, err := m.Store.GetMarker(ctx, MarkerLastFired)
	if err != nil || !ok {
		return broadcast.CivilDate{}, false, err
	}
	d, err := broadcast.ParseCivilDate(v)
	if err != nil {
		return broadcast.CivilDate{}, false, err
	}
	return d, true, nil
}
