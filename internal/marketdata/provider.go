package marketdata

import "context"

// SliceProvider 以固定序列提供快照。
type SliceProvider struct {
	snapshots []Snapshot
	index     int
}

func NewSliceProvider(snaps []Snapshot) *SliceProvider {
	return &SliceProvider{snapshots: snaps}
}

func (p *SliceProvider) Next(ctx context.Context) (Snapshot, bool, error) {
	if p.index >= len(p.snapshots) {
		return Snapshot{}, false, nil
	}
	snap := p.snapshots[p.index]
	p.index++
	return snap, true, nil
}
