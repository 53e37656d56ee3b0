package api

import "attnmarket-engine/pkg/types"

// EngineSnapshotProvider is the read-only view the matcher exposes to the
// ops server. Both calls take a consistent snapshot under the matcher's
// own locking; handlers never touch engine internals directly.
type EngineSnapshotProvider interface {
	GetStatsSnapshot() StatsView
	GetBookSnapshot(floor types.Micro, limit int) BookView
}

// SettlementSource reads back persisted settlement instructions for the
// /api/settlements endpoint. The journal implements it; a nil source serves
// an empty list.
type SettlementSource interface {
	LoadRecent(n int) ([]types.SettlementInstruction, error)
}
