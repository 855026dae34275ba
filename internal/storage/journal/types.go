package journal

import "github.com/ChuLiYu/voxel-pipeline/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the on-disk record of a block edit
// ============================================================================

// Entry represents one block edit in the journal
type Entry struct {
	Seq       uint64         `json:"seq"`       // Entry sequence number (monotonically increasing, survives Rotate)
	Pos       types.BlockPos `json:"pos"`       // World position of the edited block
	Block     types.BlockID  `json:"block"`     // New block id
	Timestamp int64          `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32         `json:"checksum"`  // CRC32 checksum
}

// EntryHandler is the function type for processing journal entries
// Used during Replay to apply edits to the world overlay
type EntryHandler func(entry Entry) error
