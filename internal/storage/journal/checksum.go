package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證編輯紀錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

// CalculateChecksum 計算編輯紀錄的 CRC32 校驗和
//
// 校驗範圍：Seq + Pos + Block（固定長度小端序編碼）
// 不包含 Timestamp
func CalculateChecksum(seq uint64, pos types.BlockPos, block types.BlockID) uint32 {
	var buf [8 + 3*8 + 1]byte
	binary.LittleEndian.PutUint64(buf[0:], seq)
	binary.LittleEndian.PutUint64(buf[8:], uint64(int64(pos.X)))
	binary.LittleEndian.PutUint64(buf[16:], uint64(int64(pos.Y)))
	binary.LittleEndian.PutUint64(buf[24:], uint64(int64(pos.Z)))
	buf[32] = byte(block)
	return crc32.ChecksumIEEE(buf[:])
}

// VerifyChecksum 驗證紀錄的校驗和是否正確
func VerifyChecksum(entry Entry) bool {
	return entry.Checksum == CalculateChecksum(entry.Seq, entry.Pos, entry.Block)
}
