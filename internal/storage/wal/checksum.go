package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 將事件的識別欄位以 '|' 串接
// - 使用 CRC32-IEEE 多項式計算
//
// Checksum 欄位本身不參與計算。
func CalculateChecksum(event Event) uint32 {
	var b strings.Builder
	b.Grow(128)
	b.WriteString(strconv.FormatUint(event.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(event.Type))
	b.WriteByte('|')
	b.WriteString(string(event.JobID))
	b.WriteByte('|')
	b.WriteString(string(event.ExecID))
	b.WriteByte('|')
	b.WriteString(string(event.WorkerID))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(event.Attempt))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(int64(event.At), 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(int64(event.LeaseExpiresAt), 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(event.Enforce))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(event.Reopened))
	if len(event.Payload) > 0 {
		// json.Marshal 對 map 的 key 排序，輸出是確定的
		if raw, err := json.Marshal(event.Payload); err == nil {
			b.WriteByte('|')
			b.Write(raw)
		}
	}

	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
