// Package snapshot builds the fixed RDB payload a master hands a replica
// immediately after a FULLRESYNC reply. The payload is not derived from
// the live store — this server's replication model is full-resync-only,
// so the snapshot is always the same empty, valid RDB image — but it is
// still built field-by-field and checksummed the way a real one would be,
// the same opcodes and CRC64 variant the teacher's internal/rdb package
// used for on-disk RDB files.
package snapshot

import (
	"encoding/binary"
	"hash/crc64"
)

const (
	opAux = 0xFA
	opEOF = 0xFF
)

var crcTable = crc64.MakeTable(crc64.ECMA)

func appendAux(buf []byte, key, value string) []byte {
	buf = append(buf, opAux)
	buf = appendLengthPrefixedString(buf, key)
	buf = appendLengthPrefixedString(buf, value)
	return buf
}

// appendLengthPrefixedString writes the RDB "length-prefixed string"
// encoding for short ASCII strings: a single length byte (valid because
// every string this package emits is under 64 bytes) followed by the raw
// bytes.
func appendLengthPrefixedString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

// Empty builds the canonical empty RDB file this server sends on every
// FULLRESYNC: header, a handful of informational aux fields, the EOF
// opcode, and an 8-byte little-endian CRC64/ECMA checksum over everything
// before it.
func Empty() []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, "REDIS0011"...)
	buf = appendAux(buf, "redis-ver", "7.2.0")
	buf = appendAux(buf, "redis-bits", "\x40") // encoded as the raw byte 0x40, per real Redis
	buf = appendAux(buf, "ctime", "\x00\x00\x00\x00")
	buf = appendAux(buf, "used-mem", "\x00\x00\x00\x00")
	buf = appendAux(buf, "aof-base", "0")
	buf = append(buf, opEOF)

	checksum := crc64.Checksum(buf, crcTable)
	checksumBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(checksumBytes, checksum)
	return append(buf, checksumBytes...)
}
