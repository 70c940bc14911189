package transport

import "encoding/binary"

// requestFrameSize is sizeof(struct { int64 sys; int64 args[6]; }) — 56
// bytes, little-endian, no framing markers.
const requestFrameSize = 8 * 7

// responseFrameSize is sizeof(struct { int64 result; }) — 8 bytes.
const responseFrameSize = 8

func encodeRequest(buf []byte, nr int64, a1, a2, a3, a4, a5, a6 int64) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(nr))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(a1))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(a2))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(a3))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(a4))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(a5))
	binary.LittleEndian.PutUint64(buf[48:56], uint64(a6))
}

func decodeRequest(buf []byte) (nr, a1, a2, a3, a4, a5, a6 int64) {
	nr = int64(binary.LittleEndian.Uint64(buf[0:8]))
	a1 = int64(binary.LittleEndian.Uint64(buf[8:16]))
	a2 = int64(binary.LittleEndian.Uint64(buf[16:24]))
	a3 = int64(binary.LittleEndian.Uint64(buf[24:32]))
	a4 = int64(binary.LittleEndian.Uint64(buf[32:40]))
	a5 = int64(binary.LittleEndian.Uint64(buf[40:48]))
	a6 = int64(binary.LittleEndian.Uint64(buf[48:56]))
	return
}

func encodeResponse(buf []byte, result int64) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(result))
}

func decodeResponse(buf []byte) int64 {
	return int64(binary.LittleEndian.Uint64(buf[0:8]))
}
