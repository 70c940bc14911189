package task

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rsyscall/rsyscall/handle"
	"github.com/rsyscall/rsyscall/near"
)

// cstringSerializer writes a Go string as a NUL-terminated byte sequence,
// the representation every path-taking syscall expects. Serializer.Size must
// be static, but a path's length varies per call, so cstringSerializer
// carries its target length rather than deriving it from a zero value.
type cstringSerializer struct{ n int }

func newCStringSerializer(s string) cstringSerializer {
	return cstringSerializer{n: len(s) + 1}
}

func (s cstringSerializer) ToBytes(v string) ([]byte, error) {
	b := make([]byte, s.n)
	copy(b, v)
	return b, nil
}

func (s cstringSerializer) FromBytes(b []byte) (string, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}

func (s cstringSerializer) Size() int { return s.n }

// int32PairSerializer serializes a [2]int32, used for pipe2's fd-pair
// out-argument.
type int32PairSerializer struct{}

func (int32PairSerializer) ToBytes(v [2]int32) ([]byte, error) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], uint32(v[0]))
	binary.LittleEndian.PutUint32(b[4:8], uint32(v[1]))
	return b, nil
}

func (int32PairSerializer) FromBytes(b []byte) ([2]int32, error) {
	if len(b) < 8 {
		return [2]int32{}, fmt.Errorf("int32 pair: short buffer")
	}
	return [2]int32{
		int32(binary.LittleEndian.Uint32(b[0:4])),
		int32(binary.LittleEndian.Uint32(b[4:8])),
	}, nil
}

func (int32PairSerializer) Size() int { return 8 }

func readInt32Pair(ctx context.Context, ram *handle.RAM, addr near.Address) ([2]int32, error) {
	data, err := ram.Transport.Read(ctx, addr, 8)
	if err != nil {
		return [2]int32{}, err
	}
	return int32PairSerializer{}.FromBytes(data)
}

// SiginfoResult is the subset of struct siginfo_t that waitid(2) fills in
// that package monitor needs: pid, uid, status/signal, and the wait code
// (CLD_EXITED, CLD_KILLED, CLD_DUMPED, CLD_STOPPED, CLD_CONTINUED,
// CLD_TRAPPED).
type SiginfoResult struct {
	Code   int32 // si_code
	Pid    int32 // si_pid
	UID    uint32
	Status int32 // si_status: exit code, or terminating/stopping signal
}

var siginfoZero = SiginfoResult{}

// siginfoSize mirrors the x86_64 glibc/kernel siginfo_t layout far enough to
// read si_code (offset 8), si_pid (offset 16), si_uid (offset 20), and
// si_status (offset 24); the struct is zero-padded to 48 bytes defensively.
const siginfoSize = 48

type siginfoSerializer struct{}

func (siginfoSerializer) ToBytes(v SiginfoResult) ([]byte, error) {
	b := make([]byte, siginfoSize)
	binary.LittleEndian.PutUint32(b[8:12], uint32(v.Code))
	binary.LittleEndian.PutUint32(b[16:20], uint32(v.Pid))
	binary.LittleEndian.PutUint32(b[20:24], v.UID)
	binary.LittleEndian.PutUint32(b[24:28], uint32(v.Status))
	return b, nil
}

func (siginfoSerializer) FromBytes(b []byte) (SiginfoResult, error) {
	if len(b) < siginfoSize {
		return SiginfoResult{}, fmt.Errorf("siginfo: short buffer (%d bytes)", len(b))
	}
	return SiginfoResult{
		Code:   int32(binary.LittleEndian.Uint32(b[8:12])),
		Pid:    int32(binary.LittleEndian.Uint32(b[16:20])),
		UID:    binary.LittleEndian.Uint32(b[20:24]),
		Status: int32(binary.LittleEndian.Uint32(b[24:28])),
	}, nil
}

func (siginfoSerializer) Size() int { return siginfoSize }

func readSiginfo(ctx context.Context, ram *handle.RAM, addr near.Address) (SiginfoResult, error) {
	data, err := ram.Transport.Read(ctx, addr, siginfoSize)
	if err != nil {
		return SiginfoResult{}, err
	}
	return siginfoSerializer{}.FromBytes(data)
}

// bytesSerializer is a fixed-length raw-byte Serializer, for read/write
// buffers whose content has no further structure (Task.Read/Task.Write).
type bytesSerializer struct{ n int }

func (s bytesSerializer) ToBytes(v []byte) ([]byte, error) {
	b := make([]byte, s.n)
	copy(b, v)
	return b, nil
}

func (s bytesSerializer) FromBytes(b []byte) ([]byte, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s bytesSerializer) Size() int { return s.n }

// uint64Serializer serializes a little-endian uint64, used for signal masks.
type uint64Serializer struct{}

func (uint64Serializer) ToBytes(v uint64) ([]byte, error) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b, nil
}

func (uint64Serializer) FromBytes(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("uint64: short buffer")
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (uint64Serializer) Size() int { return 8 }
