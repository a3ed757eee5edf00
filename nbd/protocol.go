// Package nbd implements the kernel-facing side of the NBD transmission
// phase: a non-blocking per-connection engine that turns requests arriving
// over a socket into calls on pluggable backends.
package nbd

import "encoding/binary"

/* --- START OF NBD PROTOCOL SECTION --- */

// this section is in essence a transcription of the protocol from
// NBD's proto.md; note that that file is *not* GPL. For details of
// what the commands mean, see proto.md. Only the transmission phase
// appears here: the kernel loopback path never negotiates.

// NBD commands
const (
	CmdRead  = uint16(0)
	CmdWrite = uint16(1)
	CmdDisc  = uint16(2)
	CmdFlush = uint16(3)
	CmdTrim  = uint16(4)
)

// NBD command flags
const (
	CmdFlagFua = uint16(1 << 0)
)

// NBD transmission flags (NBD_SET_FLAGS ioctl / negotiation)
const (
	FlagHasFlags  = uint16(1 << 0)
	FlagReadOnly  = uint16(1 << 1)
	FlagSendFlush = uint16(1 << 2)
	FlagSendFua   = uint16(1 << 3)
	FlagSendTrim  = uint16(1 << 5)
)

// NBD magic numbers
const (
	RequestMagic = 0x25609513
	ReplyMagic   = 0x67446698
)

// Wire sizes of the transmission phase headers
const (
	RequestHeaderLen = 28
	ReplyHeaderLen   = 16
)

// MaxCommandSize is the largest read or write payload accepted for a
// single command. Bigger (and zero sized) requests get EINVAL replies.
const MaxCommandSize = 1024 * 1024

// NBD errors
const (
	EPERM  = uint32(1)
	EIO    = uint32(5)
	ENOMEM = uint32(12)
	EINVAL = uint32(22)
	ENOSPC = uint32(28)
)

// Request is a decoded NBD transmission request header
type Request struct {
	Magic        uint32
	CommandFlags uint16
	CommandType  uint16
	Handle       uint64
	Offset       uint64
	Length       uint32
}

// Reply is a decoded NBD simple reply header
type Reply struct {
	Magic  uint32
	Error  uint32
	Handle uint64
}

/* --- END OF NBD PROTOCOL SECTION --- */

// DecodeRequest decodes a raw request header as received from the kernel.
func DecodeRequest(b *[RequestHeaderLen]byte) Request {
	return Request{
		Magic:        binary.BigEndian.Uint32(b[0:4]),
		CommandFlags: binary.BigEndian.Uint16(b[4:6]),
		CommandType:  binary.BigEndian.Uint16(b[6:8]),
		Handle:       binary.BigEndian.Uint64(b[8:16]),
		Offset:       binary.BigEndian.Uint64(b[16:24]),
		Length:       binary.BigEndian.Uint32(b[24:28]),
	}
}

// EncodeRequest encodes a request header in wire format. The engine only
// decodes requests; this is for tests and client-side tooling.
func EncodeRequest(r Request) [RequestHeaderLen]byte {
	var b [RequestHeaderLen]byte
	binary.BigEndian.PutUint32(b[0:4], r.Magic)
	binary.BigEndian.PutUint16(b[4:6], r.CommandFlags)
	binary.BigEndian.PutUint16(b[6:8], r.CommandType)
	binary.BigEndian.PutUint64(b[8:16], r.Handle)
	binary.BigEndian.PutUint64(b[16:24], r.Offset)
	binary.BigEndian.PutUint32(b[24:28], r.Length)
	return b
}

// DecodeReply decodes a raw reply header.
func DecodeReply(b *[ReplyHeaderLen]byte) Reply {
	return Reply{
		Magic:  binary.BigEndian.Uint32(b[0:4]),
		Error:  binary.BigEndian.Uint32(b[4:8]),
		Handle: binary.BigEndian.Uint64(b[8:16]),
	}
}
