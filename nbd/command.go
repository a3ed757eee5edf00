package nbd

import "encoding/binary"

// Cmd states, from header receipt through reply transmission
const (
	StateRecvHeader = uint8(iota)
	StateRecvWriteData
	StateSubmitted
	StateSendReply
	StateSendReadData
)

// Cmd is the unit of work between receiving a request header from the
// kernel and finishing the reply transmission. Commands come from the
// server's cache and go back to it once the reply is fully sent.
//
// While a command is in StateSubmitted it belongs to the backend: the
// backend may use Data freely, must set RetErr (0 for success) and then
// call Complete exactly once. Complete may be called on the dispatching
// stack or from any backend thread.
type Cmd struct {
	link Link[Cmd]

	// Raw wire headers. req holds the request bytes exactly as received;
	// reply has its magic written once at construction.
	req   [RequestHeaderLen]byte
	reply [ReplyHeaderLen]byte

	// Decoded request parameters in host byte order.
	op     uint16
	fua    bool
	Offset uint64
	Length uint32

	// Data is the payload buffer for read and write commands, allocated
	// with the configured allocator for exactly Length bytes. Nil for
	// flush, trim and disconnect.
	Data []byte

	// cur is the unsent/unreceived tail of the active buffer for the
	// current state.
	cur []byte

	// RetErr is the backend result as an NBD errno. 0 means success.
	RetErr uint32

	state  uint8
	server *Server

	// Arg is the backend argument from Params.
	Arg any
	// ClientPrivate is free for the backend to stash per-command state.
	ClientPrivate any
}

func cmdLink(c *Cmd) *Link[Cmd] {
	return &c.link
}

// reset readies the command to receive a fresh request header. The reply
// magic is not rewritten.
func (c *Cmd) reset() {
	c.state = StateRecvHeader
	c.cur = c.req[:]
	c.Data = nil
	c.RetErr = 0
}

// decode fills the decoded fields from the raw request header. The FUA bit
// is extracted and masked off the command type.
func (c *Cmd) decode() {
	cmdType := binary.BigEndian.Uint32(c.req[4:8])
	c.fua = uint16(cmdType>>16)&CmdFlagFua != 0
	c.op = uint16(cmdType)
	c.Offset = binary.BigEndian.Uint64(c.req[16:24])
	c.Length = binary.BigEndian.Uint32(c.req[24:28])
}

// Op returns the decoded command type (CmdRead..CmdTrim).
func (c *Cmd) Op() uint16 {
	return c.op
}

// FUA reports whether the request carried the forced-unit-access flag.
func (c *Cmd) FUA() bool {
	return c.fua
}

// Handle returns the opaque request handle, for logging.
func (c *Cmd) Handle() uint64 {
	return binary.BigEndian.Uint64(c.req[8:16])
}

// Complete is the backend completion hook. It stamps the reply from RetErr,
// echoes the handle and queues the reply for sending.
func (c *Cmd) Complete() {
	c.server.completeCmd(c)
}
