// Package wire implements the fixed-size binary message the coordinator
// exchanges with every worker and with dmtcp_command-style clients: a
// header of known size, magic-prefixed, followed by zero or more
// trailing bytes. See spec §4.1 for the field list this mirrors.
//
// Every integer field is little-endian, matching the deployed protocol
// this is a from-scratch re-implementation of (spec §6 calls this out
// explicitly as something a portable port must pin down rather than
// leave to host byte order).
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dmtcp-go/coordinator/pkg/types"
)

// MessageType tags the purpose of a Message, mirroring DmtcpMessageType.
type MessageType uint32

const (
	MsgNull MessageType = iota
	MsgNewWorker
	MsgNameServiceWorker
	MsgRestartWorker
	MsgAccept
	MsgRejectNotRestarting
	MsgRejectWrongComp
	MsgRejectNotRunning
	MsgUpdateProcessInfoAfterFork
	MsgUpdateProcessInfoAfterInitOrExec
	MsgGetCkptDir
	MsgGetCkptDirResult
	MsgUpdateCkptDir
	MsgCkptFilename
	MsgUniqueCkptFilename
	MsgUserCmd
	MsgUserCmdResult
	MsgDoCheckpoint
	MsgBarrier
	MsgBarrierReleased
	MsgWorkerResuming
	MsgKillPeer
	MsgKVDBRequest
	MsgKVDBResponse
)

func (t MessageType) String() string {
	names := map[MessageType]string{
		MsgNull:                             "DMT_NULL",
		MsgNewWorker:                        "DMT_NEW_WORKER",
		MsgNameServiceWorker:                "DMT_NAME_SERVICE_WORKER",
		MsgRestartWorker:                    "DMT_RESTART_WORKER",
		MsgAccept:                           "DMT_ACCEPT",
		MsgRejectNotRestarting:              "DMT_REJECT_NOT_RESTARTING",
		MsgRejectWrongComp:                  "DMT_REJECT_WRONG_COMP",
		MsgRejectNotRunning:                 "DMT_REJECT_NOT_RUNNING",
		MsgUpdateProcessInfoAfterFork:       "DMT_UPDATE_PROCESS_INFO_AFTER_FORK",
		MsgUpdateProcessInfoAfterInitOrExec: "DMT_UPDATE_PROCESS_INFO_AFTER_INIT_OR_EXEC",
		MsgGetCkptDir:                       "DMT_GET_CKPT_DIR",
		MsgGetCkptDirResult:                 "DMT_GET_CKPT_DIR_RESULT",
		MsgUpdateCkptDir:                    "DMT_UPDATE_CKPT_DIR",
		MsgCkptFilename:                     "DMT_CKPT_FILENAME",
		MsgUniqueCkptFilename:               "DMT_UNIQUE_CKPT_FILENAME",
		MsgUserCmd:                          "DMT_USER_CMD",
		MsgUserCmdResult:                    "DMT_USER_CMD_RESULT",
		MsgDoCheckpoint:                     "DMT_DO_CHECKPOINT",
		MsgBarrier:                          "DMT_BARRIER",
		MsgBarrierReleased:                  "DMT_BARRIER_RELEASED",
		MsgWorkerResuming:                   "DMT_WORKER_RESUMING",
		MsgKillPeer:                         "DMT_KILL_PEER",
		MsgKVDBRequest:                      "DMT_KVDB_REQUEST",
		MsgKVDBResponse:                     "DMT_KVDB_RESPONSE",
	}
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("MessageType(%d)", uint32(t))
}

// CmdStatus mirrors CoordCmdStatus::ErrorCodes.
type CmdStatus int32

const (
	StatusOK                   CmdStatus = 0
	StatusErrInvalidCommand    CmdStatus = -1
	StatusErrNotRunningState   CmdStatus = -2
	StatusErrCoordinatorNotFound CmdStatus = -3
)

const (
	magicString = "DMTCP_GO_CKPT_V1"
	magicSize   = 16
	inlineSize  = 64
)

var magicBytes = mustMagic()

func mustMagic() [magicSize]byte {
	if len(magicString) > magicSize {
		panic("wire: magic string too long")
	}
	var b [magicSize]byte
	copy(b[:], magicString)
	return b
}

// HeaderSize is the fixed on-wire size of a Message header, not
// counting ExtraBytes of trailing payload.
const HeaderSize = magicSize /* magic */ +
	4 /* type */ +
	4 /* state */ +
	24 /* from: hostid 8 + pid 4 + time 8 + gen 4 */ +
	24 /* compGroup */ +
	4 /* virtualPid */ +
	4 /* realPid */ +
	inlineSize /* inline string */ +
	4 /* keyLen */ +
	4 /* valLen */ +
	4 /* numPeers */ +
	4 /* isRunning */ +
	1 /* coordCmd */ +
	3 /* pad */ +
	4 /* coordCmdStatus */ +
	8 /* coordTimeStamp */ +
	4 /* checkpointInterval */ +
	4 /* ipAddr */ +
	4 /* exitAfterCkpt */ +
	4 /* extraBytes */

// Message is the coordinator<->worker control datagram. Inline carries
// whichever of barrier name / namespace id / kv-namespace id / user
// command / checkpoint directory applies to Type; barrier names are
// opaque tokens the coordinator compares only for equality.
type Message struct {
	Type               MessageType
	State              types.WorkerState
	From               types.UniquePid
	CompGroup          types.UniquePid
	VirtualPid         int32
	RealPid            int32
	Inline             string
	KeyLen             uint32
	ValLen             uint32
	NumPeers           uint32
	IsRunning          uint32
	CoordCmd           byte
	CoordCmdStatus     CmdStatus
	CoordTimeStamp     uint64
	CheckpointInterval int32
	IPAddr             [4]byte
	ExitAfterCkpt      uint32
	ExtraBytes         uint32
}

// NewMessage returns a zero Message of the given type, analogous to the
// original's DmtcpMessage(type) constructor.
func NewMessage(t MessageType) Message {
	return Message{Type: t}
}

// Marshal encodes the header to exactly HeaderSize bytes. It does not
// include the trailing ExtraBytes payload; callers write that
// separately (see coordinator.sendMessage).
func (m Message) Marshal() ([]byte, error) {
	if len(m.Inline) > inlineSize-1 {
		return nil, fmt.Errorf("wire: inline string %q exceeds %d bytes", m.Inline, inlineSize-1)
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize))
	buf.Write(magicBytes[:])

	writeU32(buf, uint32(m.Type))
	writeU32(buf, uint32(m.State))

	writeUniquePid(buf, m.From)
	writeUniquePid(buf, m.CompGroup)

	writeI32(buf, m.VirtualPid)
	writeI32(buf, m.RealPid)

	var inline [inlineSize]byte
	copy(inline[:], m.Inline)
	buf.Write(inline[:])

	writeU32(buf, m.KeyLen)
	writeU32(buf, m.ValLen)
	writeU32(buf, m.NumPeers)
	writeU32(buf, m.IsRunning)

	buf.WriteByte(m.CoordCmd)
	buf.Write([]byte{0, 0, 0}) // padding, kept zero

	writeI32(buf, int32(m.CoordCmdStatus))
	writeU64(buf, m.CoordTimeStamp)
	writeI32(buf, m.CheckpointInterval)
	buf.Write(m.IPAddr[:])
	writeU32(buf, m.ExitAfterCkpt)
	writeU32(buf, m.ExtraBytes)

	if buf.Len() != HeaderSize {
		return nil, fmt.Errorf("wire: encoded header is %d bytes, want %d", buf.Len(), HeaderSize)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes exactly HeaderSize bytes of data into m, validating
// the magic prefix and the invariant that a default-constructed
// ("poisoned") header never reaches this point valid. A bad magic is a
// fatal protocol error for the socket it arrived on (spec §4.1).
func (m *Message) Unmarshal(data []byte) error {
	if len(data) != HeaderSize {
		return fmt.Errorf("wire: message is %d bytes, want %d", len(data), HeaderSize)
	}
	r := bytes.NewReader(data)

	var magic [magicSize]byte
	if _, err := r.Read(magic[:]); err != nil {
		return fmt.Errorf("wire: reading magic: %w", err)
	}
	if magic != magicBytes {
		return fmt.Errorf("wire: bad magic %q", magic[:])
	}

	m.Type = MessageType(readU32(r))
	m.State = types.WorkerState(readU32(r))

	m.From = readUniquePid(r)
	m.CompGroup = readUniquePid(r)

	m.VirtualPid = readI32(r)
	m.RealPid = readI32(r)

	var inline [inlineSize]byte
	if _, err := r.Read(inline[:]); err != nil {
		return fmt.Errorf("wire: reading inline string: %w", err)
	}
	m.Inline = cString(inline[:])

	m.KeyLen = readU32(r)
	m.ValLen = readU32(r)
	m.NumPeers = readU32(r)
	m.IsRunning = readU32(r)

	cmd, _ := r.ReadByte()
	m.CoordCmd = cmd
	var pad [3]byte
	r.Read(pad[:])

	m.CoordCmdStatus = CmdStatus(readI32(r))
	m.CoordTimeStamp = readU64(r)
	m.CheckpointInterval = readI32(r)
	r.Read(m.IPAddr[:])
	m.ExitAfterCkpt = readU32(r)
	m.ExtraBytes = readU32(r)

	return m.Validate()
}

// Validate reports a protocol error if the message is poisoned (the Go
// zero value's Type of MsgNull reaching a context that requires a real
// message) or structurally unreasonable.
func (m Message) Validate() error {
	if m.Type == MsgNull {
		return fmt.Errorf("wire: poisoned message of type %s", m.Type)
	}
	if m.ExtraBytes > 64<<20 {
		return fmt.Errorf("wire: implausible ExtraBytes %d", m.ExtraBytes)
	}
	return nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI32(buf *bytes.Buffer, v int32) { writeU32(buf, uint32(v)) }

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUniquePid(buf *bytes.Buffer, u types.UniquePid) {
	writeU64(buf, u.HostID)
	writeI32(buf, u.Pid)
	writeU64(buf, u.Time)
	writeU32(buf, u.Generation)
}

func readU32(r *bytes.Reader) uint32 {
	var b [4]byte
	r.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func readI32(r *bytes.Reader) int32 { return int32(readU32(r)) }

func readU64(r *bytes.Reader) uint64 {
	var b [8]byte
	r.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func readUniquePid(r *bytes.Reader) types.UniquePid {
	return types.UniquePid{
		HostID:     readU64(r),
		Pid:        readI32(r),
		Time:       readU64(r),
		Generation: readU32(r),
	}
}
