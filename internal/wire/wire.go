// Package wire implements the airlink UDP wire protocol: fixed-layout
// binary datagrams, big-endian, no padding. See SPEC_FULL.md §4.1.
package wire

import (
	"encoding/binary"
	"errors"
)

// Protocol constants.
const (
	Version        = 1
	MaxDatagramSize = 1200 // UDP payload target to avoid IP fragmentation
)

// Message types.
const (
	MsgTypeVideoFragment = 0x01
	MsgTypeKeepalive     = 0x02
	MsgTypeIDRRequest    = 0x03
	MsgTypeProbe         = 0x04
	MsgTypeHello         = 0x05
)

// Video flags.
const (
	FlagKeyframe = 1 << 0
	FlagSPSPPS   = 1 << 1
)

// Codec identifiers.
const (
	CodecH264 = 1
)

// Roles.
const (
	RoleSender   = 1
	RoleReceiver = 2
)

// IDR request reasons.
const (
	IDRReasonStartup     = 1
	IDRReasonDecodeError = 2
	IDRReasonLoss        = 3
	IDRReasonUser        = 4
)

// Fixed header sizes (including the 8-byte common header).
const (
	CommonHeaderSize        = 8
	VideoFragmentHeaderSize = 28
	KeepaliveHeaderSize     = 20
	IDRRequestHeaderSize    = 20
	ProbeHeaderSize         = 28
	HelloHeaderSize         = 32

	MaxFragmentPayload = MaxDatagramSize - VideoFragmentHeaderSize
)

var (
	ErrBufferTooSmall   = errors.New("wire: buffer too small")
	ErrInvalidVersion   = errors.New("wire: invalid protocol version")
	ErrInvalidMsgType   = errors.New("wire: invalid message type")
	ErrInvalidHeaderLen = errors.New("wire: invalid header_len")
	ErrInvalidCodec     = errors.New("wire: invalid codec")
	ErrInvalidFragment  = errors.New("wire: invalid fragment index/count")
	ErrPayloadLenMismatch = errors.New("wire: payload_len disagrees with datagram length")
)

// CommonHeader is the 8-byte header present in every message.
type CommonHeader struct {
	MsgType   uint8
	Version   uint8
	HeaderLen uint16
	SessionID uint32
}

func (h *CommonHeader) Unmarshal(buf []byte) error {
	if len(buf) < CommonHeaderSize {
		return ErrBufferTooSmall
	}
	h.MsgType = buf[0]
	h.Version = buf[1]
	h.HeaderLen = binary.BigEndian.Uint16(buf[2:4])
	h.SessionID = binary.BigEndian.Uint32(buf[4:8])
	return nil
}

// Demux validates the common header and returns the message type. Callers
// drop the datagram on any error without responding (spec.md §7).
func Demux(buf []byte) (uint8, *CommonHeader, error) {
	var h CommonHeader
	if err := h.Unmarshal(buf); err != nil {
		return 0, nil, err
	}
	if h.Version != Version {
		return 0, nil, ErrInvalidVersion
	}
	if h.HeaderLen < CommonHeaderSize || int(h.HeaderLen) > len(buf) {
		return 0, nil, ErrInvalidHeaderLen
	}
	return h.MsgType, &h, nil
}

// VideoFragment is msg_type=0x01.
type VideoFragment struct {
	SessionID  uint32
	StreamID   uint32
	FrameID    uint32
	FragIndex  uint16
	FragCount  uint16
	TsMs       uint32
	Flags      uint8
	Codec      uint8
	PayloadLen uint16
	Payload    []byte
}

func (v *VideoFragment) Marshal(buf []byte) (int, error) {
	total := VideoFragmentHeaderSize + len(v.Payload)
	if len(buf) < total {
		return 0, ErrBufferTooSmall
	}
	buf[0] = MsgTypeVideoFragment
	buf[1] = Version
	binary.BigEndian.PutUint16(buf[2:4], VideoFragmentHeaderSize)
	binary.BigEndian.PutUint32(buf[4:8], v.SessionID)
	binary.BigEndian.PutUint32(buf[8:12], v.StreamID)
	binary.BigEndian.PutUint32(buf[12:16], v.FrameID)
	binary.BigEndian.PutUint16(buf[16:18], v.FragIndex)
	binary.BigEndian.PutUint16(buf[18:20], v.FragCount)
	binary.BigEndian.PutUint32(buf[20:24], v.TsMs)
	buf[24] = v.Flags
	buf[25] = v.Codec
	binary.BigEndian.PutUint16(buf[26:28], uint16(len(v.Payload)))
	copy(buf[28:], v.Payload)
	return total, nil
}

func (v *VideoFragment) Unmarshal(buf []byte) error {
	if len(buf) < VideoFragmentHeaderSize {
		return ErrBufferTooSmall
	}
	if buf[0] != MsgTypeVideoFragment {
		return ErrInvalidMsgType
	}
	if buf[1] != Version {
		return ErrInvalidVersion
	}
	v.SessionID = binary.BigEndian.Uint32(buf[4:8])
	v.StreamID = binary.BigEndian.Uint32(buf[8:12])
	v.FrameID = binary.BigEndian.Uint32(buf[12:16])
	v.FragIndex = binary.BigEndian.Uint16(buf[16:18])
	v.FragCount = binary.BigEndian.Uint16(buf[18:20])
	v.TsMs = binary.BigEndian.Uint32(buf[20:24])
	v.Flags = buf[24]
	v.Codec = buf[25]
	v.PayloadLen = binary.BigEndian.Uint16(buf[26:28])

	if v.Codec != CodecH264 {
		return ErrInvalidCodec
	}
	if v.FragCount == 0 || v.FragIndex >= v.FragCount {
		return ErrInvalidFragment
	}
	if int(v.PayloadLen) != len(buf)-VideoFragmentHeaderSize {
		return ErrPayloadLenMismatch
	}
	v.Payload = buf[28 : 28+int(v.PayloadLen)]
	return nil
}

func (v *VideoFragment) IsKeyframe() bool { return v.Flags&FlagKeyframe != 0 }
func (v *VideoFragment) HasSPSPPS() bool  { return v.Flags&FlagSPSPPS != 0 }

// Keepalive is msg_type=0x02, sent in both directions.
type Keepalive struct {
	SessionID uint32
	TsMs      uint32
	Seq       uint32
	EchoTsMs  uint32
}

func (k *Keepalive) Marshal(buf []byte) (int, error) {
	if len(buf) < KeepaliveHeaderSize {
		return 0, ErrBufferTooSmall
	}
	buf[0] = MsgTypeKeepalive
	buf[1] = Version
	binary.BigEndian.PutUint16(buf[2:4], KeepaliveHeaderSize)
	binary.BigEndian.PutUint32(buf[4:8], k.SessionID)
	binary.BigEndian.PutUint32(buf[8:12], k.TsMs)
	binary.BigEndian.PutUint32(buf[12:16], k.Seq)
	binary.BigEndian.PutUint32(buf[16:20], k.EchoTsMs)
	return KeepaliveHeaderSize, nil
}

func (k *Keepalive) Unmarshal(buf []byte) error {
	if len(buf) < KeepaliveHeaderSize {
		return ErrBufferTooSmall
	}
	if buf[0] != MsgTypeKeepalive {
		return ErrInvalidMsgType
	}
	if buf[1] != Version {
		return ErrInvalidVersion
	}
	k.SessionID = binary.BigEndian.Uint32(buf[4:8])
	k.TsMs = binary.BigEndian.Uint32(buf[8:12])
	k.Seq = binary.BigEndian.Uint32(buf[12:16])
	k.EchoTsMs = binary.BigEndian.Uint32(buf[16:20])
	return nil
}

// IDRRequest is msg_type=0x03, sent receiver -> sender.
type IDRRequest struct {
	SessionID uint32
	Seq       uint32
	TsMs      uint32
	Reason    uint8
}

func (r *IDRRequest) Marshal(buf []byte) (int, error) {
	if len(buf) < IDRRequestHeaderSize {
		return 0, ErrBufferTooSmall
	}
	buf[0] = MsgTypeIDRRequest
	buf[1] = Version
	binary.BigEndian.PutUint16(buf[2:4], IDRRequestHeaderSize)
	binary.BigEndian.PutUint32(buf[4:8], r.SessionID)
	binary.BigEndian.PutUint32(buf[8:12], r.Seq)
	binary.BigEndian.PutUint32(buf[12:16], r.TsMs)
	buf[16] = r.Reason
	buf[17], buf[18], buf[19] = 0, 0, 0
	return IDRRequestHeaderSize, nil
}

func (r *IDRRequest) Unmarshal(buf []byte) error {
	if len(buf) < IDRRequestHeaderSize {
		return ErrBufferTooSmall
	}
	if buf[0] != MsgTypeIDRRequest {
		return ErrInvalidMsgType
	}
	if buf[1] != Version {
		return ErrInvalidVersion
	}
	r.SessionID = binary.BigEndian.Uint32(buf[4:8])
	r.Seq = binary.BigEndian.Uint32(buf[8:12])
	r.TsMs = binary.BigEndian.Uint32(buf[12:16])
	r.Reason = buf[16]
	return nil
}

// Probe is msg_type=0x04, used for simultaneous-open UDP hole punching.
type Probe struct {
	SessionID uint32
	TsMs      uint32
	ProbeSeq  uint32
	Nonce     uint64
	Role      uint8
	Flags     uint8
}

const FlagAckRequested = 1 << 0

func (p *Probe) Marshal(buf []byte) (int, error) {
	if len(buf) < ProbeHeaderSize {
		return 0, ErrBufferTooSmall
	}
	buf[0] = MsgTypeProbe
	buf[1] = Version
	binary.BigEndian.PutUint16(buf[2:4], ProbeHeaderSize)
	binary.BigEndian.PutUint32(buf[4:8], p.SessionID)
	binary.BigEndian.PutUint32(buf[8:12], p.TsMs)
	binary.BigEndian.PutUint32(buf[12:16], p.ProbeSeq)
	binary.BigEndian.PutUint64(buf[16:24], p.Nonce)
	buf[24] = p.Role
	buf[25] = p.Flags
	buf[26], buf[27] = 0, 0
	return ProbeHeaderSize, nil
}

func (p *Probe) Unmarshal(buf []byte) error {
	if len(buf) < ProbeHeaderSize {
		return ErrBufferTooSmall
	}
	if buf[0] != MsgTypeProbe {
		return ErrInvalidMsgType
	}
	if buf[1] != Version {
		return ErrInvalidVersion
	}
	p.SessionID = binary.BigEndian.Uint32(buf[4:8])
	p.TsMs = binary.BigEndian.Uint32(buf[8:12])
	p.ProbeSeq = binary.BigEndian.Uint32(buf[12:16])
	p.Nonce = binary.BigEndian.Uint64(buf[16:24])
	p.Role = buf[24]
	p.Flags = buf[25]
	return nil
}

// Hello is msg_type=0x05, an optional capabilities exchange.
type Hello struct {
	SessionID         uint32
	Width             uint16
	Height            uint16
	FpsX10            uint16
	BitrateBps        uint32
	AVCProfile        uint8
	AVCLevel          uint8
	IDRIntervalFrames uint32
}

func (h *Hello) Marshal(buf []byte) (int, error) {
	if len(buf) < HelloHeaderSize {
		return 0, ErrBufferTooSmall
	}
	buf[0] = MsgTypeHello
	buf[1] = Version
	binary.BigEndian.PutUint16(buf[2:4], HelloHeaderSize)
	binary.BigEndian.PutUint32(buf[4:8], h.SessionID)
	binary.BigEndian.PutUint16(buf[8:10], h.Width)
	binary.BigEndian.PutUint16(buf[10:12], h.Height)
	binary.BigEndian.PutUint16(buf[12:14], h.FpsX10)
	binary.BigEndian.PutUint32(buf[14:18], h.BitrateBps)
	buf[18] = h.AVCProfile
	buf[19] = h.AVCLevel
	binary.BigEndian.PutUint32(buf[20:24], h.IDRIntervalFrames)
	for i := 24; i < 32; i++ {
		buf[i] = 0
	}
	return HelloHeaderSize, nil
}

func (h *Hello) Unmarshal(buf []byte) error {
	if len(buf) < HelloHeaderSize {
		return ErrBufferTooSmall
	}
	if buf[0] != MsgTypeHello {
		return ErrInvalidMsgType
	}
	if buf[1] != Version {
		return ErrInvalidVersion
	}
	h.SessionID = binary.BigEndian.Uint32(buf[4:8])
	h.Width = binary.BigEndian.Uint16(buf[8:10])
	h.Height = binary.BigEndian.Uint16(buf[10:12])
	h.FpsX10 = binary.BigEndian.Uint16(buf[12:14])
	h.BitrateBps = binary.BigEndian.Uint32(buf[14:18])
	h.AVCProfile = buf[18]
	h.AVCLevel = buf[19]
	h.IDRIntervalFrames = binary.BigEndian.Uint32(buf[20:24])
	return nil
}

// IsNewer reports whether a is newer than b using RFC 1982 wrap-aware serial
// arithmetic over 32-bit identifiers.
func IsNewer(a, b uint32) bool { return int32(a-b) > 0 }

// IsOlder reports whether a is older than b.
func IsOlder(a, b uint32) bool { return int32(a-b) < 0 }
