package tp

import (
	"encoding/binary"
	"fmt"
	"time"
)

// FrameType is the PCI type carried in the upper nibble of the first PCI byte.
type FrameType uint8

const (
	TypeSingleFrame      FrameType = 0x0
	TypeFirstFrame       FrameType = 0x1
	TypeConsecutiveFrame FrameType = 0x2
	TypeFlowControl      FrameType = 0x3
)

func (t FrameType) String() string {
	switch t {
	case TypeSingleFrame:
		return "SF"
	case TypeFirstFrame:
		return "FF"
	case TypeConsecutiveFrame:
		return "CF"
	case TypeFlowControl:
		return "FC"
	}
	return fmt.Sprintf("FrameType(%d)", uint8(t))
}

// FlowStatus is the status nibble of a flow control frame.
type FlowStatus uint8

const (
	FlowStatusContinueToSend FlowStatus = 0x00
	FlowStatusWait           FlowStatus = 0x01
	FlowStatusOverflow       FlowStatus = 0x02
)

func (s FlowStatus) String() string {
	switch s {
	case FlowStatusContinueToSend:
		return "CTS"
	case FlowStatusWait:
		return "WAIT"
	case FlowStatusOverflow:
		return "OVFLW"
	}
	return fmt.Sprintf("FlowStatus(%d)", uint8(s))
}

// Frame is one decoded ISO-TP PDU. The concrete type is one of
// *SingleFrame, *FirstFrame, *ConsecutiveFrame or *FlowControlFrame.
type Frame interface {
	Type() FrameType
	// DataLength is the CAN_DL of the frame the PDU was decoded from.
	DataLength() int
}

type SingleFrame struct {
	Data    []byte
	CanDL   int
	Escaped bool
}

type FirstFrame struct {
	// Length is FF_DL, the size of the whole payload.
	Length  uint32
	Data    []byte
	CanDL   int
	Escaped bool
}

type ConsecutiveFrame struct {
	SequenceNumber uint8
	Data           []byte
	CanDL          int
}

type FlowControlFrame struct {
	FlowStatus     FlowStatus
	BlockSize      uint8
	SeparationTime time.Duration
	// StMinReserved is set when the STmin byte was reserved and SeparationTime holds the default.
	StMinReserved  bool
	CanDL          int
}

func (*SingleFrame) Type() FrameType      { return TypeSingleFrame }
func (*FirstFrame) Type() FrameType       { return TypeFirstFrame }
func (*ConsecutiveFrame) Type() FrameType { return TypeConsecutiveFrame }
func (*FlowControlFrame) Type() FrameType { return TypeFlowControl }

func (f *SingleFrame) DataLength() int      { return f.CanDL }
func (f *FirstFrame) DataLength() int       { return f.CanDL }
func (f *ConsecutiveFrame) DataLength() int { return f.CanDL }
func (f *FlowControlFrame) DataLength() int { return f.CanDL }

const (
	pciTypeSingleFrame      = 0x00
	pciTypeFirstFrame       = 0x10
	pciTypeConsecutiveFrame = 0x20
	pciTypeFlowControl      = 0x30

	maxShortFirstFrameLength = 0xFFF
	// stMinDefault replaces reserved STmin encodings.
	stMinDefault = 127 * time.Millisecond
)

// DecodeSeparationTime converts an STmin byte. ok is false for reserved values,
// in which case the 127 ms default is returned.
func DecodeSeparationTime(b byte) (d time.Duration, ok bool) {
	if b <= 0x7F {
		return time.Duration(b) * time.Millisecond, true
	}
	if b >= 0xF1 && b <= 0xF9 {
		return time.Duration(b-0xF0) * 100 * time.Microsecond, true
	}
	return stMinDefault, false
}

// EncodeSeparationTime converts d to an STmin byte, rounding up to the next encodable value.
func EncodeSeparationTime(d time.Duration) (byte, error) {
	switch {
	case d < 0:
	case d == 0:
		return 0x00, nil
	case d <= 900*time.Microsecond:
		steps := (d + 100*time.Microsecond - 1) / (100 * time.Microsecond)
		return 0xF0 + byte(steps), nil
	case d <= 127*time.Millisecond:
		ms := (d + time.Millisecond - 1) / time.Millisecond
		return byte(ms), nil
	}
	return 0, SeparationTimeOverflowError{newIsoTpError("separation time %v cannot be encoded as STmin", d)}
}

// minFirstFrameLength is the smallest FF_DL that could not have been sent as a single frame.
func minFirstFrameLength(canDL, prefix int) uint32 {
	if canDL <= CANMaxDataLength {
		return uint32(CANMaxDataLength - prefix)
	}
	return uint32(canDL - 1 - prefix)
}

// DecodeMessage decodes a frame received from the bus, deriving CAN_DL from the data length.
func DecodeMessage(msg CanMessage, addr *AddressInfo) (Frame, error) {
	if _, err := msg.DLC(); err != nil {
		return nil, err
	}
	return Decode(msg.Data, len(msg.Data), msg.IsFD, addr)
}

// Decode parses the first canDL bytes of raw into a Frame.
func Decode(raw []byte, canDL int, isFD bool, addr *AddressInfo) (Frame, error) {
	limit := CANMaxDataLength
	if isFD {
		limit = CANFDMaxDataLength
	}
	if canDL < 0 || canDL > limit || !isValidDataLength(canDL, isFD) {
		return nil, DlcOutOfRangeError{newIsoTpError("CAN_DL %d is not a valid data length (fd=%t)", canDL, isFD)}
	}
	if len(raw) < canDL {
		return nil, FrameTooShortError{newIsoTpError("frame has %d bytes, CAN_DL is %d", len(raw), canDL)}
	}
	raw = raw[:canDL]

	p := addr.PrefixSize()
	if canDL <= p {
		return nil, FrameTooShortError{newIsoTpError("frame of %d bytes has no PCI after %d prefix bytes", canDL, p)}
	}

	switch raw[p] & 0xF0 {
	case pciTypeSingleFrame:
		return decodeSingleFrame(raw, p, isFD)
	case pciTypeFirstFrame:
		return decodeFirstFrame(raw, p)
	case pciTypeConsecutiveFrame:
		return &ConsecutiveFrame{
			SequenceNumber: raw[p] & 0x0F,
			Data:           clone(raw[p+1:]),
			CanDL:          canDL,
		}, nil
	case pciTypeFlowControl:
		return decodeFlowControl(raw, p)
	}
	return nil, UnknownFrameTypeError{newIsoTpError("unknown PCI type 0x%02X", raw[p]&0xF0)}
}

func decodeSingleFrame(raw []byte, p int, isFD bool) (Frame, error) {
	canDL := len(raw)
	length := int(raw[p] & 0x0F)
	if length != 0 {
		if canDL > CANMaxDataLength {
			return nil, InvalidSingleFrameLengthError{newIsoTpError("single frame with CAN_DL %d must use the escape sequence", canDL)}
		}
		if length > canDL-p-1 {
			return nil, FrameTooShortError{newIsoTpError("SF_DL %d exceeds frame of %d bytes", length, canDL)}
		}
		return &SingleFrame{Data: clone(raw[p+1 : p+1+length]), CanDL: canDL}, nil
	}

	if !isFD {
		return nil, InvalidSingleFrameLengthError{newIsoTpError("escaped single frame requires CAN FD")}
	}
	if canDL < p+2 {
		return nil, FrameTooShortError{newIsoTpError("escaped single frame needs %d bytes, got %d", p+2, canDL)}
	}
	length = int(raw[p+1])
	if length == 0 {
		return nil, InvalidSingleFrameLengthError{newIsoTpError("escaped single frame cannot be empty")}
	}
	// Above 8 bytes the escape is mandatory, so short lengths are legal there.
	if length < 6 && canDL <= CANMaxDataLength {
		return nil, InvalidSingleFrameLengthError{newIsoTpError("escaped SF_DL %d is representable in the short form", length)}
	}
	if length > canDL-p-2 {
		return nil, FrameTooShortError{newIsoTpError("escaped SF_DL %d exceeds frame of %d bytes", length, canDL)}
	}
	return &SingleFrame{Data: clone(raw[p+2 : p+2+length]), CanDL: canDL, Escaped: true}, nil
}

func decodeFirstFrame(raw []byte, p int) (Frame, error) {
	canDL := len(raw)
	if canDL < CANMaxDataLength {
		return nil, FrameTooShortError{newIsoTpError("first frame needs 8 bytes, got %d", canDL)}
	}
	length := uint32(raw[p]&0x0F)<<8 | uint32(raw[p+1])
	dataStart := p + 2
	escaped := false
	if length == 0 {
		if canDL < p+6 {
			return nil, FrameTooShortError{newIsoTpError("escaped first frame needs %d bytes, got %d", p+6, canDL)}
		}
		length = binary.BigEndian.Uint32(raw[p+2 : p+6])
		dataStart = p + 6
		escaped = true
	}
	if minLen := minFirstFrameLength(canDL, p); length < minLen {
		return nil, InvalidFirstFrameLengthError{newIsoTpError("FF_DL %d below minimum %d for CAN_DL %d", length, minLen, canDL)}
	}
	data := raw[dataStart:]
	if uint32(len(data)) > length {
		data = data[:length]
	}
	return &FirstFrame{Length: length, Data: clone(data), CanDL: canDL, Escaped: escaped}, nil
}

func decodeFlowControl(raw []byte, p int) (Frame, error) {
	canDL := len(raw)
	if canDL < p+3 {
		return nil, FrameTooShortError{newIsoTpError("flow control needs %d bytes, got %d", p+3, canDL)}
	}
	status := FlowStatus(raw[p] & 0x0F)
	if status > FlowStatusOverflow {
		return nil, InvalidFlowStatusError{newIsoTpError("unknown flow status %d", status)}
	}
	stMin, ok := DecodeSeparationTime(raw[p+2])
	return &FlowControlFrame{
		FlowStatus:     status,
		BlockSize:      raw[p+1],
		SeparationTime: stMin,
		StMinReserved:  !ok,
		CanDL:          canDL,
	}, nil
}

// Encode serializes f for addr, including the addressing prefix. The result is not padded.
func Encode(f Frame, addr *AddressInfo) ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	limit := addr.MaxPayloadLength() - addr.PrefixSize()
	switch f := f.(type) {
	case *SingleFrame:
		payload, err = createSingleFramePayload(f.Data, limit, addr.PrefixSize(), addr.IsFD())
	case *FirstFrame:
		payload, err = createFirstFramePayload(f.Data, f.Length, limit)
	case *ConsecutiveFrame:
		payload, err = createConsecutiveFramePayload(f.Data, int(f.SequenceNumber), limit)
	case *FlowControlFrame:
		payload, err = createFlowControlPayload(f.FlowStatus, int(f.BlockSize), f.SeparationTime)
	default:
		return nil, fmt.Errorf("encode: unsupported frame %T", f)
	}
	if err != nil {
		return nil, err
	}
	return append(addr.TxPrefix(), payload...), nil
}

// BuildFlowControlFrame encodes a flow control frame for addr.
func BuildFlowControlFrame(status FlowStatus, blockSize int, stMin time.Duration, addr *AddressInfo) ([]byte, error) {
	payload, err := createFlowControlPayload(status, blockSize, stMin)
	if err != nil {
		return nil, err
	}
	return append(addr.TxPrefix(), payload...), nil
}

func createFlowControlPayload(status FlowStatus, blockSize int, stMin time.Duration) ([]byte, error) {
	if status > FlowStatusOverflow {
		return nil, InvalidFlowStatusError{newIsoTpError("unknown flow status %d", status)}
	}
	if blockSize < 0 || blockSize > 0xFF {
		return nil, InvalidBlockSizeError{newIsoTpError("block size %d does not fit in a byte", blockSize)}
	}
	stMinByte, err := EncodeSeparationTime(stMin)
	if err != nil {
		return nil, err
	}
	return []byte{pciTypeFlowControl | byte(status), byte(blockSize), stMinByte}, nil
}

// createSingleFramePayload uses the short form whenever the frame fits in 8 bytes.
// maxDataLength excludes the addressing prefix.
func createSingleFramePayload(data []byte, maxDataLength, prefix int, isFD bool) ([]byte, error) {
	dataLen := len(data)
	if dataLen == 0 {
		return nil, InvalidSingleFrameLengthError{newIsoTpError("single frame cannot be empty")}
	}
	if dataLen <= CANMaxDataLength-prefix-1 {
		return append([]byte{pciTypeSingleFrame | byte(dataLen)}, data...), nil
	}
	if !isFD || dataLen+2 > maxDataLength {
		return nil, PayloadTooLongError{newIsoTpError("single frame of %d bytes exceeds limit %d", dataLen, maxDataLength)}
	}
	return append([]byte{pciTypeSingleFrame, byte(dataLen)}, data...), nil
}

// createFirstFramePayload uses the 32-bit escape only when FF_DL does not fit 12 bits.
func createFirstFramePayload(firstChunk []byte, totalSize uint32, maxDataLength int) ([]byte, error) {
	var pci []byte
	if totalSize <= maxShortFirstFrameLength {
		pci = []byte{pciTypeFirstFrame | byte(totalSize>>8&0x0F), byte(totalSize)}
	} else {
		pci = make([]byte, 6)
		pci[0] = pciTypeFirstFrame
		binary.BigEndian.PutUint32(pci[2:], totalSize)
	}
	if uint32(len(firstChunk)) > totalSize {
		return nil, PayloadTooLongError{newIsoTpError("first frame chunk of %d bytes exceeds FF_DL %d", len(firstChunk), totalSize)}
	}
	if len(pci)+len(firstChunk) > maxDataLength {
		return nil, PayloadTooLongError{newIsoTpError("first frame of %d bytes exceeds limit %d", len(pci)+len(firstChunk), maxDataLength)}
	}
	return append(pci, firstChunk...), nil
}

func createConsecutiveFramePayload(dataChunk []byte, sequenceNumber int, maxDataLength int) ([]byte, error) {
	if sequenceNumber < 0 || sequenceNumber > 15 {
		return nil, InvalidSequenceNumberError{newIsoTpError("sequence number %d out of range 0..15", sequenceNumber)}
	}
	if 1+len(dataChunk) > maxDataLength {
		return nil, PayloadTooLongError{newIsoTpError("consecutive frame of %d bytes exceeds limit %d", 1+len(dataChunk), maxDataLength)}
	}
	return append([]byte{pciTypeConsecutiveFrame | byte(sequenceNumber)}, dataChunk...), nil
}

// escapeSingleFrame rewrites a short-form single frame into the escaped form
// required when the frame is padded beyond 8 bytes. Other frames are returned unchanged.
func escapeSingleFrame(raw []byte, prefix int) []byte {
	if len(raw) <= prefix || raw[prefix]&0xF0 != pciTypeSingleFrame || raw[prefix]&0x0F == 0 {
		return raw
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, raw[:prefix]...)
	out = append(out, pciTypeSingleFrame, raw[prefix]&0x0F)
	return append(out, raw[prefix+1:]...)
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
