package tp

import (
	"errors"
	"fmt"
)

// NResult is the ISO 15765-2 result code attached to every transport failure.
type NResult uint8

const (
	ResultOK NResult = iota
	ResultTimeoutA
	ResultTimeoutBs
	ResultTimeoutCr
	ResultWrongSN
	ResultInvalidFS
	ResultUnexpectedPDU
	ResultWFTOverrun
	ResultBufferOverflow
	ResultError
)

var resultNames = [...]string{
	ResultOK:             "N_OK",
	ResultTimeoutA:       "N_TIMEOUT_A",
	ResultTimeoutBs:      "N_TIMEOUT_Bs",
	ResultTimeoutCr:      "N_TIMEOUT_Cr",
	ResultWrongSN:        "N_WRONG_SN",
	ResultInvalidFS:      "N_INVALID_FS",
	ResultUnexpectedPDU:  "N_UNEXP_PDU",
	ResultWFTOverrun:     "N_WFT_OVRN",
	ResultBufferOverflow: "N_BUFFER_OVFLW",
	ResultError:          "N_ERROR",
}

func (r NResult) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("NResult(%d)", uint8(r))
}

// ErrSessionClosed is returned by every Session operation after Close.
var ErrSessionClosed = errors.New("isotp: session closed")

// ResultOf maps err to its NResult. Errors outside the taxonomy map to N_ERROR.
func ResultOf(err error) NResult {
	if err == nil {
		return ResultOK
	}
	var r interface{ Result() NResult }
	if errors.As(err, &r) {
		return r.Result()
	}
	return ResultError
}

// IsMalformed reports whether err was raised by a frame that could not be decoded at all.
// Such frames are dropped without disturbing the session.
func IsMalformed(err error) bool {
	var m interface{ Malformed() bool }
	return errors.As(err, &m) && m.Malformed()
}

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

type IsoTpError struct {
	msg string
}

func NewIsoTpError(msg string) IsoTpError {
	return IsoTpError{msg: msg}
}

func newIsoTpError(format string, args ...any) IsoTpError {
	return IsoTpError{msg: fmt.Sprintf(format, args...)}
}

func (e IsoTpError) Error() string {
	return messageOrDefault(e.msg, "ISO-TP error")
}

func (IsoTpError) Result() NResult { return ResultError }

// Codec errors.

type FrameTooShortError struct {
	IsoTpError
}

func (e FrameTooShortError) Error() string {
	return messageOrDefault(e.msg, "frame too short for its PCI")
}

func (FrameTooShortError) Malformed() bool { return true }

type DlcOutOfRangeError struct {
	IsoTpError
}

func (e DlcOutOfRangeError) Error() string {
	return messageOrDefault(e.msg, "DLC out of range")
}

func (DlcOutOfRangeError) Malformed() bool { return true }

type InvalidSingleFrameLengthError struct {
	IsoTpError
}

func (e InvalidSingleFrameLengthError) Error() string {
	return messageOrDefault(e.msg, "invalid single frame length")
}

func (InvalidSingleFrameLengthError) Malformed() bool { return true }

type InvalidFirstFrameLengthError struct {
	IsoTpError
}

func (e InvalidFirstFrameLengthError) Error() string {
	return messageOrDefault(e.msg, "invalid first frame length")
}

func (InvalidFirstFrameLengthError) Malformed() bool { return true }

type UnknownFrameTypeError struct {
	IsoTpError
}

func (e UnknownFrameTypeError) Error() string {
	return messageOrDefault(e.msg, "unknown PCI frame type")
}

func (UnknownFrameTypeError) Malformed() bool { return true }

type InvalidFlowStatusError struct {
	IsoTpError
}

func (e InvalidFlowStatusError) Error() string {
	return messageOrDefault(e.msg, "invalid flow status in flow control frame")
}

func (InvalidFlowStatusError) Result() NResult { return ResultInvalidFS }

type SeparationTimeOverflowError struct {
	IsoTpError
}

func (e SeparationTimeOverflowError) Error() string {
	return messageOrDefault(e.msg, "separation time cannot be encoded")
}

type InvalidBlockSizeError struct {
	IsoTpError
}

func (e InvalidBlockSizeError) Error() string {
	return messageOrDefault(e.msg, "block size must fit in one byte")
}

type AddressingError struct {
	IsoTpError
}

func (e AddressingError) Error() string {
	return messageOrDefault(e.msg, "invalid addressing parameters")
}

type PayloadTooLongError struct {
	IsoTpError
}

func (e PayloadTooLongError) Error() string {
	return messageOrDefault(e.msg, "payload does not fit the frame")
}

// InvalidSequenceNumberError is returned when encoding a consecutive frame with an SN outside 0..15.
type InvalidSequenceNumberError struct {
	IsoTpError
}

func (e InvalidSequenceNumberError) Error() string {
	return messageOrDefault(e.msg, "sequence number out of range")
}

func (InvalidSequenceNumberError) Result() NResult { return ResultWrongSN }

// Session errors.

type FlowControlTimeoutError struct {
	IsoTpError
}

func (e FlowControlTimeoutError) Error() string {
	return messageOrDefault(e.msg, "flow control frame not received in time")
}

func (FlowControlTimeoutError) Result() NResult { return ResultTimeoutBs }

type ConsecutiveFrameTimeoutError struct {
	IsoTpError
}

func (e ConsecutiveFrameTimeoutError) Error() string {
	return messageOrDefault(e.msg, "consecutive frame not received in time")
}

func (ConsecutiveFrameTimeoutError) Result() NResult { return ResultTimeoutCr }

type TransmitTimeoutError struct {
	IsoTpError
}

func (e TransmitTimeoutError) Error() string {
	return messageOrDefault(e.msg, "frame not handed to the bus in time")
}

func (TransmitTimeoutError) Result() NResult { return ResultTimeoutA }

type WrongSequenceNumberError struct {
	IsoTpError
}

func (e WrongSequenceNumberError) Error() string {
	return messageOrDefault(e.msg, "wrong sequence number in consecutive frame")
}

func (WrongSequenceNumberError) Result() NResult { return ResultWrongSN }

type UnexpectedFlowControlError struct {
	IsoTpError
}

func (e UnexpectedFlowControlError) Error() string {
	return messageOrDefault(e.msg, "unexpected flow control frame received")
}

func (UnexpectedFlowControlError) Result() NResult { return ResultUnexpectedPDU }

type UnexpectedConsecutiveFrameError struct {
	IsoTpError
}

func (e UnexpectedConsecutiveFrameError) Error() string {
	return messageOrDefault(e.msg, "unexpected consecutive frame received")
}

func (UnexpectedConsecutiveFrameError) Result() NResult { return ResultUnexpectedPDU }

type ReceptionInterruptedWithSingleFrameError struct {
	IsoTpError
}

func (e ReceptionInterruptedWithSingleFrameError) Error() string {
	return messageOrDefault(e.msg, "reception interrupted by a single frame")
}

func (ReceptionInterruptedWithSingleFrameError) Result() NResult { return ResultUnexpectedPDU }

type ReceptionInterruptedWithFirstFrameError struct {
	IsoTpError
}

func (e ReceptionInterruptedWithFirstFrameError) Error() string {
	return messageOrDefault(e.msg, "reception interrupted by a first frame")
}

func (ReceptionInterruptedWithFirstFrameError) Result() NResult { return ResultUnexpectedPDU }

type ChangingInvalidRXDLError struct {
	IsoTpError
}

func (e ChangingInvalidRXDLError) Error() string {
	return messageOrDefault(e.msg, "consecutive frame length differs from RX_DL before final frame")
}

func (ChangingInvalidRXDLError) Result() NResult { return ResultUnexpectedPDU }

type MaximumWaitFrameReachedError struct {
	IsoTpError
}

func (e MaximumWaitFrameReachedError) Error() string {
	return messageOrDefault(e.msg, "maximum wait flow control frames reached")
}

func (MaximumWaitFrameReachedError) Result() NResult { return ResultWFTOverrun }

type FrameTooLongError struct {
	IsoTpError
}

func (e FrameTooLongError) Error() string {
	return messageOrDefault(e.msg, "first frame length exceeds maximum frame size")
}

func (FrameTooLongError) Result() NResult { return ResultBufferOverflow }

type OverflowError struct {
	IsoTpError
}

func (e OverflowError) Error() string {
	return messageOrDefault(e.msg, "remote node reported overflow")
}

func (OverflowError) Result() NResult { return ResultBufferOverflow }

type TooManyMalformedFramesError struct {
	IsoTpError
}

func (e TooManyMalformedFramesError) Error() string {
	return messageOrDefault(e.msg, "too many consecutive malformed frames")
}

type UnexpectedFirstFrameError struct {
	IsoTpError
}

func (e UnexpectedFirstFrameError) Error() string {
	return messageOrDefault(e.msg, "first frame received while a segmented transmission is in progress")
}

func (UnexpectedFirstFrameError) Result() NResult { return ResultUnexpectedPDU }

// ErrSessionClosing is returned while a session sits in CLOSING after a fatal protocol error.
var ErrSessionClosing = errors.New("isotp: session is closing, reopen it first")
