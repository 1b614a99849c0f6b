package tp

import "fmt"

type transitionKey struct {
	state State
	frame FrameType
}

type transition func(s *Session, f Frame)

// transitions maps every (state, frame type) pair the loop can see to its handler.
// CLOSING never reaches the table; frames are dropped before decoding.
var transitions = buildTransitions()

func buildTransitions() map[transitionKey]transition {
	t := make(map[transitionKey]transition)
	for _, st := range []State{StateIdle, StateComplete} {
		t[transitionKey{st, TypeSingleFrame}] = (*Session).receiveSingleFrame
		t[transitionKey{st, TypeFirstFrame}] = (*Session).receiveFirstFrame
		t[transitionKey{st, TypeConsecutiveFrame}] = (*Session).unexpectedConsecutiveFrame
		t[transitionKey{st, TypeFlowControl}] = (*Session).unexpectedFlowControl
	}

	t[transitionKey{StateSegmentedRx, TypeSingleFrame}] = (*Session).interruptWithSingleFrame
	t[transitionKey{StateSegmentedRx, TypeFirstFrame}] = (*Session).interruptWithFirstFrame
	t[transitionKey{StateSegmentedRx, TypeConsecutiveFrame}] = (*Session).receiveConsecutiveFrame
	t[transitionKey{StateSegmentedRx, TypeFlowControl}] = (*Session).unexpectedFlowControl

	t[transitionKey{StateSegmentedTx, TypeSingleFrame}] = (*Session).receiveSingleFrame
	t[transitionKey{StateSegmentedTx, TypeFirstFrame}] = (*Session).rejectFirstFrame
	t[transitionKey{StateSegmentedTx, TypeConsecutiveFrame}] = (*Session).unexpectedConsecutiveFrame
	t[transitionKey{StateSegmentedTx, TypeFlowControl}] = (*Session).receiveFlowControl
	return t
}

func (s *Session) processInbound(in inboundFrame) {
	s.framesIn.Add(1)
	if s.State() == StateClosing {
		s.framesDropped.Add(1)
		return
	}

	frame, err := Decode(in.raw, in.canDL, in.isFD, s.addr)
	if err != nil {
		s.handleDecodeError(in, err)
		return
	}
	s.malformed = 0

	handler, ok := transitions[transitionKey{s.State(), frame.Type()}]
	if !ok {
		s.framesDropped.Add(1)
		s.fireError(fmt.Errorf("isotp: no transition for %s in %s", frame.Type(), s.State()))
		return
	}
	handler(s, frame)
}

// handleDecodeError drops malformed frames and aborts on protocol violations.
func (s *Session) handleDecodeError(in inboundFrame, err error) {
	s.framesDropped.Add(1)
	if !IsMalformed(err) {
		s.logger.Printf("isotp: protocol error on %s: %v", s.addr, err)
		s.abortAll(err)
		return
	}

	s.malformed++
	s.logger.Printf("isotp: dropping malformed frame % 02X: %v", in.raw, err)
	if s.State() == StateSegmentedRx && s.isConsecutiveFramePCI(in.raw) {
		s.abortReception(err)
	} else {
		s.fireError(err)
	}
	if limit := s.config.MaxMalformedFrames; limit > 0 && s.malformed >= limit {
		s.enterClosing(TooManyMalformedFramesError{newIsoTpError("%d consecutive malformed frames", s.malformed)})
	}
}

func (s *Session) isConsecutiveFramePCI(raw []byte) bool {
	p := s.addr.PrefixSize()
	return len(raw) > p && raw[p]&0xF0 == pciTypeConsecutiveFrame
}

func (s *Session) abortAll(err error) {
	switch s.State() {
	case StateSegmentedRx:
		s.abortReception(err)
	case StateSegmentedTx:
		s.abortTransmission(err)
	default:
		s.fireError(err)
	}
}

// Receive path.

func (s *Session) receiveSingleFrame(f Frame) {
	s.deliver(f.(*SingleFrame).Data)
	if s.State() == StateComplete {
		s.setState(StateIdle)
	}
}

func (s *Session) interruptWithSingleFrame(f Frame) {
	s.fireError(ReceptionInterruptedWithSingleFrameError{})
	s.stopWatchdog()
	s.resetReception()
	s.setState(StateIdle)
	s.deliver(f.(*SingleFrame).Data)
}

func (s *Session) interruptWithFirstFrame(f Frame) {
	s.fireError(ReceptionInterruptedWithFirstFrameError{})
	s.stopWatchdog()
	s.resetReception()
	s.receiveFirstFrame(f)
}

func (s *Session) rejectFirstFrame(f Frame) {
	s.framesDropped.Add(1)
	s.fireError(UnexpectedFirstFrameError{newIsoTpError("first frame announcing %d bytes ignored during transmission", f.(*FirstFrame).Length)})
}

func (s *Session) receiveFirstFrame(f Frame) {
	ff := f.(*FirstFrame)
	if ff.Length > s.config.MaxFrameSize {
		if err := s.sendFlowControl(FlowStatusOverflow); err != nil {
			s.logger.Printf("isotp: cannot send overflow flow control: %v", err)
		}
		s.enterClosing(FrameTooLongError{newIsoTpError("FF_DL %d exceeds MaxFrameSize %d", ff.Length, s.config.MaxFrameSize)})
		return
	}

	s.rx = rxProgress{
		expected: ff.Length,
		buffer:   make([]byte, 0, ff.Length),
		canDL:    ff.CanDL,
	}
	s.rx.buffer = append(s.rx.buffer, ff.Data...)
	s.setState(StateSegmentedRx)

	if err := s.sendFlowControl(FlowStatusContinueToSend); err != nil {
		s.abortReception(err)
		return
	}
	s.startWatchdog(watchConsecutiveFrame)
}

func (s *Session) receiveConsecutiveFrame(f Frame) {
	cf := f.(*ConsecutiveFrame)
	expectedSN := (s.rx.lastSN + 1) & 0x0F
	if cf.SequenceNumber != expectedSN {
		s.abortReception(WrongSequenceNumberError{newIsoTpError("expected sequence number %d, got %d", expectedSN, cf.SequenceNumber)})
		return
	}

	remaining := int(s.rx.expected) - len(s.rx.buffer)
	// Only the last consecutive frame may be shorter than RX_DL, and it must finish the payload.
	if cf.CanDL != s.rx.canDL && (cf.CanDL > s.rx.canDL || len(cf.Data) < remaining) {
		s.abortReception(ChangingInvalidRXDLError{newIsoTpError("consecutive frame CAN_DL %d, negotiated %d", cf.CanDL, s.rx.canDL)})
		return
	}

	take := min(len(cf.Data), remaining)
	s.rx.buffer = append(s.rx.buffer, cf.Data[:take]...)
	s.rx.lastSN = cf.SequenceNumber
	s.rx.blockCount++

	if len(s.rx.buffer) >= int(s.rx.expected) {
		s.stopWatchdog()
		s.deliver(s.rx.buffer)
		s.resetReception()
		s.setState(StateComplete)
		return
	}

	if bs := s.config.BlockSize; bs > 0 && s.rx.blockCount%bs == 0 {
		if err := s.sendFlowControl(FlowStatusContinueToSend); err != nil {
			s.abortReception(err)
			return
		}
	}
	s.startWatchdog(watchConsecutiveFrame)
}

func (s *Session) unexpectedConsecutiveFrame(f Frame) {
	s.framesDropped.Add(1)
	s.fireError(UnexpectedConsecutiveFrameError{newIsoTpError("consecutive frame %d received in %s", f.(*ConsecutiveFrame).SequenceNumber, s.State())})
}

// unexpectedFlowControl covers flow control frames seen while nothing is being sent.
func (s *Session) unexpectedFlowControl(f Frame) {
	s.framesDropped.Add(1)
	s.fireError(UnexpectedFlowControlError{newIsoTpError("flow control %s received in %s", f.(*FlowControlFrame).FlowStatus, s.State())})
}

func (s *Session) sendFlowControl(status FlowStatus) error {
	raw, err := BuildFlowControlFrame(status, s.config.BlockSize, s.config.StMin, s.addr)
	if err != nil {
		return err
	}
	return s.emit(raw)
}

func (s *Session) resetReception() {
	s.rx = rxProgress{}
}

func (s *Session) abortReception(err error) {
	s.stopWatchdog()
	s.resetReception()
	s.setState(StateIdle)
	s.fireError(err)
}

// Transmit path.

// singleFrameCapacity is the largest payload that still fits one frame.
func (s *Session) singleFrameCapacity() int {
	p := s.addr.PrefixSize()
	capacity := CANMaxDataLength - p - 1
	if s.addr.IsFD() && s.addr.MaxPayloadLength() > CANMaxDataLength {
		capacity = max(capacity, s.addr.MaxPayloadLength()-p-2)
	}
	return capacity
}

func (s *Session) startTransmission(req *txRequest) {
	data := req.data
	if len(data) <= s.singleFrameCapacity() {
		raw, err := Encode(&SingleFrame{Data: data}, s.addr)
		if err == nil {
			err = s.emit(raw)
		}
		s.finishRequest(req, err)
		return
	}

	pciLen := 2
	if len(data) > maxShortFirstFrameLength {
		pciLen = 6
	}
	chunk := s.addr.MaxPayloadLength() - s.addr.PrefixSize() - pciLen

	raw, err := Encode(&FirstFrame{Length: uint32(len(data)), Data: data[:chunk]}, s.addr)
	if err == nil {
		err = s.emit(raw)
	}
	if err != nil {
		s.finishRequest(req, err)
		return
	}

	s.tx = txProgress{
		req:       req,
		remaining: data[chunk:],
		seq:       1,
		waitingFC: true,
	}
	s.setState(StateSegmentedTx)
	s.startWatchdog(watchFlowControl)
}

func (s *Session) receiveFlowControl(f Frame) {
	fc := f.(*FlowControlFrame)
	if !s.tx.waitingFC {
		s.framesDropped.Add(1)
		s.fireError(UnexpectedFlowControlError{newIsoTpError("flow control %s received while sending a block", fc.FlowStatus)})
		return
	}

	switch fc.FlowStatus {
	case FlowStatusContinueToSend:
		s.stopWatchdog()
		s.tx.wftCounter = 0
		s.tx.remoteBS = int(fc.BlockSize)
		s.tx.stMin = fc.SeparationTime
		if fc.StMinReserved {
			s.logger.Printf("isotp: reserved STmin in flow control, using %v", fc.SeparationTime)
		}
		if o := s.config.OverrideReceiverStMin; o != nil {
			s.tx.stMin = *o
		}
		s.tx.blockCount = 0
		s.tx.waitingFC = false
		// The first consecutive frame of a block goes out without delay.
		resetTimer(s.stMinTimer, 0)

	case FlowStatusWait:
		s.tx.wftCounter++
		if s.tx.wftCounter > s.config.MaxWaitFrame {
			s.abortTransmission(MaximumWaitFrameReachedError{newIsoTpError("%d wait frames, limit %d", s.tx.wftCounter, s.config.MaxWaitFrame)})
			return
		}
		s.startWatchdog(watchFlowControl)

	case FlowStatusOverflow:
		s.abortTransmission(OverflowError{})
	}
}

func (s *Session) sendConsecutiveFrame() {
	chunkSize := s.addr.MaxPayloadLength() - s.addr.PrefixSize() - 1
	n := min(chunkSize, len(s.tx.remaining))

	raw, err := Encode(&ConsecutiveFrame{SequenceNumber: s.tx.seq, Data: s.tx.remaining[:n]}, s.addr)
	if err == nil {
		err = s.emit(raw)
	}
	if err != nil {
		s.abortTransmission(err)
		return
	}

	s.tx.remaining = s.tx.remaining[n:]
	s.tx.seq = (s.tx.seq + 1) & 0x0F
	s.tx.blockCount++

	if len(s.tx.remaining) == 0 {
		req := s.tx.req
		s.tx = txProgress{}
		s.finishRequest(req, nil)
		return
	}

	if s.tx.remoteBS > 0 && s.tx.blockCount >= s.tx.remoteBS {
		s.tx.waitingFC = true
		s.startWatchdog(watchFlowControl)
		return
	}
	resetTimer(s.stMinTimer, s.tx.stMin)
}

func (s *Session) finishRequest(req *txRequest, err error) {
	req.done <- err
	if err != nil {
		s.setState(StateIdle)
		s.fireError(err)
		return
	}
	s.payloadsSent.Add(1)
	s.setState(StateComplete)
}

func (s *Session) abortTransmission(err error) {
	s.stopWatchdog()
	stopTimer(s.stMinTimer)
	req := s.tx.req
	s.tx = txProgress{}
	if req != nil {
		s.finishRequest(req, err)
		return
	}
	s.setState(StateIdle)
	s.fireError(err)
}
