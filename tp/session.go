package tp

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// State is the segmentation state of a session.
type State int32

const (
	StateIdle State = iota
	StateSegmentedTx
	StateSegmentedRx
	StateClosing
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSegmentedTx:
		return "SEGMENTED_TX"
	case StateSegmentedRx:
		return "SEGMENTED_RX"
	case StateClosing:
		return "CLOSING"
	case StateComplete:
		return "COMPLETE"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type inboundFrame struct {
	raw   []byte
	canDL int
	isFD  bool
}

type txRequest struct {
	data []byte
	done chan error
}

type watchdogKind uint8

const (
	watchNone watchdogKind = iota
	watchFlowControl
	watchConsecutiveFrame
)

type rxProgress struct {
	expected   uint32
	buffer     []byte
	canDL      int
	lastSN     uint8
	blockCount int
}

type txProgress struct {
	req        *txRequest
	remaining  []byte
	seq        uint8
	blockCount int
	remoteBS   int
	stMin      time.Duration
	waitingFC  bool
	wftCounter int
}

// Stats is a snapshot of session counters.
type Stats struct {
	FramesIn         uint64
	FramesOut        uint64
	FramesDropped    uint64
	PayloadsSent     uint64
	PayloadsReceived uint64
	Errors           uint64
	InboundDepth     int
	InboundPeak      int
	OutboundDepth    int
}

// Session is one ISO-TP point-to-point exchange. All protocol state is owned by a
// single goroutine started by OpenSession; the exported methods only enqueue work
// or read channels and are safe for concurrent use.
type Session struct {
	addr   *AddressInfo
	config Config
	logger *log.Logger

	inbound   *SafeQueue[inboundFrame]
	outbound  *SafeQueue[*txRequest]
	delivered *SafeQueue[[]byte]
	egress    chan CanMessage
	payloads  chan []byte
	errs      chan error
	control   chan func()

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	state     atomic.Int32

	framesIn, framesOut, framesDropped atomic.Uint64
	payloadsSent, payloadsReceived     atomic.Uint64
	errorCount                         atomic.Uint64

	// Owned by the loop goroutine.
	rx           rxProgress
	tx           txProgress
	watchdog     *time.Timer
	watchdogKind watchdogKind
	stMinTimer   *time.Timer
	malformed    int
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithLogger replaces the default logger.
func WithLogger(l *log.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// OpenSession creates a session in IDLE and starts its driving loop.
func OpenSession(addr *AddressInfo, cfg Config, opts ...SessionOption) (*Session, error) {
	if addr == nil {
		return nil, AddressingError{newIsoTpError("address must not be nil")}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		addr:      addr,
		config:    cfg,
		logger:    log.Default(),
		inbound:   NewSafeQueue[inboundFrame](),
		outbound:  NewSafeQueue[*txRequest](),
		delivered: NewSafeQueue[[]byte](),
		egress:    make(chan CanMessage, cfg.OutboundBuffer),
		payloads:  make(chan []byte, cfg.PayloadBuffer),
		errs:      make(chan error, cfg.ErrorBuffer),
		control:   make(chan func()),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		// Initialize timers stopped
		watchdog:   time.NewTimer(time.Hour),
		stMinTimer: time.NewTimer(time.Hour),
	}
	stopTimer(s.watchdog)
	stopTimer(s.stMinTimer)
	for _, opt := range opts {
		opt(s)
	}
	s.setState(StateIdle)

	go s.run()
	go s.pumpPayloads()
	return s, nil
}

func (s *Session) Address() *AddressInfo { return s.addr }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// SendPayload queues data for segmentation. It returns once the payload is queued,
// not once it is delivered.
func (s *Session) SendPayload(data []byte) error {
	_, err := s.enqueue(data)
	return err
}

// SendPayloadWait queues data and blocks until the last frame is handed to the bus
// or the transfer fails.
func (s *Session) SendPayloadWait(ctx context.Context, data []byte) error {
	req, err := s.enqueue(data)
	if err != nil {
		return err
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) enqueue(data []byte) (*txRequest, error) {
	if err := s.acceptingWork(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, PayloadTooLongError{newIsoTpError("payload must not be empty")}
	}
	if uint64(len(data)) > 0xFFFFFFFF {
		return nil, PayloadTooLongError{newIsoTpError("payload of %d bytes exceeds FF_DL range", len(data))}
	}
	if s.addr.TargetAddressType() == Functional && len(data) > s.singleFrameCapacity() {
		return nil, PayloadTooLongError{newIsoTpError("functional addressing carries at most %d bytes", s.singleFrameCapacity())}
	}
	req := &txRequest{data: clone(data), done: make(chan error, 1)}
	s.monitor("outbound", s.outbound.Push(req))
	return req, nil
}

// FeedRawFrame is the ingestion point for frames received from the bus.
func (s *Session) FeedRawFrame(raw []byte, canDL int, isFD bool) error {
	if err := s.acceptingWork(); err != nil {
		return err
	}
	s.monitor("inbound", s.inbound.Push(inboundFrame{raw: clone(raw), canDL: canDL, isFD: isFD}))
	return nil
}

// FeedMessage feeds a frame whose Data already holds CAN_DL bytes.
func (s *Session) FeedMessage(msg CanMessage) error {
	return s.FeedRawFrame(msg.Data, len(msg.Data), msg.IsFD)
}

// Payloads yields one item per completed reassembly. The channel is closed when the session closes.
func (s *Session) Payloads() <-chan []byte { return s.payloads }

// Recv waits for the next reassembled payload.
func (s *Session) Recv(ctx context.Context) ([]byte, error) {
	select {
	case p, ok := <-s.payloads:
		if !ok {
			return nil, ErrSessionClosed
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DrainOutbound is the egress point consumed by the bus side. Frames appear already
// paced; the channel is closed when the session closes.
func (s *Session) DrainOutbound() <-chan CanMessage { return s.egress }

// Errors reports every aborted transfer and dropped frame.
func (s *Session) Errors() <-chan error { return s.errs }

// Done is closed once the driving loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reopen returns a session sitting in CLOSING after a fatal protocol error to IDLE.
func (s *Session) Reopen() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case s.control <- s.reopen:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Close cancels the timers, abandons any transfer in flight and stops the loop.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		<-s.done
		s.setState(StateClosing)
	})
	return nil
}

func (s *Session) Stats() Stats {
	return Stats{
		FramesIn:         s.framesIn.Load(),
		FramesOut:        s.framesOut.Load(),
		FramesDropped:    s.framesDropped.Load(),
		PayloadsSent:     s.payloadsSent.Load(),
		PayloadsReceived: s.payloadsReceived.Load(),
		Errors:           s.errorCount.Load(),
		InboundDepth:     s.inbound.Len(),
		InboundPeak:      s.inbound.Peak(),
		OutboundDepth:    s.outbound.Len(),
	}
}

func (s *Session) acceptingWork() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.State() == StateClosing {
		return ErrSessionClosing
	}
	return nil
}

func (s *Session) monitor(queue string, depth int) {
	if hw := s.config.QueueHighWater; hw > 0 && depth == hw+1 {
		s.logger.Printf("isotp: %s queue above high water mark (%d items) on %s", queue, depth, s.addr)
	}
}

// run is the driving loop. Outbound requests are only taken while no segmented
// transfer is in progress.
func (s *Session) run() {
	defer s.cleanup()

	for {
		var txReady <-chan struct{}
		if st := s.State(); st == StateIdle || st == StateComplete {
			txReady = s.outbound.Ready()
		}

		select {
		case <-s.ctx.Done():
			return

		case <-s.inbound.Ready():
			if f, ok := s.inbound.Pop(); ok {
				s.processInbound(f)
			}

		case <-txReady:
			if req, ok := s.outbound.Pop(); ok {
				s.startTransmission(req)
			}

		case <-s.watchdog.C:
			s.onWatchdog()

		case <-s.stMinTimer.C:
			if s.State() == StateSegmentedTx && !s.tx.waitingFC {
				s.sendConsecutiveFrame()
			}

		case op := <-s.control:
			op()
		}
	}
}

func (s *Session) cleanup() {
	s.stopWatchdog()
	stopTimer(s.stMinTimer)
	if s.tx.req != nil {
		s.tx.req.done <- ErrSessionClosed
	}
	s.tx = txProgress{}
	s.rx = rxProgress{}
	for _, req := range s.outbound.Clear() {
		req.done <- ErrSessionClosed
	}
	s.inbound.Clear()
	close(s.egress)
	close(s.done)
}

// pumpPayloads moves reassembled payloads to the consumer without ever blocking the loop.
func (s *Session) pumpPayloads() {
	defer close(s.payloads)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.delivered.Ready():
		}
		for {
			p, ok := s.delivered.Pop()
			if !ok {
				break
			}
			select {
			case s.payloads <- p:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Session) deliver(payload []byte) {
	s.payloadsReceived.Add(1)
	s.monitor("payload", s.delivered.Push(clone(payload)))
}

func (s *Session) reopen() {
	if s.State() != StateClosing {
		return
	}
	s.resetReception()
	s.malformed = 0
	s.setState(StateIdle)
	s.logger.Printf("isotp: session %s reopened", s.addr)
}

// enterClosing handles errors the protocol cannot recover from on its own.
func (s *Session) enterClosing(err error) {
	s.stopWatchdog()
	stopTimer(s.stMinTimer)
	s.resetReception()
	if s.tx.req != nil {
		s.tx.req.done <- err
	}
	s.tx = txProgress{}
	s.setState(StateClosing)
	s.logger.Printf("isotp: session %s closing: %v", s.addr, err)
	s.fireError(err)
}

// fireError sends an error to the error channel. Non-blocking.
func (s *Session) fireError(err error) {
	s.errorCount.Add(1)
	select {
	case s.errs <- err:
	default:
		s.logger.Printf("isotp: error channel full, %s: %v", ResultOf(err), err)
	}
}

// makeTxMsg prepends nothing (the codec already did) and pads data to a length
// the bus can carry. A short single frame padded past 8 bytes switches to the escaped form.
func (s *Session) makeTxMsg(data []byte) CanMessage {
	isFD := s.addr.IsFD()
	target := len(data)
	if s.config.TxDataMinLength > target {
		target = s.config.TxDataMinLength
	}
	if s.config.PaddingByte != nil && target < CANMaxDataLength {
		target = CANMaxDataLength
	}
	if !isFD && target > CANMaxDataLength {
		target = CANMaxDataLength
	}
	if rounded, err := roundUpDataLength(target, isFD); err == nil {
		target = rounded
	}
	if target > CANMaxDataLength {
		data = escapeSingleFrame(data, s.addr.PrefixSize())
	}

	padByte := byte(0xCC)
	if s.config.PaddingByte != nil {
		padByte = *s.config.PaddingByte
	}
	full := make([]byte, len(data), target)
	copy(full, data)
	for len(full) < target {
		full = append(full, padByte)
	}

	return CanMessage{
		ArbitrationID: s.addr.ArbitrationID(),
		Data:          full,
		IsExtendedID:  s.addr.IsExtendedID(),
		IsFD:          isFD,
		BitrateSwitch: s.addr.BitrateSwitch(),
	}
}

// emit hands one frame to the egress channel, waiting at most N_As.
func (s *Session) emit(data []byte) error {
	msg := s.makeTxMsg(data)
	select {
	case s.egress <- msg:
		s.framesOut.Add(1)
		return nil
	default:
	}

	t := time.NewTimer(s.config.TimeoutN_As)
	defer t.Stop()
	select {
	case s.egress <- msg:
		s.framesOut.Add(1)
		return nil
	case <-t.C:
		return TransmitTimeoutError{newIsoTpError("frame %s not taken within %v", msg.String(), s.config.TimeoutN_As)}
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

func (s *Session) startWatchdog(kind watchdogKind) {
	d := s.config.TimeoutN_Cr
	if kind == watchFlowControl {
		d = s.config.TimeoutN_Bs
	}
	s.watchdogKind = kind
	resetTimer(s.watchdog, d)
}

func (s *Session) stopWatchdog() {
	s.watchdogKind = watchNone
	stopTimer(s.watchdog)
}

func (s *Session) onWatchdog() {
	switch s.watchdogKind {
	case watchFlowControl:
		s.abortTransmission(FlowControlTimeoutError{newIsoTpError("no flow control within %v", s.config.TimeoutN_Bs)})
	case watchConsecutiveFrame:
		s.abortReception(ConsecutiveFrameTimeoutError{newIsoTpError("no consecutive frame within %v", s.config.TimeoutN_Cr)})
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		// drain channel if needed
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
