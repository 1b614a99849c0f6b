package tp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
)

const testWait = 500 * time.Millisecond

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func openTestSession(t *testing.T, addr *AddressInfo, cfg Config) *Session {
	t.Helper()
	s, err := OpenSession(addr, cfg, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testAddress(t *testing.T) *AddressInfo {
	return mustAddress(t, WithSourceAddress(0x01), WithTargetAddress(0x02))
}

func expectFrame(t *testing.T, s *Session) CanMessage {
	t.Helper()
	select {
	case msg, ok := <-s.DrainOutbound():
		if !ok {
			t.Fatal("outbound channel closed")
		}
		return msg
	case <-time.After(testWait):
		t.Fatal("timed out waiting for an outbound frame")
	}
	return CanMessage{}
}

func expectNoFrame(t *testing.T, s *Session, d time.Duration) {
	t.Helper()
	select {
	case msg := <-s.DrainOutbound():
		t.Fatalf("unexpected outbound frame %s", msg.String())
	case <-time.After(d):
	}
}

func expectResult(t *testing.T, s *Session, want NResult) error {
	t.Helper()
	deadline := time.After(testWait)
	for {
		select {
		case err := <-s.Errors():
			if ResultOf(err) == want {
				return err
			}
			t.Logf("skipping error %s: %v", ResultOf(err), err)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
			return nil
		}
	}
}

func expectPayload(t *testing.T, s *Session) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	p, err := s.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return p
}

func expectNoPayload(t *testing.T, s *Session, d time.Duration) {
	t.Helper()
	select {
	case p := <-s.Payloads():
		t.Fatalf("unexpected payload % 02X", p)
	case <-time.After(d):
	}
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func feed(t *testing.T, s *Session, raw ...byte) {
	t.Helper()
	if err := s.FeedRawFrame(raw, len(raw), false); err != nil {
		t.Fatalf("FeedRawFrame: %v", err)
	}
}

// segment splits payload into the classic frames a peer would send.
func segment(payload []byte) [][]byte {
	frames := [][]byte{append([]byte{0x10 | byte(len(payload)>>8), byte(len(payload))}, payload[:6]...)}
	sn := byte(1)
	for rest := payload[6:]; len(rest) > 0; {
		n := min(7, len(rest))
		frames = append(frames, append([]byte{0x20 | sn}, rest[:n]...))
		rest = rest[n:]
		sn = (sn + 1) & 0x0F
	}
	return frames
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i)
	}
	return p
}

func TestSession_SingleFrame(t *testing.T) {
	s := openTestSession(t, testAddress(t), DefaultConfig())

	if err := s.SendPayload([]byte{0x22, 0xF1, 0x90}); err != nil {
		t.Fatalf("SendPayload: %v", err)
	}
	msg := expectFrame(t, s)
	if msg.ArbitrationID != 0x21 || !bytes.Equal(msg.Data, []byte{0x03, 0x22, 0xF1, 0x90}) {
		t.Errorf("frame = %s", msg.String())
	}

	feed(t, s, 0x02, 0x50, 0x01)
	if p := expectPayload(t, s); !bytes.Equal(p, []byte{0x50, 0x01}) {
		t.Errorf("payload = % 02X", p)
	}
	waitForState(t, s, StateIdle)
}

func TestSession_EndToEndExample(t *testing.T) {
	addr := testAddress(t)
	sender := openTestSession(t, addr, DefaultConfig())
	receiver := openTestSession(t, addr.Peer(), DefaultConfig())
	payload := []byte("0123456789ABCDEF")

	if err := sender.SendPayload(payload); err != nil {
		t.Fatalf("SendPayload: %v", err)
	}

	ff := expectFrame(t, sender)
	if want := append([]byte{0x10, 0x10}, payload[:6]...); !bytes.Equal(ff.Data, want) {
		t.Fatalf("首帧不匹配\n期望: % 02X\n实际: % 02X", want, ff.Data)
	}
	if err := receiver.FeedMessage(ff); err != nil {
		t.Fatal(err)
	}
	fc := expectFrame(t, receiver)
	if !bytes.Equal(fc.Data, []byte{0x30, 0x00, 0x00}) || fc.ArbitrationID != 0x12 {
		t.Fatalf("flow control = %s", fc.String())
	}
	if err := sender.FeedMessage(fc); err != nil {
		t.Fatal(err)
	}

	cf1 := expectFrame(t, sender)
	cf2 := expectFrame(t, sender)
	if want := append([]byte{0x21}, payload[6:13]...); !bytes.Equal(cf1.Data, want) {
		t.Errorf("CF1\n期望: % 02X\n实际: % 02X", want, cf1.Data)
	}
	if want := append([]byte{0x22}, payload[13:]...); !bytes.Equal(cf2.Data, want) {
		t.Errorf("CF2\n期望: % 02X\n实际: % 02X", want, cf2.Data)
	}
	for _, cf := range []CanMessage{cf1, cf2} {
		if err := receiver.FeedMessage(cf); err != nil {
			t.Fatal(err)
		}
	}

	if got := expectPayload(t, receiver); !bytes.Equal(got, payload) {
		t.Errorf("reassembled %q, want %q", got, payload)
	}
	waitForState(t, sender, StateComplete)
	waitForState(t, receiver, StateComplete)
}

func TestSession_Reassembly(t *testing.T) {
	s := openTestSession(t, testAddress(t), DefaultConfig())
	payload := pattern(130) // 1 FF + 18 CF, sequence numbers wrap past 15

	frames := segment(payload)
	feed(t, s, frames[0]...)
	if fc := expectFrame(t, s); fc.Data[0] != 0x30 {
		t.Fatalf("expected CTS, got %s", fc.String())
	}
	for _, f := range frames[1:] {
		feed(t, s, f...)
	}
	if got := expectPayload(t, s); !bytes.Equal(got, payload) {
		t.Errorf("reassembled payload mismatch\n期望: % 02X\n实际: % 02X", payload, got)
	}
	expectNoPayload(t, s, 20*time.Millisecond)
	if st := s.Stats(); st.PayloadsReceived != 1 || st.FramesIn != uint64(len(frames)) {
		t.Errorf("stats = %+v", st)
	}
}

func TestSession_WrongSequenceNumber(t *testing.T) {
	s := openTestSession(t, testAddress(t), DefaultConfig())
	frames := segment(pattern(30))

	feed(t, s, frames[0]...)
	expectFrame(t, s)
	feed(t, s, frames[2]...)

	err := expectResult(t, s, ResultWrongSN)
	var snErr WrongSequenceNumberError
	if !errors.As(err, &snErr) {
		t.Errorf("err = %T", err)
	}
	waitForState(t, s, StateIdle)

	// the rest of the aborted transfer is unexpected now
	feed(t, s, frames[3]...)
	expectResult(t, s, ResultUnexpectedPDU)
	expectNoPayload(t, s, 30*time.Millisecond)
}

func TestSession_BlockSizePacing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockSize = 3
	s := openTestSession(t, testAddress(t), cfg)
	payload := pattern(60) // FF + 8 CF
	frames := segment(payload)

	feed(t, s, frames[0]...)
	if fc := expectFrame(t, s); !bytes.Equal(fc.Data, []byte{0x30, 0x03, 0x00}) {
		t.Fatalf("first flow control = %s", fc.String())
	}

	for i, f := range frames[1:] {
		feed(t, s, f...)
		accepted := i + 1
		if accepted == len(frames)-1 {
			break
		}
		if accepted%3 == 0 {
			if fc := expectFrame(t, s); fc.Data[0] != 0x30 {
				t.Fatalf("after CF %d expected CTS, got %s", accepted, fc.String())
			}
		} else {
			expectNoFrame(t, s, 20*time.Millisecond)
		}
	}
	if got := expectPayload(t, s); !bytes.Equal(got, payload) {
		t.Error("payload mismatch")
	}
	expectNoFrame(t, s, 20*time.Millisecond)
}

func TestSession_ConsecutiveFrameTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeoutN_Cr = 30 * time.Millisecond
	s := openTestSession(t, testAddress(t), cfg)
	frames := segment(pattern(30))

	feed(t, s, frames[0]...)
	expectFrame(t, s)
	feed(t, s, frames[1]...)

	expectResult(t, s, ResultTimeoutCr)
	waitForState(t, s, StateIdle)
	expectNoPayload(t, s, 20*time.Millisecond)
}

func TestSession_FlowControlTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeoutN_Bs = 30 * time.Millisecond
	s := openTestSession(t, testAddress(t), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.SendPayloadWait(ctx, pattern(20)) }()

	expectFrame(t, s)
	if err := <-errCh; ResultOf(err) != ResultTimeoutBs {
		t.Fatalf("SendPayloadWait = %v, want N_TIMEOUT_Bs", err)
	}
	expectResult(t, s, ResultTimeoutBs)
	waitForState(t, s, StateIdle)
}

func TestSession_SeparationTime(t *testing.T) {
	s := openTestSession(t, testAddress(t), DefaultConfig())
	if err := s.SendPayload(pattern(20)); err != nil {
		t.Fatal(err)
	}
	expectFrame(t, s)
	feed(t, s, 0x30, 0x00, 0x14) // STmin 20 ms

	expectFrame(t, s)
	start := time.Now()
	expectFrame(t, s)
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("consecutive frames %v apart, want >= 20ms", elapsed)
	}
}

func TestSession_WaitFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxWaitFrame = 1
	s := openTestSession(t, testAddress(t), cfg)
	if err := s.SendPayload(pattern(20)); err != nil {
		t.Fatal(err)
	}
	expectFrame(t, s)

	feed(t, s, 0x31, 0x00, 0x00)
	expectNoFrame(t, s, 20*time.Millisecond)
	feed(t, s, 0x31, 0x00, 0x00)
	expectResult(t, s, ResultWFTOverrun)
	waitForState(t, s, StateIdle)
}

func TestSession_WaitThenContinue(t *testing.T) {
	s := openTestSession(t, testAddress(t), DefaultConfig())
	if err := s.SendPayload(pattern(20)); err != nil {
		t.Fatal(err)
	}
	expectFrame(t, s)
	feed(t, s, 0x31, 0x00, 0x00)
	expectNoFrame(t, s, 20*time.Millisecond)
	feed(t, s, 0x30, 0x01, 0x00) // block size 1

	if cf := expectFrame(t, s); cf.Data[0] != 0x21 {
		t.Fatalf("expected CF 1, got %s", cf.String())
	}
	expectNoFrame(t, s, 20*time.Millisecond)
	feed(t, s, 0x30, 0x00, 0x00)
	if cf := expectFrame(t, s); cf.Data[0] != 0x22 {
		t.Fatalf("expected CF 2, got %s", cf.String())
	}
	waitForState(t, s, StateComplete)
}

func TestSession_RemoteOverflow(t *testing.T) {
	s := openTestSession(t, testAddress(t), DefaultConfig())
	if err := s.SendPayload(pattern(20)); err != nil {
		t.Fatal(err)
	}
	expectFrame(t, s)
	feed(t, s, 0x32, 0x00, 0x00)
	err := expectResult(t, s, ResultBufferOverflow)
	if _, ok := err.(OverflowError); !ok {
		t.Errorf("err = %T, want OverflowError", err)
	}
	waitForState(t, s, StateIdle)
}

func TestSession_InvalidFlowStatusAbortsTransmission(t *testing.T) {
	s := openTestSession(t, testAddress(t), DefaultConfig())
	if err := s.SendPayload(pattern(20)); err != nil {
		t.Fatal(err)
	}
	expectFrame(t, s)
	feed(t, s, 0x35, 0x00, 0x00)
	expectResult(t, s, ResultInvalidFS)
	waitForState(t, s, StateIdle)
}

func TestSession_FirstFrameTooLongClosesSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFrameSize = 50
	s := openTestSession(t, testAddress(t), cfg)

	feed(t, s, segment(pattern(100))[0]...)
	if fc := expectFrame(t, s); !bytes.Equal(fc.Data, []byte{0x32, 0x00, 0x00}) {
		t.Fatalf("expected FC(OVERFLOW), got %s", fc.String())
	}
	expectResult(t, s, ResultBufferOverflow)
	waitForState(t, s, StateClosing)

	if err := s.FeedRawFrame([]byte{0x01, 0xAA}, 2, false); !errors.Is(err, ErrSessionClosing) {
		t.Errorf("FeedRawFrame while closing = %v", err)
	}
	if err := s.Reopen(); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	waitForState(t, s, StateIdle)
	feed(t, s, 0x01, 0xAA)
	if p := expectPayload(t, s); !bytes.Equal(p, []byte{0xAA}) {
		t.Errorf("payload after reopen = % 02X", p)
	}
}

func TestSession_MalformedFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMalformedFrames = 3
	s := openTestSession(t, testAddress(t), cfg)

	feed(t, s, 0x10, 0x05, 1, 2, 3, 4, 5, 6) // FF_DL below minimum
	err := expectResult(t, s, ResultError)
	if !IsMalformed(err) {
		t.Errorf("err = %v, want malformed", err)
	}
	waitForState(t, s, StateIdle)

	// a valid frame resets the counter
	feed(t, s, 0x01, 0x11)
	expectPayload(t, s)

	for i := 0; i < 3; i++ {
		feed(t, s, 0x40)
	}
	waitForState(t, s, StateClosing)
}

func TestSession_MalformedConsecutiveFrameAbortsReassembly(t *testing.T) {
	s := openTestSession(t, testAddress(t), DefaultConfig())
	frames := segment(pattern(30))
	feed(t, s, frames[0]...)
	expectFrame(t, s)

	if err := s.FeedRawFrame([]byte{0x21, 1, 2}, 12, false); err != nil {
		t.Fatal(err)
	}
	expectResult(t, s, ResultError)
	waitForState(t, s, StateIdle)
}

func TestSession_InterruptedBySingleFrame(t *testing.T) {
	s := openTestSession(t, testAddress(t), DefaultConfig())
	feed(t, s, segment(pattern(30))[0]...)
	expectFrame(t, s)
	waitForState(t, s, StateSegmentedRx)

	feed(t, s, 0x02, 0xDE, 0xAD)
	expectResult(t, s, ResultUnexpectedPDU)
	if p := expectPayload(t, s); !bytes.Equal(p, []byte{0xDE, 0xAD}) {
		t.Errorf("payload = % 02X", p)
	}
	waitForState(t, s, StateIdle)
}

func TestSession_InterruptedByFirstFrame(t *testing.T) {
	s := openTestSession(t, testAddress(t), DefaultConfig())
	feed(t, s, segment(pattern(30))[0]...)
	expectFrame(t, s)

	payload := bytes.Repeat([]byte{0x5A}, 20)
	frames := segment(payload)
	feed(t, s, frames[0]...)
	expectResult(t, s, ResultUnexpectedPDU)
	expectFrame(t, s)
	for _, f := range frames[1:] {
		feed(t, s, f...)
	}
	if got := expectPayload(t, s); !bytes.Equal(got, payload) {
		t.Errorf("payload = % 02X", got)
	}
}

func TestSession_ShortLastFrameOnlyAtEnd(t *testing.T) {
	s := openTestSession(t, testAddress(t), DefaultConfig())
	frames := segment(pattern(30))
	feed(t, s, frames[0]...)
	expectFrame(t, s)

	// CF 1 truncated to 4 bytes while 24 bytes are still missing
	feed(t, s, frames[1][:4]...)
	expectResult(t, s, ResultUnexpectedPDU)
	waitForState(t, s, StateIdle)
}

func TestSession_Padding(t *testing.T) {
	pad := byte(0xAA)
	cfg := DefaultConfig()
	cfg.PaddingByte = &pad
	s := openTestSession(t, testAddress(t), cfg)

	if err := s.SendPayload([]byte{0x3E, 0x00}); err != nil {
		t.Fatal(err)
	}
	msg := expectFrame(t, s)
	if want := []byte{0x02, 0x3E, 0x00, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}; !bytes.Equal(msg.Data, want) {
		t.Errorf("padded frame\n期望: % 02X\n实际: % 02X", want, msg.Data)
	}
}

func TestSession_FDEscapedSingleFrame(t *testing.T) {
	addr := mustAddress(t, WithSourceAddress(1), WithTargetAddress(2), WithFD(true), WithBitrateSwitch(true))
	s := openTestSession(t, addr, DefaultConfig())

	payload := pattern(20)
	if err := s.SendPayload(payload); err != nil {
		t.Fatal(err)
	}
	msg := expectFrame(t, s)
	if len(msg.Data) != 24 || !msg.IsFD || !msg.BitrateSwitch {
		t.Fatalf("frame = %s", msg.String())
	}
	if msg.Data[0] != 0x00 || msg.Data[1] != 20 || !bytes.Equal(msg.Data[2:22], payload) || msg.Data[23] != 0xCC {
		t.Errorf("frame data = % 02X", msg.Data)
	}
}

func TestSession_FDMinimumLengthEscapesSingleFrame(t *testing.T) {
	addr := mustAddress(t, WithSourceAddress(1), WithTargetAddress(2), WithFD(true))
	cfg := DefaultConfig()
	cfg.TxDataMinLength = 12
	s := openTestSession(t, addr, cfg)

	if err := s.SendPayload([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatal(err)
	}
	msg := expectFrame(t, s)
	want := []byte{0x00, 0x03, 0x01, 0x02, 0x03, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}
	if !bytes.Equal(msg.Data, want) {
		t.Fatalf("frame\n期望: % 02X\n实际: % 02X", want, msg.Data)
	}

	// The same frame fed back must decode to the original payload.
	peer := openTestSession(t, addr.Peer(), DefaultConfig())
	if err := peer.FeedMessage(msg); err != nil {
		t.Fatal(err)
	}
	if got := expectPayload(t, peer); !bytes.Equal(got, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("payload = % 02X", got)
	}
}

// lockedBuffer collects log output written from the session goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSession_ReservedSeparationTimeUsesSessionLogger(t *testing.T) {
	var out lockedBuffer
	s, err := OpenSession(testAddress(t), DefaultConfig(), WithLogger(log.New(&out, "", 0)))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.SendPayload(pattern(10)); err != nil {
		t.Fatal(err)
	}
	expectFrame(t, s)
	feed(t, s, 0x30, 0x00, 0xFA)
	expectFrame(t, s)

	if !strings.Contains(out.String(), "reserved STmin") {
		t.Errorf("session logger output = %q", out.String())
	}
}

func TestSession_FunctionalRejectsMultiFrame(t *testing.T) {
	addr := mustAddress(t, WithSourceAddress(1), WithTargetAddress(2), WithTargetAddressType(Functional))
	s := openTestSession(t, addr, DefaultConfig())
	if err := s.SendPayload(pattern(8)); err == nil {
		t.Error("functional addressing must reject multi-frame payloads")
	}
	if err := s.SendPayload(pattern(7)); err != nil {
		t.Errorf("SendPayload(7): %v", err)
	}
}

func TestSession_Close(t *testing.T) {
	s := openTestSession(t, testAddress(t), DefaultConfig())
	feed(t, s, segment(pattern(30))[0]...)
	expectFrame(t, s)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != StateClosing {
		t.Errorf("state = %s, want CLOSING", s.State())
	}
	if err := s.SendPayload([]byte{1}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SendPayload after Close = %v", err)
	}
	if err := s.FeedRawFrame([]byte{0x01, 0x01}, 2, false); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("FeedRawFrame after Close = %v", err)
	}
	if _, ok := <-s.DrainOutbound(); ok {
		t.Error("outbound channel should be closed")
	}
	if _, ok := <-s.Payloads(); ok {
		t.Error("no partial payload may be delivered after Close")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestOpenSession_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockSize = 300
	if _, err := OpenSession(testAddress(t), cfg); err == nil {
		t.Error("block size 300 should be rejected")
	}
	if _, err := OpenSession(nil, DefaultConfig()); err == nil {
		t.Error("nil address should be rejected")
	}
}
