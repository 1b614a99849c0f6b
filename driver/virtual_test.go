package driver

import (
	"bytes"
	"io"
	"log"
	"testing"
	"time"
)

func attachQuiet(bus *VirtualBus, name string, canType CanType) *VirtualNode {
	n := bus.Attach(name, canType)
	n.SetLogger(log.New(io.Discard, "", 0))
	_ = n.Init()
	n.Start()
	return n
}

func receive(t *testing.T, n *VirtualNode) UnifiedCANMessage {
	t.Helper()
	select {
	case msg := <-n.RxChan():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return UnifiedCANMessage{}
}

func TestVirtualBus_Broadcast(t *testing.T) {
	bus := NewVirtualBus()
	a := attachQuiet(bus, "a", CAN)
	b := attachQuiet(bus, "b", CAN)
	c := attachQuiet(bus, "c", CAN)
	defer a.Stop()
	defer b.Stop()
	defer c.Stop()

	if err := a.Write(NewMessage(0x123, []byte{0xAA, 0xBB}, false)); err != nil {
		t.Fatal(err)
	}
	for _, n := range []*VirtualNode{b, c} {
		if msg := receive(t, n); msg.ID != 0x123 || !bytes.Equal(msg.Payload(), []byte{0xAA, 0xBB}) {
			t.Errorf("%s received %+v", n.name, msg)
		}
	}
	select {
	case msg := <-a.RxChan():
		t.Errorf("writer must not receive its own frame, got ID 0x%X", msg.ID)
	default:
	}
	if wl := a.GetWriteLog(); len(wl) != 1 || wl[0].Message.ID != 0x123 {
		t.Errorf("write log = %+v", wl)
	}
	a.ClearWriteLog()
	if len(a.GetWriteLog()) != 0 {
		t.Error("ClearWriteLog did not clear")
	}
}

func TestVirtualNode_FDOnClassicNode(t *testing.T) {
	bus := NewVirtualBus()
	classic := attachQuiet(bus, "classic", CAN)
	fd := attachQuiet(bus, "fd", CANFD)
	defer classic.Stop()
	defer fd.Stop()

	if err := classic.Write(NewMessage(0x100, make([]byte, 12), true)); err == nil {
		t.Error("classic node must refuse FD frames")
	}
	if err := fd.Write(NewMessage(0x100, make([]byte, 12), true)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-classic.RxChan():
		t.Error("classic node must not see FD frames")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestVirtualNode_ScriptedResponse(t *testing.T) {
	bus := NewVirtualBus()
	n := attachQuiet(bus, "tester", CAN)
	defer n.Stop()

	n.AddResponse(0x7E0, 0x7E8, []byte{0x02, 0x10}, []byte{0x02, 0x50, 0x03}, 0)
	if err := n.Write(NewMessage(0x7E0, []byte{0x02, 0x3E, 0x00}, false)); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-n.RxChan():
		t.Fatalf("prefix mismatch must not trigger, got ID 0x%X", msg.ID)
	case <-time.After(20 * time.Millisecond):
	}

	if err := n.Write(NewMessage(0x7E0, []byte{0x02, 0x10, 0x03}, false)); err != nil {
		t.Fatal(err)
	}
	if msg := receive(t, n); msg.ID != 0x7E8 || !bytes.Equal(msg.Payload(), []byte{0x02, 0x50, 0x03}) {
		t.Errorf("response = %+v", msg)
	}
	n.ClearResponses()
}

func TestVirtualNode_StopClosesChannel(t *testing.T) {
	n := attachQuiet(NewVirtualBus(), "n", CAN)
	n.Stop()
	if _, ok := <-n.RxChan(); ok {
		t.Error("RxChan should be closed")
	}
	if err := n.Write(NewMessage(1, nil, false)); err != ErrNotStarted {
		t.Errorf("Write after Stop = %v", err)
	}
	if err := n.InjectMessage(NewMessage(1, nil, false)); err != ErrNotStarted {
		t.Errorf("InjectMessage after Stop = %v", err)
	}
	n.Start()
	if n.IsRunning() {
		t.Error("a stopped node cannot be restarted")
	}
	n.Stop()
}
