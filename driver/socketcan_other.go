//go:build !linux

package driver

import (
	"context"
	"fmt"
	"runtime"
)

// SocketCAN 只在 Linux 上可用，其他系统上 Init 总是失败
type SocketCAN struct {
	iface  string
	rxChan chan UnifiedCANMessage
	ctx    context.Context
}

func NewSocketCAN(iface string) *SocketCAN {
	return &SocketCAN{iface: iface, rxChan: make(chan UnifiedCANMessage), ctx: context.Background()}
}

func (s *SocketCAN) Init() error {
	return fmt.Errorf("socketcan: %s 不支持 SocketCAN (接口 %s)", runtime.GOOS, s.iface)
}

func (s *SocketCAN) Start() {}

func (s *SocketCAN) Stop() {}

func (s *SocketCAN) Write(msg UnifiedCANMessage) error {
	if _, err := toSocketCANFrame(msg); err != nil {
		return err
	}
	return ErrNotStarted
}

func (s *SocketCAN) RxChan() <-chan UnifiedCANMessage { return s.rxChan }

func (s *SocketCAN) Context() context.Context { return s.ctx }
