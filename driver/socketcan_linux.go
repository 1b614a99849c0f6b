//go:build linux

package driver

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/brutella/can"
)

// SocketCAN 通过 Linux SocketCAN 接口 (如 can0、vcan0) 收发经典帧
type SocketCAN struct {
	iface string

	mu      sync.Mutex
	bus     *can.Bus
	rxChan  chan UnifiedCANMessage
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
	logger  *log.Logger
}

func NewSocketCAN(iface string) *SocketCAN {
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketCAN{
		iface:  iface,
		rxChan: make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
		logger: log.Default(),
	}
}

func (s *SocketCAN) Init() error {
	bus, err := can.NewBusForInterfaceWithName(s.iface)
	if err != nil {
		return fmt.Errorf("socketcan: 无法打开接口 %s: %w", s.iface, err)
	}
	bus.SubscribeFunc(s.handleFrame)
	s.mu.Lock()
	s.bus = bus
	s.mu.Unlock()
	s.logger.Printf("[SocketCAN] %s 初始化成功", s.iface)
	return nil
}

func (s *SocketCAN) handleFrame(frame can.Frame) {
	msg, ok := fromSocketCANFrame(frame)
	if !ok {
		return
	}
	select {
	case s.rxChan <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("[SocketCAN] 接收缓冲区已满，丢弃 ID=0x%03X", msg.ID)
	}
}

// Start 启动接收循环。ConnectAndPublish 会一直阻塞到 Disconnect。
func (s *SocketCAN) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.bus == nil {
		return
	}
	s.running = true
	s.wg.Add(1)
	go func(bus *can.Bus) {
		defer s.wg.Done()
		if err := bus.ConnectAndPublish(); err != nil && s.ctx.Err() == nil {
			s.logger.Printf("[SocketCAN] %s 接收循环退出: %v", s.iface, err)
		}
	}(s.bus)
	s.logger.Printf("[SocketCAN] %s 已启动", s.iface)
}

func (s *SocketCAN) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	bus := s.bus
	s.mu.Unlock()

	s.cancel()
	if err := bus.Disconnect(); err != nil {
		s.logger.Printf("[SocketCAN] %s 断开失败: %v", s.iface, err)
	}
	s.wg.Wait()
	close(s.rxChan)
}

func (s *SocketCAN) Write(msg UnifiedCANMessage) error {
	frame, err := toSocketCANFrame(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	bus, running := s.bus, s.running
	s.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	return bus.Publish(frame)
}

func (s *SocketCAN) RxChan() <-chan UnifiedCANMessage { return s.rxChan }

func (s *SocketCAN) Context() context.Context { return s.ctx }
