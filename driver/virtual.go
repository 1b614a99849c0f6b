package driver

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// CanType 定义 CAN 类型
type CanType byte

const (
	CAN   CanType = 0
	CANFD CanType = 1
)

func (t CanType) String() string {
	if t == CANFD {
		return "CANFD"
	}
	return "CAN"
}

// VirtualBus 是进程内的虚拟总线，挂在上面的每个节点都能收到其他节点写出的帧。
// 用于开发和测试，不依赖实际硬件
type VirtualBus struct {
	mu    sync.Mutex
	nodes []*VirtualNode
}

func NewVirtualBus() *VirtualBus {
	return &VirtualBus{}
}

// Attach 在总线上创建一个新节点
func (b *VirtualBus) Attach(name string, canType CanType) *VirtualNode {
	ctx, cancel := context.WithCancel(context.Background())
	n := &VirtualNode{
		bus:     b,
		name:    name,
		rxChan:  make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		canType: canType,
		logger:  log.Default(),
	}
	b.mu.Lock()
	b.nodes = append(b.nodes, n)
	b.mu.Unlock()
	return n
}

func (b *VirtualBus) broadcast(from *VirtualNode, msg UnifiedCANMessage) {
	b.mu.Lock()
	peers := append([]*VirtualNode(nil), b.nodes...)
	b.mu.Unlock()
	for _, n := range peers {
		if n != from {
			n.deliver(msg)
		}
	}
}

// WriteRecord 记录一次写入操作
type WriteRecord struct {
	Message   UnifiedCANMessage
	Timestamp time.Time
}

// MockCANResponse 定义预设的自动响应
type MockCANResponse struct {
	TriggerID   uint32        // 触发响应的请求 ID
	ResponseID  uint32        // 响应的 ID
	TriggerData []byte        // 触发响应的数据前缀 (可选)
	Response    []byte        // 响应数据
	Delay       time.Duration // 响应延迟
}

// VirtualNode 是虚拟总线上的一个 CANDriver 实现
type VirtualNode struct {
	mu        sync.Mutex
	bus       *VirtualBus
	name      string
	rxChan    chan UnifiedCANMessage
	ctx       context.Context
	cancel    context.CancelFunc
	canType   CanType
	running   bool
	stopped   bool
	logger    *log.Logger
	writeLog  []WriteRecord     // 记录写入的数据
	responses []MockCANResponse // 预设的自动响应
}

// SetLogger 替换节点日志输出
func (c *VirtualNode) SetLogger(l *log.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = l
}

// Init 初始化虚拟设备 (总是成功)
func (c *VirtualNode) Init() error {
	c.logger.Printf("[Virtual] %s 初始化成功 (%s)", c.name, c.canType)
	return nil
}

// Start 启动虚拟设备
func (c *VirtualNode) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running || c.stopped {
		return
	}
	c.running = true
	c.logger.Printf("[Virtual] %s 已启动", c.name)
}

// Stop 停止虚拟设备，RxChan 随之关闭
func (c *VirtualNode) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	c.stopped = true
	c.cancel()
	close(c.rxChan)
	c.logger.Printf("[Virtual] %s 已停止", c.name)
}

// Write 把帧写到总线上，其他节点都会收到
func (c *VirtualNode) Write(msg UnifiedCANMessage) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if msg.IsFD && c.canType != CANFD {
		c.mu.Unlock()
		return fmt.Errorf("driver: %s 不支持 CAN-FD 帧", c.name)
	}
	c.writeLog = append(c.writeLog, WriteRecord{Message: msg, Timestamp: time.Now()})
	c.logger.Printf("[Virtual] %s TX %s: ID=0x%03X, DLC=%02d, Data=% 02X", c.name, c.canType, msg.ID, msg.DLC, msg.Payload())

	var triggered []MockCANResponse
	for _, resp := range c.responses {
		if resp.TriggerID == msg.ID && bytes.HasPrefix(msg.Payload(), resp.TriggerData) {
			triggered = append(triggered, resp)
		}
	}
	c.mu.Unlock()

	c.bus.broadcast(c, msg)

	// 发送响应
	for _, r := range triggered {
		go func(r MockCANResponse) {
			time.Sleep(r.Delay)
			if err := c.InjectMessage(NewMessage(r.ResponseID, r.Response, c.canType == CANFD)); err != nil {
				c.logger.Printf("[Virtual] %s 注入响应失败: %v", c.name, err)
			}
		}(r)
	}
	return nil
}

// RxChan 返回接收通道
func (c *VirtualNode) RxChan() <-chan UnifiedCANMessage {
	return c.rxChan
}

// Context 返回设备上下文
func (c *VirtualNode) Context() context.Context {
	return c.ctx
}

// InjectMessage 向接收通道注入一条消息 (模拟接收)
func (c *VirtualNode) InjectMessage(msg UnifiedCANMessage) error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	c.deliver(msg)
	return nil
}

func (c *VirtualNode) deliver(msg UnifiedCANMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	if msg.IsFD && c.canType != CANFD {
		return
	}
	select {
	case c.rxChan <- msg:
	default:
		c.logger.Printf("[Virtual] %s 接收缓冲区已满，丢弃 ID=0x%03X", c.name, msg.ID)
	}
}

// AddResponse 添加一个预设响应
func (c *VirtualNode) AddResponse(triggerID, responseID uint32, triggerData, response []byte, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, MockCANResponse{
		TriggerID:   triggerID,
		ResponseID:  responseID,
		TriggerData: triggerData,
		Response:    response,
		Delay:       delay,
	})
}

// ClearResponses 清除所有预设响应
func (c *VirtualNode) ClearResponses() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = nil
}

// GetWriteLog 获取写入日志
func (c *VirtualNode) GetWriteLog() []WriteRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WriteRecord{}, c.writeLog...)
}

// ClearWriteLog 清除写入日志
func (c *VirtualNode) ClearWriteLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeLog = nil
}

// IsRunning 检查设备是否正在运行
func (c *VirtualNode) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
