package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LoveWonYoung/canexplorer/tp"
)

// 缓冲区配置常量
const (
	RxChannelBufferSize = 1024
	PollingInterval     = time.Millisecond
)

// ErrNotStarted 表示驱动尚未启动或已停止
var ErrNotStarted = errors.New("driver: 设备未启动")

// UnifiedCANMessage 是一个通用的CAN/CAN-FD消息结构体，用于在channel中传递。
// DLC 保存的是实际数据字节数，而不是总线上的DLC码。
type UnifiedCANMessage struct {
	ID         uint32
	DLC        byte
	Data       [64]byte // 使用64字节以兼容CAN-FD
	IsFD       bool     // 标志位，用于区分是CAN还是CAN-FD消息
	IsExtended bool     // 29位标识符
	BRS        bool     // CAN-FD 比特率切换
}

// Payload 返回有效数据部分
func (m UnifiedCANMessage) Payload() []byte {
	n := int(m.DLC)
	if n > len(m.Data) {
		n = len(m.Data)
	}
	return m.Data[:n]
}

// ToCanMessage 转换为协议栈使用的帧
func (m UnifiedCANMessage) ToCanMessage() tp.CanMessage {
	return tp.CanMessage{
		ArbitrationID: m.ID,
		Data:          append([]byte(nil), m.Payload()...),
		IsExtendedID:  m.IsExtended,
		IsFD:          m.IsFD,
		BitrateSwitch: m.BRS,
	}
}

// FromCanMessage 把协议栈输出的帧转换为驱动层消息，长度必须是合法的CAN_DL
func FromCanMessage(msg tp.CanMessage) (UnifiedCANMessage, error) {
	dlc, err := msg.DLC()
	if err != nil {
		return UnifiedCANMessage{}, fmt.Errorf("driver: %w", err)
	}
	if n, _ := tp.DecodeDLC(dlc, msg.IsFD); n != len(msg.Data) {
		return UnifiedCANMessage{}, fmt.Errorf("driver: %d 字节不是合法的数据长度", len(msg.Data))
	}
	u := UnifiedCANMessage{
		ID:         msg.ArbitrationID,
		DLC:        byte(len(msg.Data)),
		IsFD:       msg.IsFD,
		IsExtended: msg.IsExtendedID,
		BRS:        msg.BitrateSwitch,
	}
	copy(u.Data[:], msg.Data)
	return u, nil
}

// NewMessage 以原始数据构造一条消息
func NewMessage(id uint32, data []byte, isFD bool) UnifiedCANMessage {
	u := UnifiedCANMessage{ID: id, DLC: byte(min(len(data), 64)), IsFD: isFD, IsExtended: id > 0x7FF}
	copy(u.Data[:], data)
	return u
}

// CANDriver 定义了CAN/CAN-FD驱动的统一接口
type CANDriver interface {
	Init() error
	Start()
	Stop()
	Write(msg UnifiedCANMessage) error
	RxChan() <-chan UnifiedCANMessage
	Context() context.Context
}
