package driver

import (
	"fmt"

	"github.com/brutella/can"
)

// SocketCAN can_id 中的标志位
const (
	socketCANEffFlag = 0x80000000
	socketCANRtrFlag = 0x40000000
	socketCANErrFlag = 0x20000000
	socketCANEffMask = 0x1FFFFFFF
	socketCANSffMask = 0x000007FF
)

// toSocketCANFrame 把消息转换为 SocketCAN 经典帧
func toSocketCANFrame(msg UnifiedCANMessage) (can.Frame, error) {
	if msg.IsFD {
		return can.Frame{}, fmt.Errorf("socketcan: CAN-FD 帧不受支持")
	}
	data := msg.Payload()
	if len(data) > 8 {
		return can.Frame{}, fmt.Errorf("socketcan: 经典帧最多 8 字节，实际 %d", len(data))
	}
	frame := can.Frame{Length: uint8(len(data))}
	if msg.IsExtended {
		if msg.ID > socketCANEffMask {
			return can.Frame{}, fmt.Errorf("socketcan: 扩展帧ID 0x%X 超出29位", msg.ID)
		}
		frame.ID = msg.ID | socketCANEffFlag
	} else {
		if msg.ID > socketCANSffMask {
			return can.Frame{}, fmt.Errorf("socketcan: 标准帧ID 0x%X 超出11位", msg.ID)
		}
		frame.ID = msg.ID
	}
	copy(frame.Data[:], data)
	return frame, nil
}

// fromSocketCANFrame 转换接收到的帧。远程帧和错误帧返回 false。
func fromSocketCANFrame(frame can.Frame) (UnifiedCANMessage, bool) {
	if frame.ID&(socketCANRtrFlag|socketCANErrFlag) != 0 || frame.Length > 8 {
		return UnifiedCANMessage{}, false
	}
	msg := UnifiedCANMessage{DLC: frame.Length}
	if frame.ID&socketCANEffFlag != 0 {
		msg.ID = frame.ID & socketCANEffMask
		msg.IsExtended = true
	} else {
		msg.ID = frame.ID & socketCANSffMask
	}
	copy(msg.Data[:], frame.Data[:frame.Length])
	return msg, true
}
