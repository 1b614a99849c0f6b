package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/LoveWonYoung/canexplorer/tp"
	"go.bug.st/serial"
)

// SLCAN 命令中使用的标准波特率编号
var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// EncodeSLCAN 把一帧编码为 SLCAN ASCII 命令 (含结尾的 '\r')。
// t/T 为经典帧，d/D 为不带BRS的FD帧，b/B 为带BRS的FD帧。
func EncodeSLCAN(msg UnifiedCANMessage) (string, error) {
	data := msg.Payload()
	dlc, err := tp.EncodeDLC(len(data), msg.IsFD)
	if err != nil {
		return "", err
	}
	if n, _ := tp.DecodeDLC(dlc, msg.IsFD); n != len(data) {
		return "", fmt.Errorf("slcan: %d 字节不是合法的数据长度", len(data))
	}

	var cmd byte
	switch {
	case msg.IsFD && msg.BRS:
		cmd = 'b'
	case msg.IsFD:
		cmd = 'd'
	default:
		cmd = 't'
	}

	var builder strings.Builder
	if msg.IsExtended {
		if msg.ID > 0x1FFFFFFF {
			return "", fmt.Errorf("slcan: 扩展帧ID 0x%X 超出29位", msg.ID)
		}
		builder.WriteByte(cmd - 'a' + 'A')
		builder.WriteString(fmt.Sprintf("%08X", msg.ID))
	} else {
		if msg.ID > 0x7FF {
			return "", fmt.Errorf("slcan: 标准帧ID 0x%X 超出11位", msg.ID)
		}
		builder.WriteByte(cmd)
		builder.WriteString(fmt.Sprintf("%03X", msg.ID))
	}
	builder.WriteString(strings.ToUpper(strconv.FormatInt(int64(dlc), 16)))
	for _, b := range data {
		builder.WriteString(fmt.Sprintf("%02X", b))
	}
	builder.WriteByte('\r')
	return builder.String(), nil
}

// DecodeSLCAN 解析一行 SLCAN 帧 (可以带或不带结尾的 '\r')
func DecodeSLCAN(line string) (UnifiedCANMessage, error) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return UnifiedCANMessage{}, errors.New("slcan: 空行")
	}

	var msg UnifiedCANMessage
	idLen := 3
	switch line[0] {
	case 't':
	case 'T':
		msg.IsExtended, idLen = true, 8
	case 'd':
		msg.IsFD = true
	case 'D':
		msg.IsFD, msg.IsExtended, idLen = true, true, 8
	case 'b':
		msg.IsFD, msg.BRS = true, true
	case 'B':
		msg.IsFD, msg.BRS, msg.IsExtended, idLen = true, true, true, 8
	default:
		return UnifiedCANMessage{}, fmt.Errorf("slcan: 未知命令 %q", line[0])
	}

	if len(line) < 1+idLen+1 {
		return UnifiedCANMessage{}, fmt.Errorf("slcan: 帧太短 %q", line)
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return UnifiedCANMessage{}, fmt.Errorf("slcan: 非法ID: %w", err)
	}
	if (!msg.IsExtended && id > 0x7FF) || id > 0x1FFFFFFF {
		return UnifiedCANMessage{}, fmt.Errorf("slcan: ID 0x%X 超出范围", id)
	}
	msg.ID = uint32(id)

	dlc, err := strconv.ParseUint(line[1+idLen:2+idLen], 16, 8)
	if err != nil {
		return UnifiedCANMessage{}, fmt.Errorf("slcan: 非法DLC: %w", err)
	}
	n, err := tp.DecodeDLC(int(dlc), msg.IsFD)
	if err != nil {
		return UnifiedCANMessage{}, err
	}

	hexData := line[2+idLen:]
	if len(hexData) != 2*n {
		return UnifiedCANMessage{}, fmt.Errorf("slcan: DLC %d 需要 %d 字节数据，实际 %d 个字符", dlc, n, len(hexData))
	}
	for i := 0; i < n; i++ {
		b, err := strconv.ParseUint(hexData[2*i:2*i+2], 16, 8)
		if err != nil {
			return UnifiedCANMessage{}, fmt.Errorf("slcan: 非法数据: %w", err)
		}
		msg.Data[i] = byte(b)
	}
	msg.DLC = byte(n)
	return msg, nil
}

// SLCAN 是通过串口 SLCAN 适配器访问总线的 CANDriver
type SLCAN struct {
	portName string
	baudRate int
	bitrate  int
	canType  CanType
	open     func() (io.ReadWriteCloser, error)

	mu      sync.Mutex
	port    io.ReadWriteCloser
	rxChan  chan UnifiedCANMessage
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
	logger  *log.Logger
}

// NewSLCAN 创建串口 SLCAN 驱动。baudRate 是串口速率，bitrate 是 CAN 总线速率。
func NewSLCAN(portName string, baudRate, bitrate int, canType CanType) *SLCAN {
	s := newSLCAN(bitrate, canType, func() (io.ReadWriteCloser, error) {
		mode := &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(portName, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %v", portName, err)
		}
		return port, nil
	})
	s.portName, s.baudRate = portName, baudRate
	return s
}

func newSLCAN(bitrate int, canType CanType, open func() (io.ReadWriteCloser, error)) *SLCAN {
	ctx, cancel := context.WithCancel(context.Background())
	return &SLCAN{
		bitrate: bitrate,
		canType: canType,
		open:    open,
		rxChan:  make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.Default(),
	}
}

// Init 打开串口并按 SLCAN 流程关闭、设置速率、再打开通道
func (s *SLCAN) Init() error {
	code, ok := slcanBitrates[s.bitrate]
	if !ok {
		return fmt.Errorf("slcan: 不支持的总线速率 %d", s.bitrate)
	}
	port, err := s.open()
	if err != nil {
		return err
	}
	for _, cmd := range []string{"C\r", "S" + string(code) + "\r", "O\r"} {
		if _, err := io.WriteString(port, cmd); err != nil {
			port.Close()
			return fmt.Errorf("slcan: 写入命令 %q 失败: %w", strings.TrimSpace(cmd), err)
		}
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	s.logger.Printf("[SLCAN] %s 初始化成功, 速率 %d", s.portName, s.bitrate)
	return nil
}

// Start 启动接收循环
func (s *SLCAN) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.port == nil {
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.readLoop(s.port)
}

func (s *SLCAN) readLoop(port io.Reader) {
	defer s.wg.Done()
	reader := bufio.NewReader(port)
	for {
		line, err := reader.ReadString('\r')
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Printf("[SLCAN] 读取失败: %v", err)
			}
			return
		}
		// 去掉 BEL 错误应答和发送确认
		line = strings.TrimLeft(line, "\a")
		if line == "\r" || strings.HasPrefix(line, "z") || strings.HasPrefix(line, "Z") {
			continue
		}
		msg, err := DecodeSLCAN(line)
		if err != nil {
			s.logger.Printf("[SLCAN] 忽略无法解析的行 %q: %v", line, err)
			continue
		}
		select {
		case s.rxChan <- msg:
		case <-s.ctx.Done():
			return
		default:
			s.logger.Printf("[SLCAN] 接收缓冲区已满，丢弃 ID=0x%03X", msg.ID)
		}
	}
}

// Stop 关闭通道和串口，RxChan 随之关闭
func (s *SLCAN) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	port := s.port
	s.mu.Unlock()

	s.cancel()
	_, _ = io.WriteString(port, "C\r")
	port.Close()
	s.wg.Wait()
	close(s.rxChan)
}

func (s *SLCAN) Write(msg UnifiedCANMessage) error {
	if msg.IsFD && s.canType != CANFD {
		return errors.New("slcan: 适配器未配置为 CAN-FD")
	}
	line, err := EncodeSLCAN(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotStarted
	}
	_, err = io.WriteString(s.port, line)
	return err
}

func (s *SLCAN) RxChan() <-chan UnifiedCANMessage { return s.rxChan }

func (s *SLCAN) Context() context.Context { return s.ctx }
