package driver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/LoveWonYoung/canexplorer/tp"
)

// Adapter 把 CAN 驱动和 ISO-TP 会话粘合在一起：
// 驱动收到的帧按地址过滤后送入会话，会话输出的帧写到驱动。
type Adapter struct {
	driver  CANDriver // 使用接口，使其可以同时支持 CAN 和 CAN-FD
	session *tp.Session
	logger  *log.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	filtered  atomic.Uint64
	writeErrs atomic.Uint64
}

// NewAdapter 初始化并启动驱动，然后开始搬运帧
func NewAdapter(dev CANDriver, session *tp.Session, logger *log.Logger) (*Adapter, error) {
	if dev == nil {
		return nil, errors.New("CAN driver instance cannot be nil")
	}
	if session == nil {
		return nil, errors.New("ISO-TP session cannot be nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize CAN device: %w", err)
	}
	dev.Start()

	ctx, cancel := context.WithCancel(dev.Context())
	a := &Adapter{
		driver:  dev,
		session: session,
		logger:  logger,
		cancel:  cancel,
	}

	a.wg.Add(2)
	// a. 从驱动接收数据，送入协议栈
	go a.rxLoop(ctx)
	// b. 从协议栈获取待发送数据，通过驱动发送
	go a.txLoop(ctx)

	logger.Printf("Adapter started for %s", session.Address())
	return a, nil
}

func (a *Adapter) Session() *tp.Session { return a.session }

// Filtered 返回因地址不匹配而忽略的帧数
func (a *Adapter) Filtered() uint64 { return a.filtered.Load() }

// WriteErrors 返回驱动写失败的次数
func (a *Adapter) WriteErrors() uint64 { return a.writeErrs.Load() }

func (a *Adapter) rxLoop(ctx context.Context) {
	defer a.wg.Done()
	addr := a.session.Address()
	rx := a.driver.RxChan()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-rx:
			if !ok {
				// 如果通道已关闭，驱动已经停止
				return
			}
			cm := msg.ToCanMessage()
			if !addr.Accepts(cm) {
				a.filtered.Add(1)
				continue
			}
			if err := a.session.FeedMessage(cm); err != nil {
				if errors.Is(err, tp.ErrSessionClosed) {
					return
				}
				a.logger.Printf("Adapter: frame %s dropped: %v", cm.String(), err)
			}
		}
	}
}

func (a *Adapter) txLoop(ctx context.Context) {
	defer a.wg.Done()
	out := a.session.DrainOutbound()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-out:
			if !ok {
				return
			}
			u, err := FromCanMessage(msg)
			if err == nil {
				err = a.driver.Write(u)
			}
			if err != nil {
				a.writeErrs.Add(1)
				a.logger.Printf("ERROR: Adapter failed to send message: %v", err)
			}
		}
	}
}

// Close 用于停止驱动并释放资源。会话本身由调用方关闭。
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		a.logger.Println("Closing adapter...")
		a.cancel()
		a.driver.Stop()
		a.wg.Wait()
	})
}
