package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/canexplorer/logrecorder"
	"github.com/LoveWonYoung/canexplorer/tp"
)

var (
	// Bus selection flags
	driverName    string
	ifaceName     string
	portName      string
	baudRate      int
	canBitrate    int
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Addressing flags
	srcAddr       uint8
	dstAddr       uint8
	extAddr       uint8
	txID          uint32
	rxID          uint32
	mixed         bool
	canFD         bool
	brs           bool
	extendedID    bool
	functional    bool
	maxDataLength int

	// Protocol flags
	blockSize    int
	stMin        time.Duration
	paddingByte  string
	maxFrameSize uint32
	timeoutBs    time.Duration
	timeoutCr    time.Duration

	logDir   string
	stopLogs func()
)

var rootCmd = &cobra.Command{
	Use:   "canexplorer",
	Short: "ISO-TP (ISO 15765-2) transport over CAN",
	Long: `canexplorer - send and receive ISO-TP payloads over CAN and CAN FD.

Bus connection modes:
  SocketCAN: --iface can0
  SLCAN:     --port /dev/ttyACM0 [--baud 115200] [--bitrate 500000]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the ISOTP_PASSWORD
environment variable, or prompted interactively if not set.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logDir == "" {
			return nil
		}
		stop, err := logrecorder.InitAndRotate(logDir, "isotp_", 5*time.Minute)
		if err != nil {
			return err
		}
		stopLogs = stop
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if stopLogs != nil {
			stopLogs()
			stopLogs = nil
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&driverName, "driver", "", "Bus driver: socketcan, slcan, websocket or virtual (default: chosen from --iface/--port/--url)")
	pf.StringVar(&ifaceName, "iface", "", "SocketCAN interface")
	pf.StringVarP(&portName, "port", "p", "", "SLCAN serial port device")
	pf.IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")
	pf.IntVar(&canBitrate, "bitrate", 500000, "CAN bus bitrate (SLCAN only)")
	pf.StringVarP(&wsURL, "url", "u", "", "WebSocket gateway URL (ws:// or wss://)")
	pf.StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	pf.BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	pf.Uint8Var(&srcAddr, "src", 0x01, "Source address")
	pf.Uint8Var(&dstAddr, "dst", 0x02, "Target address")
	pf.Uint8Var(&extAddr, "ext", 0, "Address extension (mixed addressing)")
	pf.Uint32Var(&txID, "tx-id", 0, "Override the transmit arbitration ID")
	pf.Uint32Var(&rxID, "rx-id", 0, "Override the receive arbitration ID")
	pf.BoolVar(&mixed, "mixed", false, "Use mixed (extended) addressing")
	pf.BoolVar(&canFD, "fd", false, "Use CAN FD frames")
	pf.BoolVar(&brs, "brs", false, "Set the bitrate switch flag on CAN FD frames")
	pf.BoolVar(&extendedID, "extended-id", false, "Use 29-bit identifiers")
	pf.BoolVar(&functional, "functional", false, "Functional target addressing (single frames only)")
	pf.IntVar(&maxDataLength, "dl", 0, "Maximum CAN data length per frame (default 8, or 64 with --fd)")

	pf.IntVar(&blockSize, "block-size", 0, "Block size advertised in flow control (0 = unlimited)")
	pf.DurationVar(&stMin, "stmin", 0, "STmin advertised in flow control")
	pf.StringVar(&paddingByte, "padding", "", "Pad outbound frames with this hex byte, e.g. CC")
	pf.Uint32Var(&maxFrameSize, "max-frame-size", 4095, "Largest payload accepted before answering with overflow")
	pf.DurationVar(&timeoutBs, "timeout-bs", time.Second, "N_Bs: wait for flow control")
	pf.DurationVar(&timeoutCr, "timeout-cr", time.Second, "N_Cr: wait for the next consecutive frame")

	pf.StringVar(&logDir, "log-dir", "", "Write logs to dated files under this directory")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// buildAddress turns the addressing flags into an AddressInfo.
func buildAddress() (*tp.AddressInfo, error) {
	opts := []tp.AddressOption{
		tp.WithSourceAddress(int(srcAddr)),
		tp.WithTargetAddress(int(dstAddr)),
		tp.WithFD(canFD),
		tp.WithBitrateSwitch(brs),
		tp.WithExtendedID(extendedID),
	}
	if mixed {
		opts = append(opts, tp.WithAddressingType(tp.MixedExtended), tp.WithAddressExtension(int(extAddr)))
	}
	if functional {
		opts = append(opts, tp.WithTargetAddressType(tp.Functional))
	}
	if maxDataLength != 0 {
		opts = append(opts, tp.WithMaxPayloadLength(maxDataLength))
	}
	if txID != 0 {
		opts = append(opts, tp.WithTxID(int64(txID)))
	}
	if rxID != 0 {
		opts = append(opts, tp.WithRxID(int64(rxID)))
	}
	return tp.NewAddressInfo(opts...)
}

// buildConfig turns the protocol flags into a validated Config.
func buildConfig() (tp.Config, error) {
	cfg := tp.DefaultConfig()
	cfg.BlockSize = blockSize
	cfg.StMin = stMin
	cfg.MaxFrameSize = maxFrameSize
	cfg.TimeoutN_Bs = timeoutBs
	cfg.TimeoutN_Cr = timeoutCr
	if paddingByte != "" {
		var b byte
		if _, err := fmt.Sscanf(paddingByte, "%x", &b); err != nil {
			return cfg, fmt.Errorf("invalid --padding %q: %w", paddingByte, err)
		}
		cfg.PaddingByte = &b
	}
	return cfg, cfg.Validate()
}
