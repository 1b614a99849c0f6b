package tp

import (
	"fmt"
	"time"
)

// Config defines the configuration for the ISO-TP Transport.
type Config struct {
	// PaddingByte, if not nil, is used to pad classic frames to 8 bytes and
	// FD frames to the next valid data length.
	PaddingByte *byte

	// Transmitter Side Timeouts
	TimeoutN_As time.Duration // Time for the bus side to take an outbound frame
	TimeoutN_Bs time.Duration // Time until reception of FlowControl

	// Receiver Side Timeouts
	TimeoutN_Cr time.Duration // Time until reception of next CF

	// Parameters advertised in our flow control frames.
	BlockSize int
	StMin     time.Duration

	// OverrideReceiverStMin, if not nil, replaces the STmin the peer requests.
	OverrideReceiverStMin *time.Duration

	// MaxWaitFrame (WFTMax) is the number of consecutive FC(WAIT) frames tolerated
	// before the transmission is aborted with N_WFT_OVRN.
	MaxWaitFrame int

	// TxDataMinLength forces the transmitted data length to be at least this value.
	// If 0, it means no forced minimum length (except what's required by protocol).
	TxDataMinLength int

	// MaxFrameSize is the largest FF_DL accepted before answering with FC(OVERFLOW).
	MaxFrameSize uint32

	// MaxMalformedFrames consecutive undecodable frames move the session to CLOSING.
	// 0 disables the limit.
	MaxMalformedFrames int

	// QueueHighWater logs a warning whenever an input queue grows past it.
	QueueHighWater int

	// Channel capacities.
	PayloadBuffer  int
	OutboundBuffer int
	ErrorBuffer    int
}

// DefaultConfig returns the standard ISO-15765-2 defaults.
func DefaultConfig() Config {
	return Config{
		PaddingByte: nil, // No padding by default

		// Default Timeouts (ISO 15765-2 recommended values)
		TimeoutN_As: 1000 * time.Millisecond,
		TimeoutN_Bs: 1000 * time.Millisecond,
		TimeoutN_Cr: 1000 * time.Millisecond,

		BlockSize: 0, // BlockSize 0 means unlimited
		StMin:     0,

		MaxWaitFrame:       10,
		TxDataMinLength:    0,
		MaxFrameSize:       4095,
		MaxMalformedFrames: 8,
		QueueHighWater:     256,

		PayloadBuffer:  16,
		OutboundBuffer: 64,
		ErrorBuffer:    16,
	}
}

// Validate checks if the configuration parameters are valid.
func (c *Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"TimeoutN_As": c.TimeoutN_As,
		"TimeoutN_Bs": c.TimeoutN_Bs,
		"TimeoutN_Cr": c.TimeoutN_Cr,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %v", name, d)
		}
	}
	if c.BlockSize < 0 || c.BlockSize > 0xFF {
		return InvalidBlockSizeError{newIsoTpError("config: block size %d does not fit in a byte", c.BlockSize)}
	}
	if _, err := EncodeSeparationTime(c.StMin); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.OverrideReceiverStMin != nil && *c.OverrideReceiverStMin < 0 {
		return fmt.Errorf("config: OverrideReceiverStMin must not be negative")
	}
	if c.MaxWaitFrame < 0 {
		return fmt.Errorf("config: MaxWaitFrame must not be negative, got %d", c.MaxWaitFrame)
	}
	if c.TxDataMinLength != 0 && !isValidDataLength(c.TxDataMinLength, true) {
		return fmt.Errorf("config: TxDataMinLength %d is not a valid CAN_DL", c.TxDataMinLength)
	}
	if c.MaxFrameSize == 0 {
		return fmt.Errorf("config: MaxFrameSize must be positive")
	}
	if c.MaxMalformedFrames < 0 || c.QueueHighWater < 0 {
		return fmt.Errorf("config: MaxMalformedFrames and QueueHighWater must not be negative")
	}
	if c.PayloadBuffer <= 0 || c.OutboundBuffer <= 0 || c.ErrorBuffer <= 0 {
		return fmt.Errorf("config: channel buffers must be positive")
	}
	return nil
}
