package tp

import "fmt"

// AddressingType selects where the PCI starts inside the frame.
type AddressingType uint8

const (
	// Normal addressing puts the PCI at byte 0.
	Normal AddressingType = iota
	// MixedExtended reserves byte 0 for the address extension; the PCI starts at byte 1.
	MixedExtended
)

func (t AddressingType) String() string {
	switch t {
	case Normal:
		return "normal"
	case MixedExtended:
		return "mixed"
	}
	return fmt.Sprintf("AddressingType(%d)", uint8(t))
}

// TargetAddressType is physical (1:1) or functional (1:N).
type TargetAddressType uint8

const (
	Physical TargetAddressType = iota
	Functional
)

func (t TargetAddressType) String() string {
	if t == Functional {
		return "functional"
	}
	return "physical"
}

const (
	max11BitID = 0x7FF
	max29BitID = 0x1FFFFFFF
)

// AddressInfo is the immutable addressing context of one session.
// Build it with NewAddressInfo; the zero value is not valid.
type AddressInfo struct {
	sourceAddress    int
	targetAddress    int
	addressExtension int
	hasSource        bool
	hasTarget        bool
	hasExtension     bool

	txID, rxID       int64
	hasTxID, hasRxID bool

	targetAddressType TargetAddressType
	addressingType    AddressingType
	isFD              bool
	isExtendedID      bool
	bitrateSwitch     bool
	maxPayloadLength  int
}

// AddressOption configures an AddressInfo under construction.
type AddressOption func(*AddressInfo)

func WithSourceAddress(sa int) AddressOption {
	return func(a *AddressInfo) { a.sourceAddress, a.hasSource = sa, true }
}

func WithTargetAddress(ta int) AddressOption {
	return func(a *AddressInfo) { a.targetAddress, a.hasTarget = ta, true }
}

func WithAddressExtension(ae int) AddressOption {
	return func(a *AddressInfo) { a.addressExtension, a.hasExtension = ae, true }
}

func WithTargetAddressType(t TargetAddressType) AddressOption {
	return func(a *AddressInfo) { a.targetAddressType = t }
}

func WithAddressingType(t AddressingType) AddressOption {
	return func(a *AddressInfo) { a.addressingType = t }
}

// WithFD enables CAN FD frames. The payload ceiling defaults to 64 unless set explicitly.
func WithFD(fd bool) AddressOption {
	return func(a *AddressInfo) { a.isFD = fd }
}

func WithExtendedID(ext bool) AddressOption {
	return func(a *AddressInfo) { a.isExtendedID = ext }
}

func WithBitrateSwitch(brs bool) AddressOption {
	return func(a *AddressInfo) { a.bitrateSwitch = brs }
}

func WithMaxPayloadLength(n int) AddressOption {
	return func(a *AddressInfo) { a.maxPayloadLength = n }
}

// WithTxID overrides the computed transmit identifier.
func WithTxID(id int64) AddressOption {
	return func(a *AddressInfo) { a.txID, a.hasTxID = id, true }
}

// WithRxID overrides the computed receive identifier.
func WithRxID(id int64) AddressOption {
	return func(a *AddressInfo) { a.rxID, a.hasRxID = id, true }
}

// NewAddressInfo builds and validates an addressing context.
func NewAddressInfo(opts ...AddressOption) (*AddressInfo, error) {
	a := &AddressInfo{}
	for _, opt := range opts {
		opt(a)
	}
	if a.maxPayloadLength == 0 {
		a.maxPayloadLength = CANMaxDataLength
		if a.isFD {
			a.maxPayloadLength = CANFDMaxDataLength
		}
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AddressInfo) validate() error {
	checkByte := func(name string, present bool, v int) error {
		if present && (v < 0 || v > 0xFF) {
			return AddressingError{newIsoTpError("%s must be between 0x00 and 0xFF, got %d", name, v)}
		}
		return nil
	}
	if err := checkByte("source_address", a.hasSource, a.sourceAddress); err != nil {
		return err
	}
	if err := checkByte("target_address", a.hasTarget, a.targetAddress); err != nil {
		return err
	}
	if err := checkByte("address_extension", a.hasExtension, a.addressExtension); err != nil {
		return err
	}

	switch a.addressingType {
	case Normal:
	case MixedExtended:
		if !a.hasSource || !a.hasTarget {
			return AddressingError{newIsoTpError("source_address and target_address must be specified for mixed addressing")}
		}
		if !a.hasExtension {
			return AddressingError{newIsoTpError("address_extension must be specified for mixed addressing")}
		}
	default:
		return AddressingError{newIsoTpError("unsupported addressing type %d", a.addressingType)}
	}
	if a.targetAddressType != Physical && a.targetAddressType != Functional {
		return AddressingError{newIsoTpError("unsupported target address type %d", a.targetAddressType)}
	}

	if a.maxPayloadLength < CANMaxDataLength || !isValidDataLength(a.maxPayloadLength, a.isFD) {
		return AddressingError{newIsoTpError("max_payload_length %d is not a valid CAN_DL (fd=%t)", a.maxPayloadLength, a.isFD)}
	}
	if a.bitrateSwitch && !a.isFD {
		return AddressingError{newIsoTpError("bitrate switch requires CAN FD")}
	}

	limit := int64(max11BitID)
	if a.isExtendedID {
		limit = max29BitID
	}
	for _, id := range []int64{int64(a.ArbitrationID()), int64(a.RxArbitrationID())} {
		if id < 0 || id > limit {
			return AddressingError{newIsoTpError("arbitration id 0x%X does not fit the identifier format (extended=%t)", id, a.isExtendedID)}
		}
	}
	return nil
}

func (a *AddressInfo) SourceAddress() byte { return byte(a.sourceAddress) }
func (a *AddressInfo) TargetAddress() byte { return byte(a.targetAddress) }

// AddressExtension returns the extension byte and whether one was configured.
func (a *AddressInfo) AddressExtension() (byte, bool) {
	return byte(a.addressExtension), a.hasExtension
}

func (a *AddressInfo) TargetAddressType() TargetAddressType { return a.targetAddressType }
func (a *AddressInfo) AddressingType() AddressingType       { return a.addressingType }
func (a *AddressInfo) IsFD() bool                           { return a.isFD }
func (a *AddressInfo) IsExtendedID() bool                   { return a.isExtendedID }
func (a *AddressInfo) BitrateSwitch() bool                  { return a.bitrateSwitch }
func (a *AddressInfo) MaxPayloadLength() int                { return a.maxPayloadLength }

// ArbitrationID is the identifier this side transmits with: (target << 4) | source,
// unless overridden with WithTxID.
func (a *AddressInfo) ArbitrationID() uint32 {
	if a.hasTxID {
		return uint32(a.txID)
	}
	return uint32(a.targetAddress)<<4 | uint32(a.sourceAddress)
}

// RxArbitrationID is the identifier the peer transmits with.
func (a *AddressInfo) RxArbitrationID() uint32 {
	if a.hasRxID {
		return uint32(a.rxID)
	}
	return uint32(a.sourceAddress)<<4 | uint32(a.targetAddress)
}

// IsNormalAddressing reports whether the PCI starts at offset 0.
func (a *AddressInfo) IsNormalAddressing() bool {
	return a.addressingType == Normal
}

// PrefixSize is the number of leading payload bytes consumed by addressing.
func (a *AddressInfo) PrefixSize() int {
	if a.IsNormalAddressing() {
		return 0
	}
	return 1
}

// TxPrefix returns the bytes prepended to every outbound frame.
func (a *AddressInfo) TxPrefix() []byte {
	if a.IsNormalAddressing() {
		return nil
	}
	return []byte{byte(a.addressExtension)}
}

// Accepts reports whether msg was sent to this side by the peer.
func (a *AddressInfo) Accepts(msg CanMessage) bool {
	if msg.IsExtendedID != a.isExtendedID || msg.ArbitrationID != a.RxArbitrationID() {
		return false
	}
	if a.IsNormalAddressing() {
		return true
	}
	return len(msg.Data) > 0 && int(msg.Data[0]) == a.addressExtension
}

// Peer returns the addressing context of the other end of the link.
func (a *AddressInfo) Peer() *AddressInfo {
	p := *a
	p.sourceAddress, p.targetAddress = a.targetAddress, a.sourceAddress
	p.hasSource, p.hasTarget = a.hasTarget, a.hasSource
	p.txID, p.rxID = a.rxID, a.txID
	p.hasTxID, p.hasRxID = a.hasRxID, a.hasTxID
	return &p
}

func (a *AddressInfo) String() string {
	return fmt.Sprintf("<AddressInfo %s/%s tx=0x%X rx=0x%X fd=%t dl=%d>",
		a.addressingType, a.targetAddressType, a.ArbitrationID(), a.RxArbitrationID(), a.isFD, a.maxPayloadLength)
}
