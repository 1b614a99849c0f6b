package tp

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// CanMessage is one raw CAN or CAN FD frame as seen by the transport.
// Data holds exactly CAN_DL bytes.
type CanMessage struct {
	ArbitrationID uint32
	Data          []byte
	IsExtendedID  bool
	IsFD          bool
	BitrateSwitch bool
}

// DLC returns the DLC code that carries len(m.Data) bytes.
func (m *CanMessage) DLC() (int, error) {
	return EncodeDLC(len(m.Data), m.IsFD)
}

func (m *CanMessage) String() string {
	var idStr string
	if m.IsExtendedID {
		idStr = fmt.Sprintf("%08x", m.ArbitrationID)
	} else {
		idStr = fmt.Sprintf("%03x", m.ArbitrationID)
	}
	dataStr := hex.EncodeToString(m.Data)
	var flags []string
	if m.IsFD {
		flags = append(flags, "fd")
	}
	if m.BitrateSwitch {
		flags = append(flags, "bs")
	}
	var flagStr string
	if len(flags) > 0 {
		flagStr = fmt.Sprintf(" (%s)", strings.Join(flags, ","))
	}
	return fmt.Sprintf("<CanMessage %s [%d]%s \"%s\">", idStr, len(m.Data), flagStr, dataStr)
}
