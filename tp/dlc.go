package tp

import "fmt"

// dlcLengths maps a DLC code to the number of data bytes it carries.
// Codes 0-8 are shared by classic CAN and CAN FD, 9-15 are FD only.
var dlcLengths = [16]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

const (
	maxClassicDLC = 8
	maxFDDLC      = 15

	// CANMaxDataLength is the largest data field of a classic CAN frame.
	CANMaxDataLength = 8
	// CANFDMaxDataLength is the largest data field of a CAN FD frame.
	CANFDMaxDataLength = 64
)

// DecodeDLC returns the data length encoded by dlc.
func DecodeDLC(dlc int, isFD bool) (int, error) {
	limit := maxClassicDLC
	if isFD {
		limit = maxFDDLC
	}
	if dlc < 0 || dlc > limit {
		return 0, DlcOutOfRangeError{newIsoTpError("DLC %d out of range (fd=%t)", dlc, isFD)}
	}
	return dlcLengths[dlc], nil
}

// EncodeDLC returns the smallest DLC whose data length is at least length.
func EncodeDLC(length int, isFD bool) (int, error) {
	limit := maxClassicDLC
	if isFD {
		limit = maxFDDLC
	}
	if length >= 0 {
		for dlc := 0; dlc <= limit; dlc++ {
			if dlcLengths[dlc] >= length {
				return dlc, nil
			}
		}
	}
	return 0, DlcOutOfRangeError{newIsoTpError("no DLC can carry %d bytes (fd=%t)", length, isFD)}
}

// isValidDataLength reports whether n is exactly one of the lengths a DLC can express.
func isValidDataLength(n int, isFD bool) bool {
	dlc, err := EncodeDLC(n, isFD)
	return err == nil && dlcLengths[dlc] == n
}

// roundUpDataLength returns the frame length needed to carry n bytes on the wire.
func roundUpDataLength(n int, isFD bool) (int, error) {
	dlc, err := EncodeDLC(n, isFD)
	if err != nil {
		return 0, fmt.Errorf("round up data length: %w", err)
	}
	return dlcLengths[dlc], nil
}
