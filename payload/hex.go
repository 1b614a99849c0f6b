// Package payload prepares data for and checks data from an ISO-TP session:
// hex strings and Intel HEX images in, authenticated payloads in and out.
package payload

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/marcinbor85/gohex"
)

// Segment is one contiguous block of an Intel HEX image.
type Segment struct {
	Address uint32
	Data    []byte
}

// LoadIntelHex parses an Intel HEX image into its data segments, in address order.
func LoadIntelHex(r io.Reader) ([]Segment, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("payload: parse intel hex: %w", err)
	}
	var segments []Segment
	for _, s := range mem.GetDataSegments() {
		segments = append(segments, Segment{Address: s.Address, Data: append([]byte(nil), s.Data...)})
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("payload: intel hex image has no data")
	}
	return segments, nil
}

func LoadIntelHexFile(path string) ([]Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadIntelHex(f)
}

// DumpIntelHex writes segments back out as an Intel HEX image.
func DumpIntelHex(w io.Writer, segments []Segment) error {
	mem := gohex.NewMemory()
	for _, s := range segments {
		if err := mem.AddBinary(s.Address, s.Data); err != nil {
			return fmt.Errorf("payload: segment at 0x%08X: %w", s.Address, err)
		}
	}
	return mem.DumpIntelHex(w, 16)
}

// SplitBlock cuts data into blocks of at most blockSize bytes.
func SplitBlock(data []byte, blockSize int) [][]byte {
	if blockSize <= 0 {
		return [][]byte{data}
	}
	var blocks [][]byte
	for i := 0; i < len(data); i += blockSize {
		end := min(i+blockSize, len(data))
		blocks = append(blocks, data[i:end])
	}
	return blocks
}

// ParseHex decodes a hex string such as "22 F1 90", "22f190" or "0x22,0xF1".
func ParseHex(s string) ([]byte, error) {
	r := strings.NewReplacer(" ", "", ",", "", ":", "", "0x", "", "0X", "", "\t", "", "\n", "")
	clean := r.Replace(s)
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("payload: invalid hex %q: %w", s, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("payload: empty hex string")
	}
	return data, nil
}
