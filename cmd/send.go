package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/canexplorer/payload"
)

var (
	sendHexFile  string
	sendChunk    int
	sendCMACKey  string
	sendTagLen   int
	sendResponse bool
	sendTimeout  time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send [hex]",
	Short: "Send one ISO-TP payload",
	Long: `Send a payload given as hex bytes, or every data segment of an Intel HEX
file split into chunks of --chunk bytes.

With --cmac-key the payload is followed by an AES-CMAC tag of --tag-len bytes.
With --response the command waits for one payload from the peer and prints it.`,
	Example: `  canexplorer send --iface can0 --src 0x1 --dst 0x2 "22 F1 90"
  canexplorer send --port /dev/ttyACM0 --fd --hex-file app.hex --chunk 1024`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendHexFile, "hex-file", "", "Send the data segments of this Intel HEX file")
	sendCmd.Flags().IntVar(&sendChunk, "chunk", 4095, "Largest payload sent per transfer when using --hex-file")
	sendCmd.Flags().StringVar(&sendCMACKey, "cmac-key", "", "AES key (hex) used to append a CMAC tag")
	sendCmd.Flags().IntVar(&sendTagLen, "tag-len", 8, "CMAC tag length in bytes")
	sendCmd.Flags().BoolVar(&sendResponse, "response", false, "Wait for and print one response payload")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 5*time.Second, "Per-transfer timeout")
	rootCmd.AddCommand(sendCmd)
}

// sendPayloads collects the payloads named by the arguments and flags.
func sendPayloads(args []string) ([][]byte, error) {
	switch {
	case sendHexFile != "" && len(args) > 0:
		return nil, fmt.Errorf("give either hex bytes or --hex-file, not both")
	case sendHexFile != "":
		segments, err := payload.LoadIntelHexFile(sendHexFile)
		if err != nil {
			return nil, err
		}
		var out [][]byte
		for _, seg := range segments {
			out = append(out, payload.SplitBlock(seg.Data, sendChunk)...)
		}
		return out, nil
	case len(args) == 1:
		data, err := payload.ParseHex(args[0])
		if err != nil {
			return nil, err
		}
		return [][]byte{data}, nil
	}
	return nil, fmt.Errorf("nothing to send: give hex bytes or --hex-file")
}

func newAuthenticator(keyHex string, tagLen int) (*payload.Authenticator, error) {
	if keyHex == "" {
		return nil, nil
	}
	key, err := payload.ParseKey(keyHex)
	if err != nil {
		return nil, err
	}
	return payload.NewAuthenticator(key, tagLen)
}

func runSend(cmd *cobra.Command, args []string) error {
	payloads, err := sendPayloads(args)
	if err != nil {
		return err
	}
	auth, err := newAuthenticator(sendCMACKey, sendTagLen)
	if err != nil {
		return err
	}

	conn, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	out := cmd.OutOrStdout()
	for i, data := range payloads {
		if auth != nil {
			if data, err = auth.Sign(data); err != nil {
				return err
			}
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		err = conn.session.SendPayloadWait(ctx, data)
		cancel()
		if err != nil {
			return fmt.Errorf("payload %d/%d: %w", i+1, len(payloads), err)
		}
		fmt.Fprintf(out, "sent %d bytes\n", len(data))
	}

	if !sendResponse {
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
	defer cancel()
	resp, err := conn.session.Recv(ctx)
	if err != nil {
		return fmt.Errorf("waiting for response: %w", err)
	}
	fmt.Fprintf(out, "recv % 02X\n", resp)
	return nil
}
