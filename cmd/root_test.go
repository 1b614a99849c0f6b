package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

// resetFlags restores every flag to its default between command runs.
func resetFlags(t *testing.T) {
	t.Helper()
	reset := func(f *pflag.Flag) {
		if err := f.Value.Set(f.DefValue); err != nil {
			t.Fatalf("reset --%s: %v", f.Name, err)
		}
		f.Changed = false
	}
	rootCmd.PersistentFlags().VisitAll(reset)
	for _, c := range rootCmd.Commands() {
		c.Flags().VisitAll(reset)
	}
}

func parseFlags(t *testing.T, args ...string) {
	t.Helper()
	resetFlags(t)
	if err := rootCmd.PersistentFlags().Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(t)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestBuildAddress(t *testing.T) {
	testCases := []struct {
		name    string
		args    []string
		wantTx  uint32
		wantRx  uint32
		wantErr bool
	}{
		{name: "默认地址", args: nil, wantTx: 0x21, wantRx: 0x12},
		{name: "29位标识符", args: []string{"--extended-id", "--src", "0xF1", "--dst", "0x10"}, wantTx: 0x1F1, wantRx: 0xF10},
		{name: "覆盖标识符", args: []string{"--tx-id", "0x7E0", "--rx-id", "0x7E8"}, wantTx: 0x7E0, wantRx: 0x7E8},
		{name: "混合寻址", args: []string{"--mixed", "--ext", "0x55"}, wantTx: 0x21, wantRx: 0x12},
		{name: "11位标识符溢出", args: []string{"--src", "0xF1", "--dst", "0x10"}, wantErr: true},
		{name: "无FD的BRS", args: []string{"--brs"}, wantErr: true},
		{name: "非法数据长度", args: []string{"--fd", "--dl", "33"}, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			parseFlags(t, tc.args...)
			addr, err := buildAddress()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", addr)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildAddress: %v", err)
			}
			if addr.ArbitrationID() != tc.wantTx || addr.RxArbitrationID() != tc.wantRx {
				t.Errorf("ids = 0x%X/0x%X, want 0x%X/0x%X", addr.ArbitrationID(), addr.RxArbitrationID(), tc.wantTx, tc.wantRx)
			}
		})
	}
}

func TestBuildConfig(t *testing.T) {
	parseFlags(t, "--padding", "AA", "--block-size", "4", "--stmin", "5ms")
	cfg, err := buildConfig()
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	if cfg.PaddingByte == nil || *cfg.PaddingByte != 0xAA {
		t.Errorf("padding = %v, want 0xAA", cfg.PaddingByte)
	}
	if cfg.BlockSize != 4 || cfg.StMin.Milliseconds() != 5 {
		t.Errorf("BS=%d STmin=%s", cfg.BlockSize, cfg.StMin)
	}

	for _, bad := range [][]string{
		{"--padding", "ZZ"},
		{"--block-size", "256"},
	} {
		parseFlags(t, bad...)
		if _, err := buildConfig(); err == nil {
			t.Errorf("%v: expected error", bad)
		}
	}
}

func TestResolveDriver(t *testing.T) {
	testCases := []struct {
		name string
		args []string
		want string
	}{
		{name: "SocketCAN", args: []string{"--iface", "can0"}, want: "socketcan"},
		{name: "串口", args: []string{"--port", "/dev/ttyACM0"}, want: "slcan"},
		{name: "WebSocket", args: []string{"--url", "ws://localhost/can"}, want: "websocket"},
		{name: "显式指定", args: []string{"--driver", "Virtual", "--iface", "can0"}, want: "virtual"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			parseFlags(t, tc.args...)
			got, err := resolveDriver()
			if err != nil || got != tc.want {
				t.Errorf("resolveDriver() = %q, %v; want %q", got, err, tc.want)
			}
		})
	}

	parseFlags(t)
	if _, err := resolveDriver(); err == nil {
		t.Error("expected error without any bus flag")
	}
}

func TestSendPayloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.hex")
	image := ":10010000214601360121470136007EFE09D2190140\n:00000001FF\n"
	if err := os.WriteFile(path, []byte(image), 0o644); err != nil {
		t.Fatal(err)
	}

	resetFlags(t)
	got, err := sendPayloads([]string{"22 F1 90"})
	if err != nil || len(got) != 1 || !bytes.Equal(got[0], []byte{0x22, 0xF1, 0x90}) {
		t.Fatalf("hex arg: % 02X, %v", got, err)
	}

	sendHexFile, sendChunk = path, 6
	got, err = sendPayloads(nil)
	if err != nil {
		t.Fatalf("hex file: %v", err)
	}
	if len(got) != 3 || len(got[2]) != 4 {
		t.Fatalf("got %d chunks, want 6+6+4 bytes", len(got))
	}

	if _, err := sendPayloads([]string{"01"}); err == nil {
		t.Error("expected error for hex bytes plus --hex-file")
	}
	sendHexFile = ""
	if _, err := sendPayloads(nil); err == nil {
		t.Error("expected error with nothing to send")
	}
}

func TestLoopbackCommand(t *testing.T) {
	testCases := []struct {
		name      string
		args      []string
		size      int
		testerTx  int
		ecuTx     int
	}{
		{name: "单帧", args: nil, size: 5, testerTx: 1, ecuTx: 0},
		{name: "分段传输", args: nil, size: 20, testerTx: 3, ecuTx: 1},
		{name: "CAN FD", args: []string{"--fd", "--padding", "CC"}, size: 100, testerTx: 2, ecuTx: 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := make([]byte, tc.size)
			for i := range data {
				data[i] = byte(i)
			}
			hexArg := fmt.Sprintf("%X", data)
			args := append([]string{"loopback"}, tc.args...)
			out, err := execute(t, append(args, hexArg)...)
			if err != nil {
				t.Fatalf("loopback: %v\n%s", err, out)
			}
			if !strings.Contains(out, fmt.Sprintf("received %d bytes", tc.size)) {
				t.Errorf("missing result line:\n%s", out)
			}
			var tester, ecu int
			for _, line := range strings.Split(out, "\n") {
				switch {
				case strings.HasPrefix(line, "tester"):
					tester++
				case strings.HasPrefix(line, "ecu"):
					ecu++
				}
			}
			if tester != tc.testerTx || ecu != tc.ecuTx {
				t.Errorf("frames tester=%d ecu=%d, want %d/%d\n%s", tester, ecu, tc.testerTx, tc.ecuTx, out)
			}
		})
	}
}
