package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/canexplorer/driver"
	"github.com/LoveWonYoung/canexplorer/payload"
	"github.com/LoveWonYoung/canexplorer/tp"
)

var loopbackTimeout time.Duration

var loopbackCmd = &cobra.Command{
	Use:   "loopback <hex>",
	Short: "Transfer a payload between two sessions on a virtual bus",
	Long: `Open two sessions on an in-memory bus, send the payload from one to the
other and print every frame that crossed the bus. The addressing and protocol
flags apply to the sending side; the receiver uses the mirrored address.`,
	Example: `  canexplorer loopback "$(printf '%0200d' 0)"
  canexplorer loopback --fd --padding CC 0102030405060708090A0B0C`,
	Args: cobra.ExactArgs(1),
	RunE: runLoopback,
}

func init() {
	loopbackCmd.Flags().DurationVar(&loopbackTimeout, "timeout", 5*time.Second, "Transfer timeout")
	rootCmd.AddCommand(loopbackCmd)
}

type loopbackEnd struct {
	node    *driver.VirtualNode
	session *tp.Session
	adapter *driver.Adapter
}

func openLoopbackEnd(bus *driver.VirtualBus, name string, addr *tp.AddressInfo, cfg tp.Config, logger *log.Logger) (*loopbackEnd, error) {
	ct := driver.CAN
	if addr.IsFD() {
		ct = driver.CANFD
	}
	node := bus.Attach(name, ct)
	node.SetLogger(logger)
	session, err := tp.OpenSession(addr, cfg, tp.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	adapter, err := driver.NewAdapter(node, session, logger)
	if err != nil {
		session.Close()
		return nil, err
	}
	return &loopbackEnd{node: node, session: session, adapter: adapter}, nil
}

func (e *loopbackEnd) Close() {
	e.adapter.Close()
	e.session.Close()
}

// printTrace writes the frames written by both ends in bus order.
func printTrace(w io.Writer, ends map[string]*loopbackEnd) {
	type entry struct {
		name string
		rec  driver.WriteRecord
	}
	var all []entry
	for name, e := range ends {
		for _, rec := range e.node.GetWriteLog() {
			all = append(all, entry{name, rec})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].rec.Timestamp.Before(all[j].rec.Timestamp)
	})
	for _, e := range all {
		msg := e.rec.Message.ToCanMessage()
		fmt.Fprintf(w, "%-8s %s\n", e.name, msg.String())
	}
}

func runLoopback(cmd *cobra.Command, args []string) error {
	data, err := payload.ParseHex(args[0])
	if err != nil {
		return err
	}
	addr, err := buildAddress()
	if err != nil {
		return err
	}
	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	logger := log.New(io.Discard, "", 0)
	if logDir != "" {
		logger = log.Default()
	}
	bus := driver.NewVirtualBus()
	tester, err := openLoopbackEnd(bus, "tester", addr, cfg, logger)
	if err != nil {
		return err
	}
	defer tester.Close()
	ecu, err := openLoopbackEnd(bus, "ecu", addr.Peer(), cfg, logger)
	if err != nil {
		return err
	}
	defer ecu.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), loopbackTimeout)
	defer cancel()
	if err := tester.session.SendPayloadWait(ctx, data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	got, err := ecu.session.Recv(ctx)
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}

	out := cmd.OutOrStdout()
	printTrace(out, map[string]*loopbackEnd{"tester": tester, "ecu": ecu})
	fmt.Fprintf(out, "received %d bytes: % 02X\n", len(got), got)
	return nil
}
