package cmd

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/LoveWonYoung/canexplorer/driver"
	"github.com/LoveWonYoung/canexplorer/tp"
)

// passwordEnv names the environment variable consulted before prompting.
const passwordEnv = "ISOTP_PASSWORD"

// GetPassword returns the password from the environment, or prompts for it.
func GetPassword() (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	if term.IsTerminal(int(syscall.Stdin)) {
		pw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(pw), nil
	}

	// Not a terminal (piped input)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// resolveDriver picks the driver name from --driver or from whichever
// connection flag was given.
func resolveDriver() (string, error) {
	if driverName != "" {
		return strings.ToLower(driverName), nil
	}
	switch {
	case wsURL != "":
		return "websocket", nil
	case portName != "":
		return "slcan", nil
	case ifaceName != "":
		return "socketcan", nil
	}
	return "", fmt.Errorf("no bus selected: use --iface, --port, --url or --driver")
}

func canType() driver.CanType {
	if canFD {
		return driver.CANFD
	}
	return driver.CAN
}

// OpenDriver creates the bus driver selected by the connection flags.
// The driver is not initialised; NewAdapter does that.
func OpenDriver() (driver.CANDriver, error) {
	name, err := resolveDriver()
	if err != nil {
		return nil, err
	}

	switch name {
	case "socketcan":
		if ifaceName == "" {
			return nil, fmt.Errorf("--iface is required for socketcan")
		}
		if canFD {
			return nil, fmt.Errorf("socketcan driver supports classic CAN only")
		}
		return driver.NewSocketCAN(ifaceName), nil
	case "slcan":
		if portName == "" {
			return nil, fmt.Errorf("--port is required for slcan")
		}
		return driver.NewSLCAN(portName, baudRate, canBitrate, canType()), nil
	case "websocket":
		if wsURL == "" {
			return nil, fmt.Errorf("--url is required for websocket")
		}
		var password string
		if wsUsername != "" {
			if password, err = GetPassword(); err != nil {
				return nil, err
			}
		}
		return driver.NewWebSocket(wsURL, wsUsername, password, wsNoSSLVerify), nil
	case "virtual":
		// A lone node; useful only together with scripted responses.
		return driver.NewVirtualBus().Attach("virtual", canType()), nil
	}
	return nil, fmt.Errorf("unknown driver %q", name)
}

// connection bundles a session with the adapter that feeds it.
type connection struct {
	session *tp.Session
	adapter *driver.Adapter
}

func (c *connection) Close() {
	c.adapter.Close()
	if err := c.session.Close(); err != nil {
		log.Printf("close session: %v", err)
	}
}

// OpenConnection opens the bus driver and an ISO-TP session on top of it.
func OpenConnection() (*connection, error) {
	addr, err := buildAddress()
	if err != nil {
		return nil, err
	}
	cfg, err := buildConfig()
	if err != nil {
		return nil, err
	}
	dev, err := OpenDriver()
	if err != nil {
		return nil, err
	}
	session, err := tp.OpenSession(addr, cfg)
	if err != nil {
		return nil, err
	}
	adapter, err := driver.NewAdapter(dev, session, log.Default())
	if err != nil {
		session.Close()
		return nil, err
	}
	log.Printf("connected: %s", addr)
	return &connection{session: session, adapter: adapter}, nil
}
