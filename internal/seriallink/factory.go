package seriallink

import (
	"errors"
	"fmt"
	"log"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// AutoPort asks OpenPort to pick the first USB serial adapter it finds.
const AutoPort = "auto"

// ErrNoPorts is returned by ResolvePortName when nothing is attached.
var ErrNoPorts = errors.New("no serial ports found")

// listPorts is replaced in tests.
var listPorts = enumerator.GetDetailedPortsList

// OpenPort opens the serial device at path with the given options and applies
// the read timeout.
func OpenPort(path string, opts PortOptions) (SerialPorter, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	name, err := ResolvePortName(path)
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	log.Printf("opened %s at %d baud %d%s%d", name, opts.BaudRate, opts.DataBits, opts.Parity, opts.StopBits)
	return port, nil
}

// ResolvePortName returns path unchanged unless it is AutoPort, in which case
// USB adapters are preferred over on-board UARTs.
func ResolvePortName(path string) (string, error) {
	if path != AutoPort {
		return path, nil
	}
	ports, err := listPorts()
	if err != nil {
		return "", fmt.Errorf("enumerate ports: %w", err)
	}
	for _, p := range ports {
		if p.IsUSB {
			return p.Name, nil
		}
	}
	if len(ports) > 0 {
		return ports[0].Name, nil
	}
	return "", ErrNoPorts
}
