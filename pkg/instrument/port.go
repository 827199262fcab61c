package instrument

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the transport under a Channel. A Read that times out returns 0 bytes
// and a nil error, as serial.Port does.
type Port interface {
	io.ReadWriteCloser
}

// InputFlusher is implemented by transports that can drop pending input.
type InputFlusher interface {
	ResetInputBuffer() error
}

// Opener opens a Port.
type Opener func(name string, baudRate int, timeout time.Duration) (Port, error)

// Ensure serial.Port satisfies both transport interfaces.
var (
	_ Port         = (serial.Port)(nil)
	_ InputFlusher = (serial.Port)(nil)
)

// OpenSerial opens a serial port in 8N1 mode with the given read timeout.
func OpenSerial(name string, baudRate int, timeout time.Duration) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}

	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return port, nil
}

// PortInfo describes a serial port available on the host.
type PortInfo struct {
	Name        string
	Description string
}

// Ports returns a list of available serial ports.
func Ports() ([]PortInfo, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]PortInfo, 0, len(ports))
	for _, name := range ports {
		result = append(result, PortInfo{
			Name:        name,
			Description: name,
		})
	}

	return result, nil
}
