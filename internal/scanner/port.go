package scanner

import (
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is an open serial line. serial.Port satisfies it.
type Port interface {
	Read(p []byte) (int, error)
	Close() error
}

// Dialer opens serial ports.
type Dialer interface {
	Dial(name string, baud int, readTimeout time.Duration) (Port, error)
}

// PortInfo describes an enumerated serial port.
type PortInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsUSB       bool   `json:"isUsb"`
	VID         string `json:"vid,omitempty"`
	PID         string `json:"pid,omitempty"`
}

// Enumerator lists the serial ports present on the host.
type Enumerator interface {
	Ports() ([]PortInfo, error)
}

// SerialDialer opens real ports at 8N1.
type SerialDialer struct{}

// Dial implements Dialer.
func (SerialDialer) Dial(name string, baud int, readTimeout time.Duration) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return p, nil
}

// SerialEnumerator lists ports with USB details where the platform has them.
type SerialEnumerator struct{}

// Ports implements Enumerator.
func (SerialEnumerator) Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		out := make([]PortInfo, 0, len(details))
		for _, d := range details {
			out = append(out, PortInfo{
				Name:        d.Name,
				Description: d.Product,
				IsUSB:       d.IsUSB,
				VID:         d.VID,
				PID:         d.PID,
			})
		}
		return out, nil
	}
	names, listErr := serial.GetPortsList()
	if listErr != nil {
		return nil, fmt.Errorf("list serial ports: %w", listErr)
	}
	out := make([]PortInfo, 0, len(names))
	for _, n := range names {
		out = append(out, PortInfo{Name: n})
	}
	return out, nil
}
