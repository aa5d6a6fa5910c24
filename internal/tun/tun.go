// Package tun opens the virtual interface the engine reads packets from.
// Assigning its address and routes is left to the host.
package tun

import (
	"fmt"
	"io"
	"sync"

	"github.com/songgao/water"
	"go.uber.org/zap"
)

// Device is an open tun interface.
type Device struct {
	io.ReadWriteCloser
	name string

	mu sync.Mutex
}

func Open(name string) (*Device, error) {
	ifce, err := water.New(config(name))
	if err != nil {
		return nil, fmt.Errorf("open tun %q: %w", name, err)
	}
	zap.S().Infof("[tun] opened %s", ifce.Name())
	return &Device{ReadWriteCloser: ifce, name: ifce.Name()}, nil
}

// Wrap adopts an already open device, such as a descriptor handed over by
// the host.
func Wrap(name string, rw io.ReadWriteCloser) *Device {
	return &Device{ReadWriteCloser: rw, name: name}
}

func (d *Device) Name() string { return d.name }

// WritePacket writes one packet. Both proxy servers write through it, so
// writes are serialized.
func (d *Device) WritePacket(packet []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.Write(packet); err != nil {
		return fmt.Errorf("write tun: %w", err)
	}
	return nil
}
