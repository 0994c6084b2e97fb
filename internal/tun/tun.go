// Package tun opens the layer-3 tunnel device the engine reads client
// datagrams from. Every Read returns one raw IPv4 datagram and every Write
// injects one.
package tun

import (
	"errors"
	"os"
)

var ErrUnsupported = errors.New("tun devices are not supported on this platform")

// Device is an open tunnel interface.
type Device struct {
	*os.File
	name string
	mtu  int
}

// Name returns the interface name the kernel assigned.
func (d *Device) Name() string { return d.name }

func (d *Device) MTU() int { return d.mtu }
