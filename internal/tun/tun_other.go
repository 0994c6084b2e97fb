//go:build !linux

package tun

import "fmt"

func Open(name string, mtu int) (*Device, error) {
	return nil, fmt.Errorf("open %s: %w", name, ErrUnsupported)
}
