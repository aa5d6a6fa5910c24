//go:build !linux

package tun

import "github.com/songgao/water"

// the device name is chosen by the system
func config(string) water.Config {
	return water.Config{DeviceType: water.TUN}
}
