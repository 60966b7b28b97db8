//go:build linux

package main

import "github.com/tinyrange/vsm/internal/msg"

func newInterfaceCarrier(ifname string) (msg.Carrier, error) {
	return msg.NewRawSocketCarrier(ifname)
}
