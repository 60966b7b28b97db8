//go:build !linux

package main

import (
	"fmt"

	"github.com/tinyrange/vsm/internal/msg"
)

func newInterfaceCarrier(ifname string) (msg.Carrier, error) {
	return nil, fmt.Errorf("raw interconnect sockets need linux (interface %s)", ifname)
}
