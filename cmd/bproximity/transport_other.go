//go:build !linux

package main

import (
	"errors"
	"runtime"

	"github.com/user/bproximity/radio"
)

type transport interface {
	Central() radio.Central
	Peripheral() radio.Peripheral
	Close() error
}

func openTransport(string) (transport, error) {
	return nil, errors.New("no Bluetooth transport for " + runtime.GOOS + "; use simulate")
}
