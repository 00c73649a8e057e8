//go:build linux

package main

import (
	"github.com/user/bproximity/bluez"
	"github.com/user/bproximity/radio"
)

type transport interface {
	Central() radio.Central
	Peripheral() radio.Peripheral
	Close() error
}

type bluezTransport struct{ *bluez.Adapter }

func (t bluezTransport) Central() radio.Central       { return t.Adapter.Central() }
func (t bluezTransport) Peripheral() radio.Peripheral { return t.Adapter.Peripheral() }

func openTransport(adapter string) (transport, error) {
	a, err := bluez.Open(adapter)
	if err != nil {
		return nil, err
	}
	return bluezTransport{a}, nil
}
