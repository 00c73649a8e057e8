// Package peripheral hosts the proximity service and answers remote reads
// and writes of the identifier characteristics.
package peripheral

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/user/bproximity/gattid"
	"github.com/user/bproximity/ident"
	"github.com/user/bproximity/logger"
	"github.com/user/bproximity/radio"
)

// Config wires the responder to the service layout and to the id stores.
type Config struct {
	Service             uuid.UUID
	ReadCharacteristic  uuid.UUID
	WriteCharacteristic uuid.UUID
	LocalName           string
	Name                string

	// Latest returns the id served to readers.
	Latest func() (ident.ID, error)
	// Sighted is called once per successfully decoded write.
	Sighted func(id ident.ID, from radio.DeviceHandle)
}

// Responder implements radio.PeripheralDelegate. Like the central
// coordinator it must only be driven from one dispatch context.
type Responder struct {
	transport radio.Peripheral
	cfg       Config
	prefix    string

	wanted       bool // Start requested
	serviceAdded bool
	advertising  bool
}

// NewResponder creates a responder over transport.
func NewResponder(transport radio.Peripheral, cfg Config) *Responder {
	return &Responder{
		transport: transport,
		cfg:       cfg,
		prefix:    fmt.Sprintf("%s peripheral", logger.Short(cfg.Name)),
	}
}

// LocalService is the GATT tree the responder publishes.
func (r *Responder) LocalService() radio.LocalService {
	return radio.LocalService{
		UUID: r.cfg.Service,
		Characteristics: []radio.LocalCharacteristic{
			{UUID: r.cfg.ReadCharacteristic, Properties: radio.PropRead},
			{UUID: r.cfg.WriteCharacteristic, Properties: radio.PropWriteWithoutResponse | radio.PropWrite},
		},
	}
}

// Start publishes the service and advertises it once the radio is powered on.
func (r *Responder) Start() {
	if r.wanted {
		return
	}
	r.wanted = true
	if r.transport.State() == radio.StatePoweredOn {
		r.publish()
	} else {
		logger.Info(r.prefix, "waiting for radio (state=%s) before advertising", r.transport.State())
	}
}

// Stop ends advertising. The service stays registered.
func (r *Responder) Stop() {
	if !r.wanted {
		return
	}
	r.wanted = false
	if r.advertising {
		r.transport.StopAdvertising()
		r.advertising = false
		logger.Info(r.prefix, "advertising stopped")
	}
}

// Advertising reports whether advertising is believed active.
func (r *Responder) Advertising() bool {
	return r.advertising
}

func (r *Responder) publish() {
	if !r.serviceAdded {
		if err := r.transport.AddService(r.LocalService()); err != nil {
			logger.Error(r.prefix, "add service: %v", err)
			return
		}
		r.serviceAdded = true
	}
	adv := radio.Advertisement{
		LocalName:    r.cfg.LocalName,
		ServiceUUIDs: []uuid.UUID{r.cfg.Service},
		Connectable:  true,
	}
	if err := r.transport.StartAdvertising(adv); err != nil {
		logger.Error(r.prefix, "start advertising: %v", err)
		return
	}
	r.advertising = true
}

func (r *Responder) DidUpdatePeripheralState(state radio.ManagerState) {
	logger.Info(r.prefix, "radio state=%s", state)
	switch state {
	case radio.StatePoweredOn:
		if r.wanted && !r.advertising {
			r.publish()
		}
	case radio.StateResetting, radio.StatePoweredOff, radio.StateUnauthorized, radio.StateUnsupported:
		// the platform forgets published services when the radio goes away
		r.advertising = false
		r.serviceAdded = false
	}
}

func (r *Responder) DidStartAdvertising(err error) {
	if err != nil {
		logger.Warn(r.prefix, "advertising failed: %v", err)
		r.advertising = false
		return
	}
	logger.Info(r.prefix, "advertising %s as %q", gattid.Name(r.cfg.Service), r.cfg.LocalName)
}

// DidReceiveReadRequest serves the latest self id from the requested offset.
func (r *Responder) DidReceiveReadRequest(req *radio.ATTRequest) {
	if req.Characteristic != r.cfg.ReadCharacteristic {
		logger.Debug(r.prefix, "%s: read of %s not supported", req.Central.Short(), gattid.Name(req.Characteristic))
		r.transport.RespondToRequest(req, radio.ATTRequestNotSupported)
		return
	}
	id, err := r.cfg.Latest()
	if err != nil {
		logger.Error(r.prefix, "%s: no id to serve: %v", req.Central.Short(), err)
		r.transport.RespondToRequest(req, radio.ATTUnlikelyError)
		return
	}
	value := ident.Encode(id)
	if req.Offset < 0 || req.Offset > len(value) {
		r.transport.RespondToRequest(req, radio.ATTInvalidOffset)
		return
	}
	req.Value = value[req.Offset:]
	logger.Debug(r.prefix, "%s: served id %s", req.Central.Short(), id)
	r.transport.RespondToRequest(req, radio.ATTSuccess)
}

// DidReceiveWriteRequests records every well-formed id in the batch and
// answers the batch once: success if any request was accepted, otherwise the
// code of the last rejection.
func (r *Responder) DidReceiveWriteRequests(reqs []*radio.ATTRequest) {
	if len(reqs) == 0 {
		return
	}
	accepted := false
	failure := radio.ATTRequestNotSupported
	for _, req := range reqs {
		if req.Characteristic != r.cfg.WriteCharacteristic {
			logger.Debug(r.prefix, "%s: write to %s not supported", req.Central.Short(), gattid.Name(req.Characteristic))
			failure = radio.ATTRequestNotSupported
			continue
		}
		id, ok := ident.Decode(req.Value)
		if !ok {
			logger.Warn(r.prefix, "%s: rejected %d-byte id write", req.Central.Short(), len(req.Value))
			failure = radio.ATTInvalidAttributeValueLength
			continue
		}
		accepted = true
		if r.cfg.Sighted != nil {
			r.cfg.Sighted(id, req.Central)
		}
	}

	if accepted {
		r.transport.RespondToRequest(reqs[0], radio.ATTSuccess)
	} else {
		r.transport.RespondToRequest(reqs[0], failure)
	}
}

var _ radio.PeripheralDelegate = (*Responder)(nil)
