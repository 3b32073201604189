package controller

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/barterhub/barterhub/internal/protocol"
)

// Dispatcher verifies inbound envelopes and routes requests to the
// service, converting handler errors into Error responses.
type Dispatcher struct {
	svc    *Service
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher for one controller service.
func NewDispatcher(svc *Service, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{svc: svc, logger: logger.With().Str("service", "dispatcher").Logger()}
}

// HandleEnvelope processes one inbound envelope. Messages that fail
// signature verification are dropped without a response.
func (d *Dispatcher) HandleEnvelope(ctx context.Context, env protocol.Envelope) {
	msg, err := env.Open()
	if err != nil {
		d.logger.Warn().Err(err).Msg("dropping undecodable envelope")
		return
	}
	d.HandleMessage(ctx, msg)
}

// HandleMessage processes one inbound message.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg protocol.Message) {
	if err := msg.Verify(); err != nil {
		d.logger.Warn().Err(err).Msg("dropping unverifiable message")
		return
	}
	sender := msg.Sender()

	var err error
	switch msg.Performative {
	case protocol.PerformativeRegister:
		err = route(ctx, d.svc.HandleRegister, sender, msg)
	case protocol.PerformativeUnregister:
		err = route(ctx, d.svc.HandleUnregister, sender, msg)
	case protocol.PerformativeTransaction:
		err = route(ctx, d.svc.HandleTransaction, sender, msg)
	case protocol.PerformativeGetStateUpdate:
		err = route(ctx, d.svc.HandleGetStateUpdate, sender, msg)
	default:
		err = coded(protocol.ErrRequestNotValid, string(msg.Performative))
	}
	if err == nil {
		return
	}

	var cerr *CodedError
	if !errors.As(err, &cerr) {
		d.logger.Error().Err(err).Str("performative", string(msg.Performative)).Msg("request failed")
		cerr = coded(protocol.ErrGeneric, "")
	} else {
		d.logger.Warn().Int("code", int(cerr.Code)).Str("detail", cerr.Detail).Msg("request rejected")
	}
	d.svc.replyError(ctx, sender, cerr.Code, cerr.Detail)
}

func route[T any](ctx context.Context, handler func(context.Context, string, T) error, sender string, msg protocol.Message) error {
	payload, err := protocol.DecodePayload[T](msg.Payload)
	if err != nil {
		return coded(protocol.ErrRequestNotValid, err.Error())
	}
	return handler(ctx, sender, payload)
}
