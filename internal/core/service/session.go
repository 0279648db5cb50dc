package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/port"
)

var ErrUnknownEvent = errors.New("unknown event")

// SessionService handles inbound connection events the same way for every transport.
type SessionService struct {
	base
	completion *CompletionOrchestrator
	validate   *validator.Validate
}

func NewSessionService(d Deps, completion *CompletionOrchestrator) *SessionService {
	return &SessionService{
		base:       newBase(d),
		completion: completion,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Dispatch decodes and handles one inbound event from conn.
func (s *SessionService) Dispatch(ctx context.Context, conn port.Connection, event string, data json.RawMessage) error {
	var err error
	switch event {
	case domain.EventDeviceRegister:
		var p domain.RegisterPayload
		if err = s.decode(data, &p); err == nil {
			err = s.Register(conn, p)
		}
	case domain.EventItemCompleted:
		var r domain.CompletionReport
		if err = s.decode(data, &r); err == nil {
			_, err = s.ReportCompletion(ctx, r)
		}
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}

	if err != nil {
		s.Logger.Warn("connection event rejected",
			zap.String("conn_id", conn.ID()),
			zap.String("event", event),
			zap.Error(err),
		)
		if sendErr := conn.Send(domain.EventError, domain.ErrorEvent{Event: event, Message: err.Error()}); sendErr != nil {
			s.Logger.Debug("error reply dropped", zap.String("conn_id", conn.ID()), zap.Error(sendErr))
		}
	}
	return err
}

func (s *SessionService) decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", domain.ErrValidation)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

// Register binds the connection and refreshes tablets. A new tablet also gets the current
// device and lock state so it does not wait for the next heartbeat.
func (s *SessionService) Register(conn port.Connection, p domain.RegisterPayload) error {
	if err := s.Registry.Register(conn, p.Type, p.DeviceID); err != nil {
		return err
	}
	if p.Type == domain.RoleTablet {
		if err := conn.Send(domain.EventDeviceStatusUpdate, s.Registry.Status()); err != nil {
			s.Logger.Debug("initial device status dropped", zap.String("conn_id", conn.ID()), zap.Error(err))
		}
		if state, err := s.Lock.Status(context.Background()); err == nil {
			if err := conn.Send(domain.EventLockStatusUpdate, state); err != nil {
				s.Logger.Debug("initial lock status dropped", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
		}
	}
	s.Broadcaster.BroadcastDeviceStatus()
	return nil
}

func (s *SessionService) Disconnect(connID string) {
	devices, tablet := s.Registry.Unregister(connID)
	if len(devices) > 0 || tablet {
		s.Broadcaster.BroadcastDeviceStatus()
	}
}

func (s *SessionService) ReportCompletion(ctx context.Context, r domain.CompletionReport) (*CompletionResult, error) {
	if err := s.validate.Struct(r); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return s.completion.Complete(ctx, r)
}
