package runtime

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/rpcmesh/internal/runtime/broker"
	configpkg "github.com/drblury/rpcmesh/internal/runtime/config"
	errspkg "github.com/drblury/rpcmesh/internal/runtime/errors"
	"github.com/drblury/rpcmesh/internal/runtime/jsoncodec"
	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
	"github.com/drblury/rpcmesh/internal/runtime/metadata"
)

// EventRetryDelay is the pause after a failed event poll.
var EventRetryDelay = 5 * time.Second

const unknownSender = "unknown"

// EventOptions is handed to every event handler next to the event.
type EventOptions struct {
	Service   *Service
	Sender    string
	EventName string
}

// EventHandler handles one event. Errors are logged, never propagated.
type EventHandler func(ctx context.Context, event map[string]any, opts EventOptions) error

// EventRegistration is the handle returned by AddEventHandler.
type EventRegistration struct {
	Pattern string
	Handler EventHandler
}

func (r *EventRegistration) matches(eventName string) bool {
	return r.Pattern == eventName || strings.HasPrefix(eventName, strings.Replace(r.Pattern, "*", "", 1))
}

// AddEventHandler subscribes handler to events whose name equals pattern or
// starts with it once "*" is removed ("user.*" matches "user.created").
func (s *Service) AddEventHandler(pattern string, handler EventHandler) (*EventRegistration, error) {
	if pattern == "" {
		return nil, errspkg.ErrMethodRequired
	}
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	reg := &EventRegistration{Pattern: pattern, Handler: handler}
	s.eventHandlersMu.Lock()
	s.eventHandlers[pattern] = append(s.eventHandlers[pattern], reg)
	s.eventHandlersMu.Unlock()
	return reg, nil
}

// RemoveEventHandler removes reg from pattern. It reports whether anything
// was removed.
func (s *Service) RemoveEventHandler(pattern string, reg *EventRegistration) bool {
	s.eventHandlersMu.Lock()
	defer s.eventHandlersMu.Unlock()

	list := s.eventHandlers[pattern]
	i := slices.Index(list, reg)
	if i < 0 {
		return false
	}
	list = slices.Delete(slices.Clone(list), i, i+1)
	if len(list) == 0 {
		delete(s.eventHandlers, pattern)
	} else {
		s.eventHandlers[pattern] = list
	}
	return true
}

// GetEventHandlers returns a snapshot of the handlers keyed by pattern.
func (s *Service) GetEventHandlers() map[string][]*EventRegistration {
	s.eventHandlersMu.RLock()
	defer s.eventHandlersMu.RUnlock()

	out := make(map[string][]*EventRegistration, len(s.eventHandlers))
	for pattern, list := range s.eventHandlers {
		out[pattern] = slices.Clone(list)
	}
	return out
}

// RunEventWorker long-polls the event channel of the service and dispatches
// every event. It returns nil at once when no handler is registered, nil on
// cancellation and an error when the broker goes away.
func (s *Service) RunEventWorker(ctx context.Context, n int) error {
	if len(s.GetEventHandlers()) == 0 {
		return nil
	}

	log := s.Logger.With(loggingpkg.LogFields{"event_worker": n})
	s.metrics.WorkerStarted(s.Conf.Name, "event")
	defer s.metrics.WorkerStopped(s.Conf.Name, "event")

	for ctx.Err() == nil {
		event, err := s.pollEvent(ctx)
		if err == nil {
			if event != nil {
				s.ExecuteEvent(ctx, event)
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		s.InvalidateConnection()
		if errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		if broker.IsTerminal(err) {
			log.Error("Event worker shutdown", err, nil)
			return fmt.Errorf("%w: %v", errspkg.ErrTerminalDisconnect, err)
		}

		log.Error("Event worker error", err, nil)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(EventRetryDelay):
		}
	}
	return nil
}

func (s *Service) pollEvent(ctx context.Context) (map[string]any, error) {
	conn, err := s.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	return s.broker.PollEvent(ctx, conn, s.Conf.Name, s.Conf.EventWorkerTimeout)
}

// ExecuteEvent dispatches event to every matching handler in turn.
func (s *Service) ExecuteEvent(ctx context.Context, event map[string]any) {
	payload, _ := event[jsonrpc.PayloadKey].(map[string]any)
	eventName, _ := payload[jsonrpc.PayloadEventName].(string)
	if eventName == "" {
		return
	}
	sender, _ := payload[jsonrpc.PayloadSender].(string)
	if sender == "" {
		sender = unknownSender
	}

	opts := EventOptions{Service: s, Sender: sender, EventName: eventName}
	for _, list := range s.GetEventHandlers() {
		for _, reg := range list {
			if !reg.matches(eventName) {
				continue
			}
			err := s.handleEvent(ctx, reg, event, opts)
			s.metrics.RecordEventHandled(s.Conf.Name, eventName, err)
			if err != nil {
				s.Logger.Error("Event handler error", err, loggingpkg.LogFields{
					"event":   eventName,
					"pattern": reg.Pattern,
					"sender":  sender,
				})
			}
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, reg *EventRegistration, event map[string]any, opts EventOptions) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return reg.Handler(ctx, event, opts)
}

// PublishEvent delivers an event to every service listening on the broker
// and returns how many deliveries succeeded. The event is also mirrored onto
// the configured event sink.
func (s *Service) PublishEvent(ctx context.Context, eventName string, params, payload map[string]any) (int, error) {
	if eventName == "" {
		return 0, errspkg.ErrMethodRequired
	}

	listeners, err := s.Lookup(ctx, false, broker.EventPrefix)
	if err != nil {
		s.Logger.Error("Event publish lookup failed", err, loggingpkg.LogFields{"event": eventName})
		return 0, err
	}
	conn, err := s.GetConnection(ctx)
	if err != nil {
		return 0, err
	}

	body := maps.Clone(params)
	if body == nil {
		body = map[string]any{}
	}
	eventPayload := map[string]any{
		jsonrpc.PayloadSender:    s.Conf.Name,
		jsonrpc.PayloadEventName: eventName,
	}
	maps.Copy(eventPayload, payload)
	body[jsonrpc.PayloadKey] = eventPayload

	data, err := jsoncodec.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}

	var delivered atomic.Int64
	var g errgroup.Group
	for _, listener := range listeners {
		g.Go(func() error {
			msg := message.NewMessage(watermill.NewUUID(), data)
			msg.SetContext(ctx)
			if err := s.eventPublisher.Publish(broker.ChannelURL(conn, broker.EventPrefix, listener), msg); err != nil {
				s.Logger.Debug("Event delivery failed", loggingpkg.LogFields{
					"event":    eventName,
					"listener": listener,
					"error":    err.Error(),
				})
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	count := int(delivered.Load())
	s.metrics.RecordEventPublished(s.Conf.Name, eventName, count)
	s.mirrorEvent(eventName, data)
	return count, nil
}

func (s *Service) sinkTopic() string {
	if s.Conf.EventSinkTopic != "" {
		return s.Conf.EventSinkTopic
	}
	return configpkg.DefaultEventSinkTopic
}

func (s *Service) mirrorEvent(eventName string, data []byte) {
	if s.sink.Publisher == nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata = metadata.ToWatermill(metadata.New(
		metadata.KeyEventName, eventName,
		metadata.KeySender, s.Conf.Name,
	))
	if err := s.sink.Publisher.Publish(s.sinkTopic(), msg); err != nil {
		s.Logger.Error("Event sink publish failed", err, loggingpkg.LogFields{"event": eventName})
	}
}

// consumeSink feeds events received from the event sink to ExecuteEvent.
func (s *Service) consumeSink(ctx context.Context) error {
	messages, err := s.sink.Subscriber.Subscribe(ctx, s.sinkTopic())
	if err != nil {
		return fmt.Errorf("failed to subscribe to event sink: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event map[string]any
			if err := jsoncodec.Unmarshal(msg.Payload, &event); err != nil {
				s.Logger.Error("Invalid event sink message", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
				msg.Ack()
				continue
			}
			s.ExecuteEvent(msg.Context(), event)
			msg.Ack()
		}
	}
}
