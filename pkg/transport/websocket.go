// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/livequery/pkg/document"
	"github.com/united-manufacturing-hub/livequery/pkg/logger"
)

// Connection lifecycle states.
const (
	stateDisconnected = "disconnected"
	stateConnecting   = "connecting"
	stateConnected    = "connected"
	stateClosed       = "closed"

	eventConnect     = "connect"
	eventEstablished = "established"
	eventDrop        = "drop"
	eventClose       = "close"
)

// ErrDisconnected is delivered to pending calls when the connection
// drops before their reply arrives.
var ErrDisconnected = errors.New("transport: connection lost")

const defaultWriteTimeout = 10 * time.Second

// WebSocket is a Transport over a single websocket connection.
//
// One connection multiplexes all queries, mutations, and
// subscriptions; frames are correlated by ULID. On a dropped
// connection the transport reconnects with exponential backoff and
// replays every live subscription, so subscribers see at worst a gap,
// never a silently dead stream. Pending one-shot calls are failed on
// drop instead of replayed — retrying a mutation is the caller's
// decision, not the transport's.
type WebSocket struct {
	url    string
	log    *zap.SugaredLogger
	dialer *websocket.Dialer

	// machine tracks the connection lifecycle:
	// disconnected → connecting → connected, with drop back to
	// disconnected and close as the terminal state.
	machine *fsm.FSM

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan serverMessage
	subs    map[string]*wsSubscription
	done    chan struct{}
}

// NewWebSocket creates a transport for the given websocket URL. The
// connection is not opened until Connect.
func NewWebSocket(url string) *WebSocket {
	t := &WebSocket{
		url:     url,
		log:     logger.For(logger.ComponentTransport),
		dialer:  websocket.DefaultDialer,
		pending: map[string]chan serverMessage{},
		subs:    map[string]*wsSubscription{},
		done:    make(chan struct{}),
	}

	t.machine = fsm.NewFSM(
		stateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{stateDisconnected}, Dst: stateConnecting},
			{Name: eventEstablished, Src: []string{stateConnecting}, Dst: stateConnected},
			{Name: eventDrop, Src: []string{stateConnecting, stateConnected}, Dst: stateDisconnected},
			{Name: eventClose, Src: []string{stateDisconnected, stateConnecting, stateConnected}, Dst: stateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				t.log.Debugw("connection state", "from", e.Src, "to", e.Dst)
			},
		},
	)

	return t
}

// Connect opens the websocket and starts the read loop. It must be
// called once before any other operation.
func (t *WebSocket) Connect(ctx context.Context) error {
	if err := t.machine.Event(ctx, eventConnect); err != nil {
		return fmt.Errorf("transport: connect from state %q: %w", t.machine.Current(), err)
	}

	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		_ = t.machine.Event(ctx, eventDrop)

		return fmt.Errorf("transport: dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	if err := t.machine.Event(ctx, eventEstablished); err != nil {
		return fmt.Errorf("transport: establish: %w", err)
	}

	go t.readLoop(conn)

	return nil
}

// Close shuts the transport down. All pending calls fail with
// ErrClosed; subscriptions are dropped without server notification.
func (t *WebSocket) Close() error {
	t.mu.Lock()

	select {
	case <-t.done:
		t.mu.Unlock()

		return nil
	default:
	}

	close(t.done)
	conn := t.conn
	t.conn = nil
	t.failPendingLocked(ErrClosed)
	t.mu.Unlock()

	_ = t.machine.Event(context.Background(), eventClose)

	if conn != nil {
		return conn.Close()
	}

	return nil
}

// Query implements Transport.
func (t *WebSocket) Query(ctx context.Context, operation string, input interface{}, fields []string) (document.Document, error) {
	return t.call(ctx, clientMessage{
		Type:      MessageQuery,
		Operation: operation,
		Input:     input,
		Fields:    fields,
	})
}

// Mutate implements Transport.
func (t *WebSocket) Mutate(ctx context.Context, operation string, input interface{}) (document.Document, error) {
	return t.call(ctx, clientMessage{
		Type:      MessageMutation,
		Operation: operation,
		Input:     input,
	})
}

// call sends a request frame and awaits its correlated reply.
func (t *WebSocket) call(ctx context.Context, msg clientMessage) (document.Document, error) {
	msg.ID = ulid.Make().String()

	reply := make(chan serverMessage, 1)

	t.mu.Lock()

	select {
	case <-t.done:
		t.mu.Unlock()

		return nil, ErrClosed
	default:
	}

	t.pending[msg.ID] = reply
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, msg.ID)
		t.mu.Unlock()
	}()

	if err := t.send(msg); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrClosed
	case resp := <-reply:
		if resp.Error != "" {
			return nil, fmt.Errorf("transport: %s %q: %s", msg.Type, msg.Operation, resp.Error)
		}

		return resp.Data, nil
	}
}

// Subscribe implements Transport.
func (t *WebSocket) Subscribe(ctx context.Context, operation string, input interface{}, fields []string, h Handlers) (Subscription, error) {
	sub := &wsSubscription{
		parent:    t,
		id:        ulid.Make().String(),
		operation: operation,
		input:     input,
		fields:    append([]string(nil), fields...),
		handlers:  h,
	}

	t.mu.Lock()

	select {
	case <-t.done:
		t.mu.Unlock()

		return nil, ErrClosed
	default:
	}

	t.subs[sub.id] = sub
	t.mu.Unlock()

	if err := t.send(clientMessage{
		Type:      MessageSubscribe,
		ID:        sub.id,
		Operation: operation,
		Input:     input,
		Fields:    fields,
	}); err != nil {
		t.mu.Lock()
		delete(t.subs, sub.id)
		t.mu.Unlock()

		return nil, err
	}

	return sub, nil
}

// send marshals and writes one frame. Writes are serialized by the
// connection lock gorilla requires.
func (t *WebSocket) send(msg clientMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal %s frame: %w", msg.Type, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrDisconnected
	}

	_ = t.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))

	if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("transport: write %s frame: %w", msg.Type, err)
	}

	return nil
}

// readLoop consumes frames until the connection drops, then hands off
// to the reconnect loop.
func (t *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}

			t.log.Warnw("connection lost", "error", err)
			t.reconnect()

			return
		}

		var msg serverMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.log.Warnw("dropping malformed frame", "error", err)

			continue
		}

		t.dispatch(msg)
	}
}

// dispatch routes one server frame to its pending call or live
// subscription.
func (t *WebSocket) dispatch(msg serverMessage) {
	t.mu.Lock()

	if reply, ok := t.pending[msg.ID]; ok {
		delete(t.pending, msg.ID)
		t.mu.Unlock()

		reply <- msg

		return
	}

	sub, ok := t.subs[msg.ID]
	if ok && msg.Type == MessageComplete {
		delete(t.subs, msg.ID)
	}

	t.mu.Unlock()

	if !ok {
		t.log.Debugw("frame for unknown id", "type", msg.Type, "id", msg.ID)

		return
	}

	h := sub.handlers

	switch msg.Type {
	case MessageData:
		if h.OnData != nil {
			h.OnData(msg.Data)
		}
	case MessageUpdate:
		if h.OnUpdate != nil && msg.Update != nil {
			h.OnUpdate(msg.EntityType, msg.EntityID, *msg.Update)
		}
	case MessageError:
		if h.OnError != nil {
			h.OnError(errors.New(msg.Error))
		}
	case MessageComplete:
		if h.OnComplete != nil {
			h.OnComplete()
		}
	default:
		t.log.Debugw("unexpected frame type", "type", msg.Type, "id", msg.ID)
	}
}

// reconnect redials with exponential backoff, then replays every live
// subscription. Pending one-shot calls are failed immediately.
func (t *WebSocket) reconnect() {
	_ = t.machine.Event(context.Background(), eventDrop)

	t.mu.Lock()
	t.conn = nil
	t.failPendingLocked(ErrDisconnected)
	t.mu.Unlock()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry until closed

	for {
		select {
		case <-t.done:
			return
		case <-time.After(policy.NextBackOff()):
		}

		if err := t.machine.Event(context.Background(), eventConnect); err != nil {
			return
		}

		conn, _, err := t.dialer.Dial(t.url, nil)
		if err != nil {
			t.log.Infow("reconnect failed", "error", err)
			_ = t.machine.Event(context.Background(), eventDrop)

			continue
		}

		t.mu.Lock()
		t.conn = conn
		subs := make([]*wsSubscription, 0, len(t.subs))

		for _, sub := range t.subs {
			subs = append(subs, sub)
		}
		t.mu.Unlock()

		_ = t.machine.Event(context.Background(), eventEstablished)
		t.log.Infow("reconnected", "subscriptions", len(subs))

		for _, sub := range subs {
			if err := t.send(clientMessage{
				Type:      MessageSubscribe,
				ID:        sub.id,
				Operation: sub.operation,
				Input:     sub.input,
				Fields:    sub.currentFields(),
			}); err != nil {
				t.log.Warnw("resubscribe failed", "operation", sub.operation, "error", err)
			}
		}

		go t.readLoop(conn)

		return
	}
}

// failPendingLocked delivers err to every pending call. Caller holds
// t.mu.
func (t *WebSocket) failPendingLocked(err error) {
	for id, reply := range t.pending {
		reply <- serverMessage{ID: id, Type: MessageError, Error: err.Error()}
		delete(t.pending, id)
	}
}

type wsSubscription struct {
	parent    *WebSocket
	input     interface{}
	id        string
	operation string
	handlers  Handlers

	mu     sync.Mutex
	fields []string
}

func (s *wsSubscription) currentFields() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.fields...)
}

func (s *wsSubscription) Unsubscribe() error {
	s.parent.mu.Lock()

	_, live := s.parent.subs[s.id]
	delete(s.parent.subs, s.id)
	s.parent.mu.Unlock()

	if !live {
		return nil
	}

	return s.parent.send(clientMessage{
		Type: MessageUnsubscribe,
		ID:   s.id,
	})
}

func (s *wsSubscription) UpdateFields(add, remove []string) error {
	s.mu.Lock()

	removed := map[string]struct{}{}
	for _, f := range remove {
		removed[f] = struct{}{}
	}

	var fields []string

	for _, f := range s.fields {
		if _, drop := removed[f]; !drop {
			fields = append(fields, f)
		}
	}

	fields = append(fields, add...)
	s.fields = fields
	s.mu.Unlock()

	return s.parent.send(clientMessage{
		Type:         MessageUpdateFields,
		ID:           s.id,
		AddFields:    add,
		RemoveFields: remove,
	})
}
