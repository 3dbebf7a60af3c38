// Package stream receives push telemetry over the streaming websocket and
// merges it into the state cache, bypassing the poll path while a vehicle is
// actively reporting. Frames flow through a bounded channel so a slow
// consumer drops updates instead of queueing without bound.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/homefleet/teslasync/internal/log"
	"github.com/homefleet/teslasync/internal/metrics"
	"github.com/homefleet/teslasync/pkg/connector"
	"github.com/homefleet/teslasync/pkg/protocol"
	"github.com/homefleet/teslasync/pkg/state"
)

// DefaultURL is the streaming websocket endpoint.
const DefaultURL = "wss://streaming.vn.teslamotors.com/streaming/"

const (
	// updateBuffer bounds the consumer-facing channel.
	updateBuffer = 64
	readLimit    = 1 << 20
	// readTimeout closes an idle connection; a subscribed vehicle that
	// stops reporting has gone to sleep.
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Listener maintains one streaming connection for one vehicle. Updates are
// merged into the cache as they arrive and fanned out to registered
// callbacks and the Updates channel.
type Listener struct {
	// URL overrides the streaming endpoint. Defaults to DefaultURL.
	URL string
	// Dialer overrides the websocket dialer, e.g. for proxies.
	Dialer *websocket.Dialer

	tokens connector.TokenSource
	cache  *state.Cache

	callbackLock sync.Mutex
	callbacks    []func(state.StreamUpdate)

	updates chan state.StreamUpdate
}

func NewListener(tokens connector.TokenSource, cache *state.Cache) *Listener {
	return &Listener{
		URL:     DefaultURL,
		tokens:  tokens,
		cache:   cache,
		updates: make(chan state.StreamUpdate, updateBuffer),
	}
}

// Updates returns the channel carrying merged telemetry frames. The channel
// is bounded; frames nobody drains are dropped, never queued unbounded.
func (l *Listener) Updates() <-chan state.StreamUpdate {
	return l.updates
}

// OnUpdate registers fn to run for every received frame. Callbacks run on
// the read loop; slow callbacks delay frame processing for this vehicle
// only.
func (l *Listener) OnUpdate(fn func(state.StreamUpdate)) {
	l.callbackLock.Lock()
	defer l.callbackLock.Unlock()
	l.callbacks = append(l.callbacks, fn)
}

// Listen connects, subscribes to telemetry, and pumps frames until the
// server disconnects, the vehicle stops reporting, or ctx is cancelled.
// id keys the state cache; streamID is the streaming service's vehicle_id,
// which tags the subscription on the wire. Returns nil on an orderly
// disconnect so callers can decide whether to reconnect.
func (l *Listener) Listen(ctx context.Context, id, streamID int64) error {
	token, err := l.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}
	dialer := l.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	url := l.URL
	if url == "" {
		url = DefaultURL
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("error connecting to %s: %w", url, err)
	}
	defer conn.Close()

	// Unblock ReadMessage on cancellation.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadLimit(readLimit)
	if err := l.subscribe(conn, token, streamID); err != nil {
		return err
	}
	log.Debug("Subscribed to stream for vehicle %d", id)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var frame message
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Warning("Dropping unparseable stream frame: %s", raw)
			continue
		}
		switch frame.MessageType {
		case "control:hello":
			log.Debug("Stream for vehicle %d connected", id)
		case "data:update":
			metrics.StreamFramesTotal.Inc()
			l.handleUpdate(frame, id)
		case "data:error":
			if strings.Contains(frame.Value, "disconnected") {
				log.Info("Stream for vehicle %d disconnected by server", id)
				return nil
			}
			if strings.Contains(frame.Value, "Can't validate token") {
				l.tokens.Invalidate(token)
				return &protocol.AuthError{Err: fmt.Errorf("streaming server rejected token")}
			}
			return fmt.Errorf("streaming error: %s", frame.Value)
		}
	}
}

func (l *Listener) subscribe(conn *websocket.Conn, token string, streamID int64) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(&message{
		MessageType: "data:subscribe_oauth",
		Token:       token,
		Value:       Columns,
		Tag:         fmt.Sprintf("%d", streamID),
	})
}

func (l *Listener) handleUpdate(frame message, id int64) {
	update, err := parseUpdate(frame.Tag, frame.Value)
	if err != nil {
		log.Warning("Dropping malformed stream frame: %s", err)
		return
	}
	// Frames are tagged with the streaming id; the cache is keyed by the
	// owner-API id.
	update.VehicleID = id
	l.cache.ApplyStream(update)

	l.callbackLock.Lock()
	callbacks := l.callbacks
	l.callbackLock.Unlock()
	for _, fn := range callbacks {
		fn(update)
	}

	select {
	case l.updates <- update:
	default:
		metrics.StreamDroppedTotal.Inc()
	}
}
