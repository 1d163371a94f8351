package transport

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sessamekesh/netide-openflow-shim/pkg/handlers"
	utils "github.com/sessamekesh/netide-openflow-shim/pkg/util"
)

type CoreWebsocketClientParams struct {
	// e.g. ws://127.0.0.1:5555/netip
	CoreUrl string

	MinReconnectBackoff time.Duration
	MaxReconnectBackoff time.Duration
	HandshakeTimeout    time.Duration
	WriteTimeout        time.Duration

	MaxReadMessageSize int64

	Logger *zap.Logger
}

// coreWebsocketClient keeps one WebSocket session open to the core's message
// bus, redialing with exponential backoff when it drops. Every NetIP envelope
// travels as one binary frame. Messages the shim queues while the bus is down
// wait in the handler channel.
type coreWebsocketClient struct {
	dialer *websocket.Dialer

	params CoreWebsocketClientParams

	shimConnection *handlers.CoreMessageHandler

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

func CreateCoreWebsocketClient(shimConnection *handlers.CoreMessageHandler, params CoreWebsocketClientParams) (*coreWebsocketClient, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	coreUrl, err := url.Parse(params.CoreUrl)
	if err != nil {
		return nil, errors.Wrap(err, "invalid core URL")
	}
	if coreUrl.Scheme != "ws" && coreUrl.Scheme != "wss" {
		return nil, errors.Errorf("core URL must use ws or wss, got %q", coreUrl.Scheme)
	}

	if params.MinReconnectBackoff <= 0 {
		params.MinReconnectBackoff = 500 * time.Millisecond
	}
	if params.MaxReconnectBackoff < params.MinReconnectBackoff {
		params.MaxReconnectBackoff = 10 * time.Second
	}
	if params.HandshakeTimeout <= 0 {
		params.HandshakeTimeout = 5 * time.Second
	}
	if params.WriteTimeout <= 0 {
		params.WriteTimeout = 5 * time.Second
	}

	return &coreWebsocketClient{
		dialer: &websocket.Dialer{
			HandshakeTimeout: params.HandshakeTimeout,
		},
		params:         params,
		shimConnection: shimConnection,
		log:            logger.With(zap.String("handler", "CoreWebSocket"), zap.String("coreUrl", params.CoreUrl)),
		stringGen:      utils.CreateRandomstringGenerator(time.Now().UnixMicro()),
	}, nil
}

func (ws *coreWebsocketClient) emit(ctx context.Context, ev handlers.CoreConnectionEvent) {
	ev.Endpoint = ws.params.CoreUrl
	select {
	case <-ctx.Done():
	case ws.shimConnection.ConnectionEvents <- ev:
	}
}

func (ws *coreWebsocketClient) Start(ctx context.Context) error {
	backoff := ws.params.MinReconnectBackoff

	for {
		c, _, err := ws.dialer.DialContext(ctx, ws.params.CoreUrl, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			err = errors.Wrap(err, "failed to dial core")
			ws.log.Warn("Core unreachable, retrying", zap.Duration("backoff", backoff), zap.Error(err))
			ws.emit(ctx, handlers.CoreConnectionEvent{Connected: false, Error: err})

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(2*backoff, ws.params.MaxReconnectBackoff)
			continue
		}

		backoff = ws.params.MinReconnectBackoff
		ws.emit(ctx, handlers.CoreConnectionEvent{Connected: true})

		err = ws.session(ctx, c)
		if ctx.Err() != nil {
			ws.log.Info("Core WebSocket client shut down")
			return nil
		}
		ws.emit(ctx, handlers.CoreConnectionEvent{Connected: false, Error: err})
	}
}

func (ws *coreWebsocketClient) session(ctx context.Context, c *websocket.Conn) error {
	log := ws.log.With(zap.String("sessionTag", ws.stringGen.GetRandomString(6)))
	log.Info("Connected to core")
	defer c.Close()

	if ws.params.MaxReadMessageSize > 0 {
		c.SetReadLimit(ws.params.MaxReadMessageSize)
	}

	readErr := make(chan error, 1)

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		readErr <- ws.readLoop(ctx, log, c)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			c.SetWriteDeadline(time.Now().Add(ws.params.WriteTimeout))
			c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shim shutting down"))
			c.Close()
			return ctx.Err()
		case err := <-readErr:
			log.Warn("Core connection lost", zap.Error(err))
			return err
		case msg := <-ws.shimConnection.OutgoingMessages:
			c.SetWriteDeadline(time.Now().Add(ws.params.WriteTimeout))
			if err := c.WriteMessage(websocket.BinaryMessage, msg.Data); err != nil {
				// The envelope is lost with the session.
				err = errors.Wrap(err, "failed to write to core")
				log.Warn("Dropping core session", zap.Error(err))
				c.Close()
				return err
			}
		}
	}
}

func (ws *coreWebsocketClient) readLoop(ctx context.Context, log *zap.Logger, c *websocket.Conn) error {
	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}

	for {
		msgType, payload, err := c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, expectedCloseErrors...) {
				log.Info("Core closed the WebSocket session", zap.Error(err))
				return err
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return err
			}
			return errors.Wrap(err, "failed to read from core")
		}

		if msgType != websocket.BinaryMessage {
			log.Info("Received non-binary message from core, ignoring", zap.Int("size", len(payload)))
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ws.shimConnection.IncomingMessages <- handlers.CoreMessage{
			RecvTimestamp: ws.shimConnection.GetNowTimestamp(),
			Data:          payload,
		}:
		}
	}
}
