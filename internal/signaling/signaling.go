// Package signaling implements the out-of-band candidate exchange client
// named in spec.md §6: a thin WebSocket publish/subscribe channel carrying
// only {session_id, nonce, role, endpoints, optional Hello} JSON records,
// never video payload. Grounded on the WebSocket client/message-envelope
// shape of zalo-moonparty/internal/server/websocket.go, adapted from its
// server-side Upgrade handling to a client Dial, and recut to this spec's
// record instead of the teacher pack's WebRTC offer/answer/candidate
// envelope.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vtether/airlink/internal/applog"
)

// Record is the only payload ever exchanged over the signaling channel.
// Marshaling anything else (in particular a wire.* message) is a
// programmer error this type makes structurally impossible: the client's
// Publish/Recv surface only ever touches Record.
type Record struct {
	SessionID     uint32 `json:"session_id"`
	Nonce         uint64 `json:"nonce"`
	Role          uint8  `json:"role"`
	SrflxEndpoint string `json:"srflx_endpoint,omitempty"`
	LocalEndpoint string `json:"local_endpoint,omitempty"`
	Hello         *Hello `json:"hello,omitempty"`
}

// Hello mirrors the capability fields of wire.Hello for the signaling-time
// advertisement, kept decoupled from the wire package so signaling has no
// dependency on the binary protocol.
type Hello struct {
	Width             uint16 `json:"width"`
	Height            uint16 `json:"height"`
	FpsX10            uint16 `json:"fps_x10"`
	BitrateBps        uint32 `json:"bitrate_bps"`
	AVCProfile        uint8  `json:"avc_profile"`
	AVCLevel          uint8  `json:"avc_level"`
	IDRIntervalFrames uint16 `json:"idr_interval_frames"`
}

// envelope wraps a Record with a correlation id. Publish stamps a fresh id
// on every record; Recv does not match ids against anything.
type envelope struct {
	CorrelationID string `json:"correlation_id"`
	Record        Record `json:"record"`
}

// Client is a single-session WebSocket connection to the signaling server.
type Client struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn

	recvCh chan Record
	errCh  chan error
}

// NewClient constructs a Client that will dial url on Connect.
func NewClient(url string) *Client {
	return &Client{
		url:    url,
		recvCh: make(chan Record, 4),
		errCh:  make(chan error, 1),
	}
}

// Connect dials the signaling server and starts the background read pump.
// Corresponds to session.go's SIGNALING_CONNECT state.
func (c *Client) Connect(ctx context.Context) error {
	log := applog.For("signaling")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("signaling: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readPump(log)
	return nil
}

func (c *Client) readPump(log zerolog.Logger) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case c.errCh <- err:
			default:
			}
			return
		}
		log.Debug().Uint32("session_id", env.Record.SessionID).Msg("signaling record received")

		select {
		case c.recvCh <- env.Record:
		default:
			// Drop once the 4-record buffer is full; the exchange
			// protocol is request/response so a stale record is never
			// useful once superseded by a newer one.
		}
	}
}

// Publish sends our local Record (session_id, nonce, role, our endpoints,
// optional Hello) to the signaling server for relay to the peer.
func (c *Client) Publish(r Record) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling: not connected")
	}
	env := envelope{CorrelationID: uuid.NewString(), Record: r}
	return conn.WriteJSON(env)
}

// Recv blocks until the peer's Record arrives, ctx is cancelled, or the
// connection errors.
func (c *Client) Recv(ctx context.Context) (Record, error) {
	select {
	case r := <-c.recvCh:
		return r, nil
	case err := <-c.errCh:
		return Record{}, err
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}

// Close tears down the WebSocket connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
