// Package broker implements the optional external channel directory
// spec.md describes: named DataBlock segments register themselves so other
// processes can discover their creation parameters without an out-of-band
// config file, and receive async notifications (ChannelClosing,
// SchemaMismatch, ConsumerDied) pushed back from the broker.
//
// Grounded on feeder/ipc/publisher.go's Publisher: a mutex-guarded
// net.Conn to a Unix socket, dial-with-retry on write failure, newline-
// delimited {type, payload} JSON envelopes. Generalized here from a
// fire-and-forget publisher into a request/reply client (Register/
// Discover/Deregister each wait for a matching reply envelope) plus a
// separate long-lived async listener for server-pushed notifications.
package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Envelope is the wire message shape exchanged with the broker, the same
// {type, payload} shape as feeder/ipc/publisher.go's Message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ChannelInfo describes a registered segment's discoverable metadata.
type ChannelInfo struct {
	SegmentName        string `json:"segment_name"`
	ConsumerSyncPolicy string `json:"consumer_sync_policy"`
	ChecksumPolicy     string `json:"checksum_policy"`
	RingCapacity       uint32 `json:"ring_capacity"`
	FlexZoneSchemaHash string `json:"flex_zone_schema_hash"`
	SlotSchemaHash     string `json:"slot_schema_hash"`
}

// Notification is a server-pushed event: ChannelClosing, SchemaMismatch, or
// ConsumerDied, each carrying the affected segment name.
type Notification struct {
	Kind        string `json:"kind"`
	SegmentName string `json:"segment_name"`
	Detail      string `json:"detail"`
}

var (
	ErrNotFound  = errors.New("broker: channel not registered")
	ErrDialFail  = errors.New("broker: unix socket unreachable")
	ErrBadReply  = errors.New("broker: malformed reply envelope")
)

// Client is a request/reply connection to the broker's Unix socket. Async
// notifications arrive through a separate Listener.
type Client struct {
	path string

	mu   sync.Mutex
	conn net.Conn
}

// NewClient dials path (a Unix socket), same best-effort connect-now-retry-
// later behaviour as feeder/ipc/publisher.go's NewPublisher.
func NewClient(path string) *Client {
	c := &Client{path: path}
	c.dial()
	return c
}

func (c *Client) dial() {
	conn, err := net.Dial("unix", c.path)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// roundTrip sends msgType/payload and reads one newline-delimited reply
// envelope, retrying the dial up to 3 times on a broken connection — the
// same retry count feeder/ipc/publisher.go's Publish uses.
func (c *Client) roundTrip(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	msg, err := json.Marshal(Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return Envelope{}, err
	}
	msg = append(msg, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()

	for attempts := 0; attempts < 3; attempts++ {
		if c.conn == nil {
			conn, err := net.Dial("unix", c.path)
			if err != nil {
				time.Sleep(200 * time.Millisecond)
				continue
			}
			c.conn = conn
		}
		if _, err := c.conn.Write(msg); err != nil {
			c.conn.Close()
			c.conn = nil
			continue
		}
		line, err := bufio.NewReader(c.conn).ReadBytes('\n')
		if err != nil {
			c.conn.Close()
			c.conn = nil
			continue
		}
		var reply Envelope
		if err := json.Unmarshal(line, &reply); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrBadReply, err)
		}
		return reply, nil
	}
	return Envelope{}, ErrDialFail
}

// RegisterChannel advertises info to the broker under name.
func (c *Client) RegisterChannel(name string, info ChannelInfo) error {
	reply, err := c.roundTrip("register", struct {
		Name string      `json:"name"`
		Info ChannelInfo `json:"info"`
	}{name, info})
	if err != nil {
		return err
	}
	return replyError(reply)
}

// DiscoverChannel looks up a previously registered channel's metadata.
func (c *Client) DiscoverChannel(name string) (ChannelInfo, error) {
	reply, err := c.roundTrip("discover", struct {
		Name string `json:"name"`
	}{name})
	if err != nil {
		return ChannelInfo{}, err
	}
	if err := replyError(reply); err != nil {
		return ChannelInfo{}, err
	}
	var info ChannelInfo
	if err := json.Unmarshal(reply.Payload, &info); err != nil {
		return ChannelInfo{}, fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	return info, nil
}

// DeregisterChannel removes name's registration.
func (c *Client) DeregisterChannel(name string) error {
	reply, err := c.roundTrip("deregister", struct {
		Name string `json:"name"`
	}{name})
	if err != nil {
		return err
	}
	return replyError(reply)
}

func replyError(reply Envelope) error {
	if reply.Type != "error" {
		return nil
	}
	msg := gjson.GetBytes(reply.Payload, "message").String()
	if msg == "not_found" {
		return ErrNotFound
	}
	return fmt.Errorf("broker: %s", msg)
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Listener receives async Notification pushes over a websocket connection
// to the broker, used for ChannelClosing/SchemaMismatch/ConsumerDied —
// events the request/reply Client has no way to receive unprompted.
type Listener struct {
	conn *websocket.Conn
}

// DialListener opens a websocket connection to url and returns a Listener
// ready for Next.
func DialListener(ctx context.Context, url string) (*Listener, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: dial listener: %w", err)
	}
	return &Listener{conn: conn}, nil
}

// Next blocks for the next pushed Notification.
func (l *Listener) Next(ctx context.Context) (Notification, error) {
	var n Notification
	if err := wsjson.Read(ctx, l.conn, &n); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// Close closes the listener's websocket connection.
func (l *Listener) Close() error {
	return l.conn.Close(websocket.StatusNormalClosure, "")
}

// PrettyJSON renders v as indented JSON for diagnostics, using the
// tidwall/pretty formatter; cmd/datablock-diag prints diag snapshots with it.
func PrettyJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return pretty.Pretty(raw), nil
}
