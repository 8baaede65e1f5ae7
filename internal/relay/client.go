// Package relay connects to a call relay over a websocket and exposes it as
// a call.Platform. Media is captured locally through a device.Platform.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/sjawhar/click2call/internal/call"
	"github.com/sjawhar/click2call/internal/device"
)

var (
	_ call.Platform = (*Platform)(nil)
	_ call.Client   = (*Client)(nil)
	_ call.Remote   = (*Remote)(nil)
	_ call.Invite   = (*Invite)(nil)
)

const defaultRequestTimeout = 15 * time.Second

type Option func(*Platform)

func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(p *Platform) {
		if d != nil {
			p.dialer = d
		}
	}
}

// WithTokenCache keeps the short-lived session token the relay issues on
// authentication under key in kv. A cached token is offered on the next
// authentication so the relay can resume the session; removing the key
// forces a fresh one.
func WithTokenCache(kv device.KV, key string) Option {
	return func(p *Platform) {
		p.tokenKV = kv
		p.tokenKey = key
	}
}

// WithRequestTimeout bounds requests whose context has no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Platform) {
		if d > 0 {
			p.timeout = d
		}
	}
}

type Platform struct {
	url     string
	devices device.Platform
	dialer  *websocket.Dialer
	logger  *slog.Logger
	timeout time.Duration

	tokenKV  device.KV
	tokenKey string
}

func New(url string, devices device.Platform, opts ...Option) *Platform {
	p := &Platform{
		url:     url,
		devices: devices,
		dialer:  websocket.DefaultDialer,
		logger:  slog.Default(),
		timeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Authenticate opens a relay connection and authenticates it with token.
func (p *Platform) Authenticate(ctx context.Context, token string) (call.Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := p.dialer.DialContext(ctx, p.url, header)
	if err != nil {
		return nil, fmt.Errorf("connect relay %s: %w", p.url, err)
	}

	c := &Client{
		platform: p,
		conn:     conn,
		pending:  map[string]chan response{},
		calls:    map[string]*Remote{},
		closed:   make(chan struct{}),
	}
	go c.readLoop()

	params := map[string]string{"token": token}
	if sat := p.cachedSessionToken(); sat != "" {
		params["sat"] = sat
	}
	res, err := c.request(ctx, methodAuth, params)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("authenticate relay: %w", err)
	}
	p.cacheSessionToken(res.Get("sat").String())
	p.logger.Info("relay: authenticated", "url", p.url)
	return c, nil
}

func (p *Platform) cachedSessionToken() string {
	if p.tokenKV == nil {
		return ""
	}
	sat, ok, err := p.tokenKV.Get(p.tokenKey)
	if err != nil {
		p.logger.Warn("relay: read cached session token failed", "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return sat
}

func (p *Platform) cacheSessionToken(sat string) {
	if p.tokenKV == nil || sat == "" {
		return
	}
	if err := p.tokenKV.Set(p.tokenKey, sat); err != nil {
		p.logger.Warn("relay: cache session token failed", "error", err)
	}
}

type Client struct {
	platform *Platform
	conn     *websocket.Conn
	writeMu  sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan response
	calls    map[string]*Remote
	incoming func(call.Invite)

	closeOnce sync.Once
	closed    chan struct{}
}

// Done is closed when the relay connection is closed or lost.
func (c *Client) Done() <-chan struct{} { return c.closed }

func (c *Client) OnIncoming(fn func(call.Invite)) {
	c.mu.Lock()
	c.incoming = fn
	c.mu.Unlock()
}

// Dial captures local media and asks the relay to place the call.
func (c *Client) Dial(ctx context.Context, p call.DialParams) (call.Remote, error) {
	stream, err := c.platform.devices.GetUserMedia(ctx, constraintsFor(p.Audio, p.Video, p.Microphone, p.CameraID))
	if err != nil {
		return nil, fmt.Errorf("capture local media: %w", err)
	}

	res, err := c.request(ctx, methodDial, dialRequest{
		Destination:   p.Destination,
		Audio:         p.Audio,
		Video:         p.Video,
		UserVariables: p.UserVariables,
		AudioCodecs:   p.AudioCodecs,
		SpeakerID:     p.SpeakerID,
	})
	if err != nil {
		stopStream(stream)
		return nil, err
	}

	id := res.Get("call_id").String()
	if id == "" {
		stopStream(stream)
		return nil, ErrMissingCallID
	}
	return c.track(newRemote(c, id, stream, p.Video)), nil
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		close(c.closed)
	})
	return err
}

func (c *Client) request(ctx context.Context, method string, params any) (gjson.Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.platform.timeout)
		defer cancel()
	}

	id := uuid.NewString()
	data, err := encodeRequest(id, method, params)
	if err != nil {
		return gjson.Result{}, err
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return gjson.Result{}, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			if rpcErr, ok := resp.err.(*RPCError); ok {
				rpcErr.Method = method
			}
			return gjson.Result{}, resp.err
		}
		return resp.result, nil
	case <-c.closed:
		return gjson.Result{}, ErrClosed
	case <-ctx.Done():
		return gjson.Result{}, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *Client) readLoop() {
	defer c.dropAll()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.platform.logger.Warn("relay: connection lost", "error", err)
				_ = c.Close()
			}
			return
		}

		in, err := decodeFrame(data)
		if err != nil {
			c.platform.logger.Debug("relay: dropping frame", "error", err)
			continue
		}

		if in.Event == "" {
			c.resolve(in)
			continue
		}
		c.dispatch(in)
	}
}

func (c *Client) resolve(in inbound) {
	c.mu.Lock()
	ch, ok := c.pending[in.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	resp := response{result: in.Result}
	if in.Err != nil {
		resp.err = in.Err
	}
	ch <- resp
}

func (c *Client) dispatch(in inbound) {
	if in.Event == eventIncoming {
		c.mu.Lock()
		fn := c.incoming
		c.mu.Unlock()
		if fn == nil {
			c.platform.logger.Info("relay: incoming call ignored, no handler", "call_id", in.CallID)
			return
		}
		params := gjson.ParseBytes(in.Params)
		go fn(&Invite{
			client: c,
			id:     in.CallID,
			caller: params.Get("caller").String(),
			video:  params.Get("video").Bool(),
		})
		return
	}

	c.mu.Lock()
	r := c.calls[in.CallID]
	if in.Event == call.EventDestroy {
		delete(c.calls, in.CallID)
	}
	c.mu.Unlock()
	if r == nil {
		return
	}
	r.emit(call.Event{Name: in.Event, Payload: in.Params})
}

// dropAll ends every call on a lost connection.
func (c *Client) dropAll() {
	c.mu.Lock()
	calls := c.calls
	c.calls = map[string]*Remote{}
	c.mu.Unlock()
	for _, r := range calls {
		r.emit(call.Event{Name: call.EventDestroy})
	}
}

func (c *Client) track(r *Remote) *Remote {
	c.mu.Lock()
	c.calls[r.id] = r
	c.mu.Unlock()
	return r
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
}

// Invite is an inbound call announced by the relay.
type Invite struct {
	client *Client
	id     string
	caller string
	video  bool
}

func (i *Invite) ID() string     { return i.id }
func (i *Invite) Caller() string { return i.caller }

func (i *Invite) Accept(ctx context.Context) (call.Remote, error) {
	stream, err := i.client.platform.devices.GetUserMedia(ctx, constraintsFor(true, i.video, nil, ""))
	if err != nil {
		return nil, fmt.Errorf("capture local media: %w", err)
	}
	if _, err := i.client.request(ctx, methodAnswer, callRequest{CallID: i.id}); err != nil {
		stopStream(stream)
		return nil, err
	}
	return i.client.track(newRemote(i.client, i.id, stream, i.video)), nil
}

func (i *Invite) Reject(ctx context.Context) error {
	_, err := i.client.request(ctx, methodReject, callRequest{CallID: i.id})
	return err
}

func constraintsFor(audio, video bool, mic *device.TrackConstraints, cameraID string) device.Constraints {
	var c device.Constraints
	if audio {
		if mic != nil {
			m := *mic
			c.Audio = &m
		} else {
			c.Audio = &device.TrackConstraints{}
		}
	}
	if video {
		c.Video = &device.TrackConstraints{DeviceID: cameraID}
	}
	return c
}

func stopStream(s device.Stream) {
	if s != nil {
		s.Stop()
	}
}
