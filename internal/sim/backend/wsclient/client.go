// Package wsclient is a Backend that forwards every call to a remote
// simulator as JSON RPC over one websocket connection.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"

	"macs.ai/internal/protocol"
	"macs.ai/internal/sim/backend"
)

var ErrClosed = errors.New("wsclient: connection closed")

type Client struct {
	conn    *websocket.Conn
	log     *log.Logger
	timeout time.Duration

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan protocol.RPCResponse
	err     error

	done chan struct{}
}

var _ backend.Backend = (*Client)(nil)

// Dial connects to url. timeout bounds calls whose context has no deadline;
// zero means no bound. logger may be nil.
func Dial(ctx context.Context, url string, timeout time.Duration, logger *log.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newClient(conn, timeout, logger), nil
}

func newClient(conn *websocket.Conn, timeout time.Duration, logger *log.Logger) *Client {
	c := &Client{
		conn:    conn,
		log:     logger,
		timeout: timeout,
		pending: map[uint64]chan protocol.RPCResponse{},
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) logf(format string, args ...any) {
	if c.log != nil {
		c.log.Printf(format, args...)
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var resp protocol.RPCResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			c.logf("bad response: %v", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.logf("response for unknown id %d", resp.ID)
			continue
		}
		ch <- resp
	}
}

// fail records the first transport error and releases every waiter.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req := protocol.RPCRequest{ID: c.nextID.Add(1), Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = b
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ch := make(chan protocol.RPCResponse, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	err = c.conn.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return fmt.Errorf("%s: %w", method, err)
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		forget()
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *Client) ResetLevel(ctx context.Context) error {
	return c.call(ctx, protocol.MethodResetLevel, nil, nil)
}

func (c *Client) LoadArena(ctx context.Context, levelPath string, anchor mgl64.Vec3) (backend.ArenaID, error) {
	var res protocol.LoadArenaResult
	err := c.call(ctx, protocol.MethodLoadArena, protocol.LoadArenaParams{Path: levelPath, Anchor: anchor}, &res)
	return backend.ArenaID(res.ArenaID), err
}

func (c *Client) DestroyActor(ctx context.Context, id backend.ActorID) error {
	return c.call(ctx, protocol.MethodDestroyActor, protocol.ActorRef{ActorID: string(id)}, nil)
}

func (c *Client) SpawnActor(ctx context.Context, arena backend.ArenaID, blueprint string, t backend.Transform, timeout time.Duration) (backend.ActorID, error) {
	var res protocol.ActorRef
	err := c.call(ctx, protocol.MethodSpawnActor, protocol.SpawnActorParams{
		ArenaID:   string(arena),
		Blueprint: blueprint,
		Location:  t.Location,
		Scale:     t.Scale,
		TimeoutMs: timeout.Milliseconds(),
	}, &res)
	if err != nil {
		return "", err
	}
	return actorID(res)
}

func (c *Client) SetTransform(ctx context.Context, id backend.ActorID, t backend.Transform) (bool, error) {
	var res protocol.SetTransformResult
	err := c.call(ctx, protocol.MethodSetTransform, protocol.SetTransformParams{
		ActorID:   string(id),
		Transform: protocol.TransformMsg{Location: t.Location, Scale: t.Scale},
	}, &res)
	return res.OK, err
}

func (c *Client) GetTransform(ctx context.Context, id backend.ActorID) (backend.Transform, error) {
	var res protocol.TransformMsg
	if err := c.call(ctx, protocol.MethodGetTransform, protocol.ActorRef{ActorID: string(id)}, &res); err != nil {
		return backend.Transform{}, err
	}
	return backend.Transform{Location: res.Location, Scale: res.Scale}, nil
}

func (c *Client) MoveTowards(ctx context.Context, req backend.MoveRequest) (backend.MoveResult, error) {
	mode := protocol.OrientationKeep
	if req.Orientation == backend.OrientationFaceMovement {
		mode = protocol.OrientationFaceMovement
	}
	var res protocol.MoveTowardsResult
	err := c.call(ctx, protocol.MethodMoveTowards, protocol.MoveTowardsParams{
		ActorID:     string(req.Actor),
		Target:      req.Target,
		TimeoutMs:   req.Timeout.Milliseconds(),
		Orientation: mode,
		Speed:       req.Speed,
	}, &res)
	if err != nil {
		return backend.MoveResult{}, err
	}
	out := backend.MoveResult{Location: res.Location}
	if res.Hit != nil {
		h, err := decodeHit(*res.Hit)
		if err != nil {
			return backend.MoveResult{}, err
		}
		out.Hit = &h
	}
	return out, nil
}

func (c *Client) RayTraceBatch(ctx context.Context, jobs []backend.RayJob, debugDraw bool) ([]backend.RayResult, error) {
	params := protocol.RayTraceBatchParams{Jobs: make([]protocol.RayJobMsg, len(jobs)), DebugDraw: debugDraw}
	for i, j := range jobs {
		ignore := make([]string, len(j.Ignore))
		for k, id := range j.Ignore {
			ignore[k] = string(id)
		}
		params.Jobs[i] = protocol.RayJobMsg{Start: j.Start, End: j.End, Ignore: ignore}
	}
	var res protocol.RayTraceBatchResult
	if err := c.call(ctx, protocol.MethodRayTraceBatch, params, &res); err != nil {
		return nil, err
	}
	out := make([]backend.RayResult, len(res.Results))
	for i, r := range res.Results {
		hits := make([]backend.Hit, 0, len(r.Hits))
		for _, hm := range r.Hits {
			h, err := decodeHit(hm)
			if err != nil {
				return nil, err
			}
			hits = append(hits, h)
		}
		out[i] = backend.RayResult{Hits: hits}
	}
	return out, nil
}

func (c *Client) ExecConsoleCommand(ctx context.Context, cmd string) error {
	return c.call(ctx, protocol.MethodExecConsoleCommand, protocol.ConsoleParams{Command: cmd}, nil)
}

func (c *Client) Close() error {
	err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	cerr := c.conn.Close()
	<-c.done
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return cerr
}

func actorID(ref protocol.ActorRef) (backend.ActorID, error) {
	if len(ref.GUID) > 0 {
		return backend.ActorIDFromGUIDLE(ref.GUID)
	}
	if strings.TrimSpace(ref.ActorID) == "" {
		return "", fmt.Errorf("empty actor reference")
	}
	return backend.ActorID(ref.ActorID), nil
}

func decodeHit(h protocol.HitMsg) (backend.Hit, error) {
	out := backend.Hit{
		Tag:      backend.ParseTag(h.Tag),
		Distance: h.Distance,
		Location: h.Location,
		Normal:   h.Normal,
	}
	if len(h.GUID) > 0 || h.ActorID != "" {
		id, err := actorID(h.ActorRef)
		if err != nil {
			return backend.Hit{}, err
		}
		out.Actor = id
	}
	return out, nil
}
