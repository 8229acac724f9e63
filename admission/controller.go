package admission

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"sync"

	"github.com/machinefabric/shardrpc-go/logging"
	"github.com/machinefabric/shardrpc-go/rpc"
	"github.com/machinefabric/shardrpc-go/wire"
)

// Controller applies a Policy and counts live workers per shard. It is
// safe for concurrent use.
type Controller struct {
	log logging.Logger

	mu     sync.Mutex
	policy *Policy
	live   map[uint32]int
}

// NewController wraps p. A nil policy admits everyone.
func NewController(p *Policy, log logging.Logger) *Controller {
	if p == nil {
		p = OpenPolicy()
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Controller{
		log:    log.With("component", "admission"),
		policy: p,
		live:   make(map[uint32]int),
	}
}

// SetPolicy swaps the policy. Workers already admitted stay admitted.
func (c *Controller) SetPolicy(p *Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p
}

// Admit checks hello against the policy and, on success, reserves a slot
// on the worker's shard. It satisfies rpc.AdmitFunc.
func (c *Controller) Admit(hello *wire.WorkerHello) *wire.HandshakeReject {
	c.mu.Lock()
	defer c.mu.Unlock()

	rej := c.check(hello)
	if rej != nil {
		c.log.Info("worker refused", "shard_id", hello.ShardID, "code", rej.Code.String(), "reason", rej.Message)
		return rej
	}
	c.live[hello.ShardID]++
	c.log.Debug("worker admitted", "shard_id", hello.ShardID, "live", c.live[hello.ShardID])
	return nil
}

func (c *Controller) check(hello *wire.WorkerHello) *wire.HandshakeReject {
	p := c.policy
	shard, known := p.Shard(hello.ShardID)
	if !known && !p.AllowUnknownShards {
		return wire.NewReject(wire.RejectInvalidRequest, fmt.Sprintf("shard %d is not served by this router", hello.ShardID))
	}

	if shard.AuthToken != nil {
		if hello.AuthToken == nil || subtle.ConstantTimeCompare([]byte(*hello.AuthToken), []byte(*shard.AuthToken)) != 1 {
			return wire.NewReject(wire.RejectUnauthorized, fmt.Sprintf("invalid auth token for shard %d", hello.ShardID))
		}
	}

	if p.MinVersion != nil {
		if floor := p.MinVersion.Protocol(); hello.SupportedVersions.Max.Compare(floor) < 0 {
			return wire.NewReject(wire.RejectUnsupportedVersion, fmt.Sprintf(
				"worker supports up to %s but this router requires at least %s", hello.SupportedVersions.Max, floor))
		}
	}

	if p.RequireCachedIndex && hello.CachedIndexInfo == nil {
		return wire.NewReject(wire.RejectInvalidRequest, fmt.Sprintf("shard %d requires a cached index", hello.ShardID))
	}

	if shard.MaxWorkers > 0 && c.live[hello.ShardID] >= shard.MaxWorkers {
		return wire.NewReject(wire.RejectInvalidRequest, fmt.Sprintf(
			"shard %d already has %d of %d workers", hello.ShardID, c.live[hello.ShardID], shard.MaxWorkers))
	}
	return nil
}

// Release frees one slot on shardID.
func (c *Controller) Release(shardID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live[shardID] <= 1 {
		delete(c.live, shardID)
		return
	}
	c.live[shardID]--
}

// Live returns the number of admitted workers on shardID.
func (c *Controller) Live(shardID uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[shardID]
}

// Track releases shardID's slot once conn closes.
func (c *Controller) Track(shardID uint32, conn *rpc.Conn) {
	go func() {
		<-conn.Closed()
		c.Release(shardID)
		c.log.Debug("worker released", "shard_id", shardID, "conn_id", conn.ID())
	}()
}

// Accept runs the router handshake on stream with this controller as the
// admission hook. A slot reserved by Admit is released again if the
// handshake fails afterwards, and tracked until close if it succeeds.
func (c *Controller) Accept(ctx context.Context, stream io.ReadWriteCloser, cfg rpc.RouterConfig) (*rpc.Conn, *wire.RouterWelcome, error) {
	var (
		admitted bool
		shardID  uint32
	)
	admit := func(hello *wire.WorkerHello) *wire.HandshakeReject {
		rej := c.Admit(hello)
		admitted, shardID = rej == nil, hello.ShardID
		return rej
	}

	conn, welcome, err := rpc.HandshakeAsRouterWithConfigAndAdmit(ctx, stream, cfg, admit)
	if err != nil {
		if admitted {
			c.Release(shardID)
		}
		return nil, nil, err
	}
	c.Track(shardID, conn)
	return conn, welcome, nil
}
