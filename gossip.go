package contained

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/raskyld/contained/pkg/identity"
	"github.com/raskyld/contained/pkg/telemetry"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldMetaRole   = 1
	fieldMetaSubnet = 2
)

// nodeMeta is what a peer advertises to memberlist next to its name.
type nodeMeta struct {
	Role   Role
	Subnet string
}

func (m nodeMeta) marshal() []byte {
	buf := protowire.AppendTag(nil, fieldMetaRole, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Role))
	buf = protowire.AppendTag(buf, fieldMetaSubnet, protowire.BytesType)
	return protowire.AppendString(buf, m.Subnet)
}

func unmarshalMeta(b []byte) (nodeMeta, error) {
	var m nodeMeta
	err := fields(b, func(f field) error {
		switch f.num {
		case fieldMetaRole:
			if f.varint > uint64(RoleLight) {
				return fmt.Errorf("%w: role %d", ErrInvalidMeta, f.varint)
			}
			m.Role = Role(f.varint)
		case fieldMetaSubnet:
			m.Subnet = string(f.bytes)
		}
		return nil
	})
	return m, err
}

// peerOf maps a memberlist node onto a subnet peer. Node names are the hex
// encoded peer ids.
func peerOf(node *memberlist.Node) (Peer, string, error) {
	id, err := identity.ParsePeerID(node.Name)
	if err != nil {
		return Peer{}, "", fmt.Errorf("%w: %w", ErrInvalidMeta, err)
	}
	meta, err := unmarshalMeta(node.Meta)
	if err != nil {
		return Peer{}, "", err
	}
	return Peer{ID: id, Addr: node.Address(), Role: meta.Role}, meta.Subnet, nil
}

// gossip plugs the coordinator membership into memberlist. It is both the
// Delegate and the EventDelegate of the memberlist instance.
type gossip struct {
	logger *slog.Logger
	coord  *Coordinator
	meta   []byte
}

var (
	_ memberlist.Delegate      = (*gossip)(nil)
	_ memberlist.EventDelegate = (*gossip)(nil)
)

func newGossip(logger *slog.Logger, coord *Coordinator, role Role, subnet string) *gossip {
	return &gossip{
		logger: logger,
		coord:  coord,
		meta:   nodeMeta{Role: role, Subnet: subnet}.marshal(),
	}
}

func (g *gossip) NodeMeta(limit int) []byte {
	if len(g.meta) > limit {
		g.logger.Error("node metadata exceeds memberlist limit", "limit", limit)
		return nil
	}
	return g.meta
}

// NotifyMsg receives the digests other peers push as keep-alives.
func (g *gossip) NotifyMsg(msg []byte) {
	g.merge(msg)
}

func (g *gossip) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

func (g *gossip) LocalState(join bool) []byte {
	return g.coord.Digest().marshal()
}

func (g *gossip) MergeRemoteState(buf []byte, join bool) {
	g.merge(buf)
}

func (g *gossip) merge(buf []byte) {
	d, err := unmarshalDigest(buf)
	if err != nil {
		g.logger.Warn("dropping malformed digest", telemetry.LabelError.L(err))
		return
	}
	if err := g.coord.MergeDigest(d); err != nil {
		g.logger.Debug("digest not merged", telemetry.LabelError.L(err))
	}
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	g.observe(node, "peer joined subnet")
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	g.observe(node, "peer updated")
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	logger := withLogNode(g.logger, node)
	id, err := identity.ParsePeerID(node.Name)
	if err != nil {
		logger.Warn("ignoring departure of a peer with an invalid name", telemetry.LabelError.L(err))
		return
	}
	if id == g.coord.Self().ID {
		return
	}
	logger.Info("peer left subnet")
	if err := g.coord.Forget(id); err != nil {
		logger.Debug("departure not recorded", telemetry.LabelError.L(err))
	}
}

func (g *gossip) observe(node *memberlist.Node, msg string) {
	logger := withLogNode(g.logger, node)
	peer, subnet, err := peerOf(node)
	if err != nil {
		logger.Warn("ignoring peer with invalid metadata", telemetry.LabelError.L(err))
		return
	}
	if peer.ID == g.coord.Self().ID {
		return
	}
	logger.Debug(msg, telemetry.LabelPeerRole.L(peer.Role.String()))
	if err := g.coord.Observe(subnet, peer); err != nil {
		logger.Debug("observation not recorded", telemetry.LabelError.L(err))
	}
}

// keepAlive pushes the local digest to every memberlist member until ctx
// ends.
func (g *gossip) keepAlive(ctx context.Context, ml *memberlist.Memberlist, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		digest := g.coord.Digest().marshal()
		self := ml.LocalNode()
		for _, node := range ml.Members() {
			if node.Name == self.Name {
				continue
			}
			if err := ml.SendBestEffort(node, digest); err != nil {
				withLogNode(g.logger, node).Debug("keep-alive not sent", telemetry.LabelError.L(err))
			}
		}
	}
}
