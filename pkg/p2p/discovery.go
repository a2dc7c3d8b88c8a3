package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"go.uber.org/zap"

	"governance_engine/pkg/utils"
)

const (
	discoveryConnectTimeout = 10 * time.Second
	stalePeerTimeout        = 10 * time.Minute
)

// localDiscovery finds engines on the same network segment over mDNS and
// dials them
type localDiscovery struct {
	host    host.Host
	tag     string
	logger  *zap.Logger
	service mdns.Service

	seen map[peer.ID]time.Time
	ctx  context.Context
	wg   *sync.WaitGroup
	mu   sync.Mutex
}

func newLocalDiscovery(ctx context.Context, h host.Host, tag string, wg *sync.WaitGroup, logger *zap.Logger) *localDiscovery {
	return &localDiscovery{
		host:   h,
		tag:    tag,
		logger: logger,
		seen:   make(map[peer.ID]time.Time),
		ctx:    ctx,
		wg:     wg,
	}
}

func (d *localDiscovery) start() error {
	d.service = mdns.NewMdnsService(d.host, d.tag, d)
	if err := d.service.Start(); err != nil {
		return err
	}
	d.logger.Info("mDNS discovery started", zap.String("serviceTag", d.tag))
	return nil
}

func (d *localDiscovery) stop() error {
	if d.service == nil {
		return nil
	}
	return d.service.Close()
}

// HandlePeerFound implements mdns.Notifee
func (d *localDiscovery) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == d.host.ID() || d.ctx.Err() != nil {
		return
	}

	d.mu.Lock()
	now := time.Now()
	for id, lastSeen := range d.seen {
		if now.Sub(lastSeen) > stalePeerTimeout {
			delete(d.seen, id)
		}
	}
	_, known := d.seen[info.ID]
	d.seen[info.ID] = now
	d.mu.Unlock()

	if known {
		return
	}

	d.wg.Add(1)
	utils.SafeGo(d.logger, func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(d.ctx, discoveryConnectTimeout)
		defer cancel()
		if err := d.host.Connect(ctx, info); err != nil {
			d.logger.Debug("Failed to connect to discovered peer",
				zap.String("peerID", info.ID.String()),
				zap.Error(err))
			return
		}
		d.logger.Info("Connected to discovered peer", zap.String("peerID", info.ID.String()))
	})
}

// peers returns the peers seen within the stale window
func (d *localDiscovery) peers() []peer.ID {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]peer.ID, 0, len(d.seen))
	for id := range d.seen {
		out = append(out, id)
	}
	return out
}
