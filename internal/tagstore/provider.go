package tagstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshcdn/internal/debuglog"
	"meshcdn/internal/proto"
)

const providerQueryTimeout = 2 * time.Second

// Provider serves one kind of tag to the mediator. It re-reads the database
// on every call so CLI edits show up on the next compute cycle, and falls
// back to the last good answer when the read fails.
type Provider struct {
	store *Store
	kind  Kind
	log   *zap.Logger

	mu     sync.Mutex
	cached []proto.ResourceTag
}

func (s *Store) Provider(kind Kind, log *zap.Logger) *Provider {
	return &Provider{
		store: s,
		kind:  kind,
		log:   debuglog.OrNop(log).With(zap.String("component", "tagstore"), zap.String("kind", string(kind))),
	}
}

func (p *Provider) ResourceTags() []proto.ResourceTag {
	ctx, cancel := context.WithTimeout(context.Background(), providerQueryTimeout)
	defer cancel()
	tags, err := p.store.Tags(ctx, p.kind)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.log.Warn("tag query failed, using cached tags", zap.Error(err), zap.Int("cached", len(p.cached)))
		return append([]proto.ResourceTag(nil), p.cached...)
	}
	p.cached = tags
	return append([]proto.ResourceTag(nil), tags...)
}
