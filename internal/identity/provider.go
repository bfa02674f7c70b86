// Package identity randomises the client identity presented on outbound
// requests so that traffic from one process does not look like a single
// static client.
package identity

import (
	"errors"
	"math/rand/v2"
	"sync"
)

// Settings configure the user-agent pools.
type Settings struct {
	Desktop     []string
	Mobile      []string
	MobileRatio float64 // share of requests that present a mobile identity
}

// Provider picks a user agent per request.
type Provider struct {
	desktop     []string
	mobile      []string
	mobileRatio float64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewProvider validates the pools and builds a provider.
func NewProvider(settings Settings) (*Provider, error) {
	if len(settings.Desktop) == 0 {
		return nil, errors.New("desktop user-agent pool cannot be empty")
	}
	if len(settings.Mobile) == 0 {
		return nil, errors.New("mobile user-agent pool cannot be empty")
	}
	ratio := settings.MobileRatio
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return &Provider{
		desktop:     append([]string(nil), settings.Desktop...),
		mobile:      append([]string(nil), settings.Mobile...),
		mobileRatio: ratio,
		rand:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}, nil
}

// Pick returns a random user agent, choosing the mobile pool with the
// configured probability.
func (p *Provider) Pick() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	pool := p.desktop
	if p.rand.Float64() < p.mobileRatio {
		pool = p.mobile
	}
	return pool[p.rand.IntN(len(pool))]
}

// PickDesktop always returns a desktop identity. The gateway handshake uses
// it so the websocket client matches the super-properties browser block.
func (p *Provider) PickDesktop() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desktop[p.rand.IntN(len(p.desktop))]
}
