package kube

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/werf/logboek"
	"golang.org/x/sync/singleflight"
	"k8s.io/client-go/kubernetes"
)

// ClientProvider resolves cluster credentials and hands out the current
// clientset. ForceRefresh rebuilds the clientset from the credential source,
// picking up rotated tokens; concurrent refresh calls collapse into a single
// in-flight rebuild.
type ClientProvider struct {
	opts KubeConfigOptions

	mu     sync.RWMutex
	client kubernetes.Interface

	refreshGroup singleflight.Group

	// buildClient is swapped in tests.
	buildClient func(opts KubeConfigOptions) (kubernetes.Interface, error)
}

func NewClientProvider(opts KubeConfigOptions) (*ClientProvider, error) {
	p := &ClientProvider{
		opts:        opts,
		buildClient: newClientset,
	}

	if err := p.ForceRefresh(); err != nil {
		return nil, fmt.Errorf("unable to resolve cluster credentials: %w", err)
	}

	return p, nil
}

// Current returns the most recently built clientset. Never blocks on network
// I/O: credential resolution happens in ForceRefresh only.
func (p *ClientProvider) Current() kubernetes.Interface {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

// ForceRefresh rebuilds the clientset from the credential source. Callers
// racing into a refresh share the same in-flight rebuild and its result.
func (p *ClientProvider) ForceRefresh() error {
	_, err, _ := p.refreshGroup.Do("refresh", func() (interface{}, error) {
		client, err := p.buildClient(p.opts)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.client = client
		p.mu.Unlock()

		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("refresh cluster credentials: %w", err)
	}
	return nil
}

// RunPeriodicRefresh proactively refreshes credentials on a fixed interval
// until the context is canceled. A failed refresh is logged and retried on
// the next tick; the previously built client stays in use meanwhile.
func (p *ClientProvider) RunPeriodicRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ForceRefresh(); err != nil {
				logboek.Context(ctx).Warn().LogF("Periodic credentials refresh failed, will retry in %s: %s\n", interval, err)
				continue
			}
			logboek.Context(ctx).Debug().LogF("Periodic credentials refresh succeeded\n")
		}
	}
}
