// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// PackageCache memoizes the sdkmanager listing. The SDK install state is
// assumed stable for the lifetime of the cache; call Clear after installing
// or removing packages.
type PackageCache struct {
	env    Env
	runner Runner

	mu      sync.RWMutex
	catalog *Catalog
	group   singleflight.Group
}

func NewPackageCache(env Env, runner Runner) *PackageCache {
	return &PackageCache{env: env, runner: runner}
}

// Catalog returns the cached catalog, running sdkmanager on first use.
// Concurrent first callers share one invocation.
func (c *PackageCache) Catalog(ctx context.Context) (*Catalog, error) {
	c.mu.RLock()
	cached := c.catalog
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	v, err, _ := c.group.Do("catalog", func() (any, error) {
		c.mu.RLock()
		cached := c.catalog
		c.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		catalog, err := FetchPackages(ctx, c.env, c.runner)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.catalog = catalog
		c.mu.Unlock()
		return catalog, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Catalog), nil
}

func (c *PackageCache) Clear() {
	c.mu.Lock()
	c.catalog = nil
	c.mu.Unlock()
	logEvent(c.env, "package cache cleared")
}

// FetchPackages runs the SDK listing without caching.
func FetchPackages(ctx context.Context, env Env, runner Runner) (*Catalog, error) {
	env = env.WithDefaults()
	ctx, span := startSpan(ctx, env, "avd.FetchPackages")
	defer span.End()

	out, err := runner.Run(ctx, env.SdkManager, "--list", "--verbose")
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	catalog := ParseSDKListing(string(out))
	span.SetAttributes(
		attribute.Int("platforms", len(catalog.platforms)),
		attribute.Int("system_images", len(catalog.systemImages)),
	)
	logEvent(env, "package listing parsed",
		"platforms", len(catalog.platforms),
		"system_images", len(catalog.systemImages),
	)
	return catalog, nil
}
