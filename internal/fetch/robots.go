package fetch

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const robotsTTL = 30 * time.Minute

type robotsEntry struct {
	group   *robotstxt.Group
	fetched time.Time
}

// robotsCache fetches and caches per-host robots.txt groups. A host whose
// robots.txt cannot be retrieved or parsed is treated as allowing everything;
// 4xx/5xx status semantics are handled by the robotstxt library itself.
type robotsCache struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[string]robotsEntry
}

func newRobotsCache(client *http.Client, userAgent string, logger *zap.Logger) *robotsCache {
	return &robotsCache{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
		entries:   make(map[string]robotsEntry),
	}
}

// Allowed reports whether the target URL may be fetched for our user agent.
func (rc *robotsCache) Allowed(ctx context.Context, target string) bool {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return false
	}

	group := rc.groupFor(ctx, u.Scheme, u.Host)
	if group == nil {
		return true
	}
	return group.Test(u.Path)
}

func (rc *robotsCache) groupFor(ctx context.Context, scheme, host string) *robotstxt.Group {
	key := scheme + "://" + host

	rc.mu.Lock()
	entry, ok := rc.entries[key]
	rc.mu.Unlock()
	if ok && time.Since(entry.fetched) < robotsTTL {
		return entry.group
	}

	group := rc.fetchGroup(ctx, key+"/robots.txt")

	rc.mu.Lock()
	rc.entries[key] = robotsEntry{group: group, fetched: time.Now()}
	rc.mu.Unlock()
	return group
}

func (rc *robotsCache) fetchGroup(ctx context.Context, robotsURL string) *robotstxt.Group {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", rc.userAgent)

	resp, err := rc.client.Do(req)
	if err != nil {
		rc.logger.Debug("robots.txt fetch failed, allowing host",
			zap.String("url", robotsURL),
			zap.Error(err),
		)
		return nil
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		rc.logger.Debug("robots.txt parse failed, allowing host",
			zap.String("url", robotsURL),
			zap.Error(err),
		)
		return nil
	}
	return data.FindGroup(rc.userAgent)
}

