// Package ratelimit enforces a per-origin request budget for the admission
// chain.
package ratelimit

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var schemePrefix = regexp.MustCompile(`(?i)^[\w\-]+://`)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Checker hands out a token-bucket budget of max requests per period to
// each origin host and answers with a refusal reason once it runs dry.
type Checker struct {
	max       int
	period    time.Duration
	unlimited *regexp.Regexp

	mu        sync.Mutex
	origins   map[string]*entry
	lastPrune time.Time
}

// New builds a Checker allowing max requests per period for each origin
// host. Entries in unlimited name hosts exempt from the budget, either as a
// literal host name or as a /regular expression/ wrapped in slashes.
func New(max int, period time.Duration, unlimited []string) (*Checker, error) {
	if max <= 0 {
		return nil, fmt.Errorf("ratelimit: max requests must be positive, got %d", max)
	}
	if period <= 0 {
		return nil, fmt.Errorf("ratelimit: period must be positive, got %s", period)
	}
	pattern, err := compileUnlimited(unlimited)
	if err != nil {
		return nil, err
	}
	return &Checker{
		max:       max,
		period:    period,
		unlimited: pattern,
		origins:   make(map[string]*entry),
		lastPrune: time.Now(),
	}, nil
}

func compileUnlimited(hosts []string) (*regexp.Regexp, error) {
	if len(hosts) == 0 {
		return nil, nil
	}
	parts := make([]string, 0, len(hosts))
	for i, h := range hosts {
		if strings.HasPrefix(h, "/") || strings.HasSuffix(h, "/") {
			if len(h) < 3 || !strings.HasPrefix(h, "/") || !strings.HasSuffix(h, "/") {
				return nil, fmt.Errorf("ratelimit: unlimited entry %d must start and end with a slash", i)
			}
			expr := h[1 : len(h)-1]
			if _, err := regexp.Compile(expr); err != nil {
				return nil, fmt.Errorf("ratelimit: unlimited entry %d: %w", i, err)
			}
			parts = append(parts, expr)
		} else {
			parts = append(parts, regexp.QuoteMeta(h))
		}
	}
	return regexp.Compile(`(?i)^(?:` + strings.Join(parts, "|") + `)$`)
}

// Check returns a human-readable refusal reason when the origin has spent
// its budget, or "" when the request may proceed. Origins on the unlimited
// list always pass.
func (c *Checker) Check(origin string) string {
	host := schemePrefix.ReplaceAllString(origin, "")
	if c.unlimited != nil && c.unlimited.MatchString(host) {
		return ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.pruneLocked(now)
	e := c.origins[host]
	if e == nil {
		e = &entry{limiter: rate.NewLimiter(rate.Every(c.period/time.Duration(c.max)), c.max)}
		c.origins[host] = e
	}
	e.lastSeen = now
	if e.limiter.Allow() {
		return ""
	}
	return c.reason()
}

// pruneLocked drops origins idle for more than two periods; their buckets
// would be full again anyway. Runs at most once per period.
func (c *Checker) pruneLocked(now time.Time) {
	if now.Sub(c.lastPrune) < c.period {
		return
	}
	c.lastPrune = now
	for host, e := range c.origins {
		if now.Sub(e.lastSeen) > 2*c.period {
			delete(c.origins, host)
		}
	}
}

func (c *Checker) reason() string {
	switch {
	case c.period == time.Minute:
		return fmt.Sprintf("The number of requests is limited to %d per minute.", c.max)
	case c.period%time.Minute == 0:
		return fmt.Sprintf("The number of requests is limited to %d per %d minutes.", c.max, c.period/time.Minute)
	default:
		return fmt.Sprintf("The number of requests is limited to %d per %d seconds.", c.max, c.period/time.Second)
	}
}
