package relay

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// MXRecord represents a mail exchanger record.
type MXRecord struct {
	Host       string
	Preference uint16
}

// MXResolver resolves MX records with caching.
type MXResolver struct {
	cache    sync.Map // domain -> *cachedMX
	resolver *net.Resolver
	ttl      time.Duration
	forced   map[string]string // domain -> host override, dev only
}

type cachedMX struct {
	records   []MXRecord
	expiresAt time.Time
}

// MXResolverConfig configures the MX resolver.
type MXResolverConfig struct {
	// CacheTTL is how long to cache MX records.
	CacheTTL time.Duration
	// ForceMX overrides lookups for specific domains.
	ForceMX map[string]string
}

// DefaultMXResolverConfig returns default configuration.
func DefaultMXResolverConfig() MXResolverConfig {
	return MXResolverConfig{
		CacheTTL: 5 * time.Minute,
	}
}

// NewMXResolver creates a new MX resolver.
func NewMXResolver(cfg MXResolverConfig) *MXResolver {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &MXResolver{
		resolver: &net.Resolver{
			PreferGo: true,
		},
		ttl:    ttl,
		forced: cfg.ForceMX,
	}
}

// Lookup returns the MX records for a domain, sorted by preference.
func (r *MXResolver) Lookup(ctx context.Context, domain string) ([]MXRecord, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, ErrInvalidDomain
	}

	if host, ok := r.forced[domain]; ok {
		return []MXRecord{{Host: host}}, nil
	}

	// Check cache first
	if cached, ok := r.cache.Load(domain); ok {
		c := cached.(*cachedMX)
		if time.Now().Before(c.expiresAt) {
			return c.records, nil
		}
		r.cache.Delete(domain)
	}

	records, err := r.lookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}

	r.cache.Store(domain, &cachedMX{
		records:   records,
		expiresAt: time.Now().Add(r.ttl),
	})

	return records, nil
}

// lookupMX performs the actual DNS lookup.
func (r *MXResolver) lookupMX(ctx context.Context, domain string) ([]MXRecord, error) {
	mxRecords, err := r.resolver.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			// Per RFC 5321, with no MX records the domain itself is tried.
			return r.lookupAFallback(ctx, domain)
		}
		return nil, err
	}

	if len(mxRecords) == 0 {
		return r.lookupAFallback(ctx, domain)
	}

	records := make([]MXRecord, len(mxRecords))
	for i, mx := range mxRecords {
		records[i] = MXRecord{
			Host:       strings.TrimSuffix(mx.Host, "."),
			Preference: mx.Pref,
		}
	}

	// Sort by preference (lower is better)
	sort.Slice(records, func(i, j int) bool {
		return records[i].Preference < records[j].Preference
	})

	return records, nil
}

// lookupAFallback tries to use the domain's A record as a mail server.
func (r *MXResolver) lookupAFallback(ctx context.Context, domain string) ([]MXRecord, error) {
	addrs, err := r.resolver.LookupHost(ctx, domain)
	if err != nil || len(addrs) == 0 {
		return nil, ErrNoMXRecords
	}
	return []MXRecord{{Host: domain}}, nil
}

// ClearCache clears the MX cache.
func (r *MXResolver) ClearCache() {
	r.cache.Range(func(key, value interface{}) bool {
		r.cache.Delete(key)
		return true
	})
}
