package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tradelane/oracle/internal/cache"
)

// gstin checksum alphabet, per the registration number spec.
const gstinAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Resolver maps a chain address to the party's GST registration identifier.
// The authoritative source is the configured directory (an off-chain
// address -> GSTIN mapping). When no entry exists, a deterministic
// placeholder is derived from the address. The placeholder exists so
// non-production environments work end to end; it is not a real GSTIN and
// every derivation is logged as a warning.
type Resolver struct {
	directory map[string]string
	cache     cache.Cache
}

// NewResolver builds a resolver over the configured directory. cache may be
// nil; lookups then always go to the directory.
func NewResolver(directory map[string]string, c cache.Cache) *Resolver {
	normalized := make(map[string]string, len(directory))
	for addr, gstin := range directory {
		normalized[strings.ToLower(addr)] = gstin
	}
	return &Resolver{directory: normalized, cache: c}
}

// Resolve returns the GSTIN for an address and whether it came from the
// authoritative directory.
func (r *Resolver) Resolve(ctx context.Context, address string) (string, bool) {
	key := strings.ToLower(address)

	if r.cache != nil {
		var cached string
		if err := r.cache.Get(ctx, "gstin:"+key, &cached); err == nil && cached != "" {
			return cached, true
		}
	}

	if gstin, ok := r.directory[key]; ok {
		if r.cache != nil {
			if err := r.cache.Set(ctx, "gstin:"+key, gstin, time.Hour); err != nil {
				logrus.Debugf("resolver: cache set failed for %s: %v", address, err)
			}
		}
		return gstin, true
	}

	placeholder := placeholderGSTIN(key)
	logrus.Warnf("resolver: no GSTIN mapping for %s, using deterministic placeholder %s (non-production only)", address, placeholder)
	return placeholder, false
}

// placeholderGSTIN derives a syntactically GSTIN-shaped identifier from an
// address. Deterministic: the same address always yields the same value.
func placeholderGSTIN(address string) string {
	addr := strings.TrimPrefix(strings.ToLower(address), "0x")
	if addr == "" {
		addr = "0"
	}

	var sum int
	for _, c := range addr {
		sum += int(c)
	}

	stateCode := sum%35 + 1

	// Ten PAN-shaped characters derived from the address bytes.
	pan := make([]byte, 10)
	for i := 0; i < 10; i++ {
		c := addr[i%len(addr)]
		if i < 5 || i == 9 {
			pan[i] = 'A' + (c+byte(i))%26
		} else {
			pan[i] = '0' + (c+byte(i))%10
		}
	}

	check := gstinAlphabet[sum%len(gstinAlphabet)]
	return fmt.Sprintf("%02d%s1Z%c", stateCode, pan, check)
}
