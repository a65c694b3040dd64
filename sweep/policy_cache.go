package sweep

import (
	"context"
	"fmt"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/marmot-sweep/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// MetadataSource returns the raw metadata stored for a table.
// A nil slice with a nil error means no metadata exists.
// Errors are transport/availability failures.
type MetadataSource interface {
	FetchRawMetadata(ctx context.Context, table TableRef) ([]byte, error)
}

// PolicyDecoder interprets raw table metadata.
type PolicyDecoder interface {
	Decode(raw []byte) (Policy, error)
}

// PolicyCache memoizes table -> Policy for the lifetime of the instance.
// Each table is fetched at most once; concurrent first lookups of the same
// table share one in-flight fetch, lookups of other tables do not wait on it.
// Entries are never invalidated implicitly. Build a new cache (or call Forget)
// when schema changes are known to have happened.
type PolicyCache struct {
	source  MetadataSource
	decoder PolicyDecoder
	entries *xsync.MapOf[TableRef, *future.Future[Policy]]
}

// NewPolicyCache creates an empty cache over source and decoder.
func NewPolicyCache(source MetadataSource, decoder PolicyDecoder) (*PolicyCache, error) {
	if source == nil {
		return nil, ErrNilMetadataSource
	}
	if decoder == nil {
		return nil, ErrNilPolicyDecoder
	}
	return &PolicyCache{
		source:  source,
		decoder: decoder,
		entries: xsync.NewMapOf[TableRef, *future.Future[Policy]](),
	}, nil
}

// Resolve returns the cleanup policy for table. Absent or undecodable metadata
// resolves to PolicyConservative. A source failure is returned as a
// *MetadataFetchError and leaves the table uncached so a later call retries.
func (c *PolicyCache) Resolve(ctx context.Context, table TableRef) (Policy, error) {
	var promise *future.Promise[Policy]
	fut, loaded := c.entries.LoadOrCompute(table, func() *future.Future[Policy] {
		promise = future.NewPromise[Policy]()
		return promise.Future()
	})
	if loaded {
		telemetry.PolicyCacheHits.Inc()
		return fut.Get()
	}

	telemetry.PolicyCacheMisses.Inc()

	settled := false
	defer func() {
		if settled {
			return
		}
		// A panicking source or decoder must not leave waiters on an unset future
		r := recover()
		c.release(table, fut)
		promise.Set(PolicyConservative, &MetadataFetchError{Table: table, Err: fmt.Errorf("metadata lookup panicked: %v", r)})
		if r != nil {
			panic(r)
		}
	}()

	policy, err := c.load(ctx, table)
	settled = true
	if err != nil {
		c.release(table, fut)
		promise.Set(PolicyConservative, err)
		return PolicyConservative, err
	}

	promise.Set(policy, nil)
	return policy, nil
}

// release removes fut for table. Only our own entry is removed; a Forget
// plus a newer lookup may have replaced it.
func (c *PolicyCache) release(table TableRef, fut *future.Future[Policy]) {
	c.entries.Compute(table, func(old *future.Future[Policy], ok bool) (*future.Future[Policy], bool) {
		return old, !ok || old == fut
	})
}

func (c *PolicyCache) load(ctx context.Context, table TableRef) (Policy, error) {
	raw, err := c.source.FetchRawMetadata(ctx, table)
	if err != nil {
		telemetry.MetadataFetchFailures.Inc()
		return PolicyConservative, &MetadataFetchError{Table: table, Err: err}
	}

	if len(raw) == 0 {
		telemetry.PolicyFallbacks.With("absent").Inc()
		log.Debug().Str("table", string(table)).Msg("No sweep metadata, using conservative policy")
		return PolicyConservative, nil
	}

	policy, err := c.decoder.Decode(raw)
	if err != nil || policy > PolicyExempt {
		telemetry.PolicyFallbacks.With("undecodable").Inc()
		log.Debug().
			Err(err).
			Str("table", string(table)).
			Int("bytes", len(raw)).
			Msg("Undecodable sweep metadata, using conservative policy")
		return PolicyConservative, nil
	}

	return policy, nil
}

// Forget drops the cached policy for table so the next Resolve refetches it.
func (c *PolicyCache) Forget(table TableRef) {
	c.entries.Delete(table)
}

// Len returns the number of tables with a resolved or in-flight entry.
// Failed lookups are not counted.
func (c *PolicyCache) Len() int {
	return c.entries.Size()
}
