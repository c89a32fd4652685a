package main

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goAuthenticator"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		identities  = flag.Int("identities", 100, "number of identities to seed")
		builds      = flag.Int("builds", 20000, "successful builds to run")
		orphans     = flag.Int("orphans", 2000, "builds against missing identities (compensation phase)")
		concurrency = flag.Int("concurrency", 128, "number of concurrent builds")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "gam-load", "mechanism key prefix")
	)
	flag.Parse()

	if *identities <= 0 || *builds <= 0 || *orphans < 0 || *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "identities, builds and concurrency must be > 0; orphans must be >= 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	registry, err := goAuthenticator.New().
		WithLogger(logger).
		WithOTP().
		WithLatencyHistograms(true).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "registry: %v\n", err)
		os.Exit(1)
	}
	defer registry.Close()

	store := goAuthenticator.NewRedisIdentityStore(client, *prefix)

	refs := make([]goAuthenticator.IdentityRef, *identities)
	fmt.Printf("seeding %d identities...\n", *identities)
	for i := range refs {
		refs[i] = goAuthenticator.IdentityRef{Issuer: "LoadTest", AccountName: fmt.Sprintf("user-%d", i)}
		if err := store.SaveIdentity(ctx, refs[i]); err != nil {
			fmt.Fprintf(os.Stderr, "save identity failed: %v\n", err)
			os.Exit(1)
		}
	}
	model, err := goAuthenticator.LoadIdentityModel(ctx, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load model failed: %v\n", err)
		os.Exit(1)
	}

	buildStats := runPhase(ctx, registry, store, model, *builds, *concurrency, func(i int) string {
		return otpURI(refs[i%len(refs)])
	})
	orphanStats := runPhase(ctx, registry, store, model, *orphans, *concurrency, func(i int) string {
		return otpURI(goAuthenticator.IdentityRef{Issuer: "LoadTest", AccountName: fmt.Sprintf("missing-%d", i)})
	})

	fmt.Println("---- results ----")
	printStats("build", buildStats)
	printStats("compensate", orphanStats)

	if err := verify(ctx, store, model, refs, *builds); err != nil {
		fmt.Fprintf(os.Stderr, "consistency check failed: %v\n", err)
		os.Exit(1)
	}
	snap := registry.MetricsSnapshot()
	fmt.Printf("consistency: ok (success=%d identity_not_found=%d compensated=%d compensation_failed=%d)\n",
		snap.Counters[goAuthenticator.MetricBuildSuccess],
		snap.Counters[goAuthenticator.MetricBuildIdentityNotFound],
		snap.Counters[goAuthenticator.MetricCompensationApplied],
		snap.Counters[goAuthenticator.MetricCompensationFailed],
	)
}

func runPhase(ctx context.Context, registry *goAuthenticator.Registry, store goAuthenticator.IdentityStore, model goAuthenticator.IdentityModel, ops, concurrency int, uriFor func(i int) string) phaseStats {
	var (
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	start := time.Now()
	for i := 0; i < ops; i++ {
		uri := uriFor(i)
		g.Go(func() error {
			t0 := time.Now()
			_, err := registry.BuildWait(gctx, uri, store, model)
			d := time.Since(t0)
			if err != nil {
				if errors.Is(err, goAuthenticator.ErrCompensationFailed) {
					return err
				}
				atomic.AddInt64(&failures, 1)
			}
			mu.Lock()
			latencies = append(latencies, d)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "aborted: %v\n", err)
		os.Exit(1)
	}
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

// verify checks that store and model agree for every identity and that no record survived a
// failed association.
func verify(ctx context.Context, store *goAuthenticator.RedisIdentityStore, model *goAuthenticator.MemoryIdentityModel, refs []goAuthenticator.IdentityRef, builds int) error {
	var total int
	for _, ref := range refs {
		identity, ok := model.FindIdentity(ref)
		if !ok {
			return fmt.Errorf("identity %s missing from model", ref)
		}
		stored, err := store.Mechanisms(ctx, ref)
		if err != nil {
			return err
		}
		if len(stored) != identity.MechanismCount() {
			return fmt.Errorf("identity %s: store has %d mechanisms, model has %d", ref, len(stored), identity.MechanismCount())
		}
		total += len(stored)
	}
	if total != builds {
		return fmt.Errorf("expected %d mechanisms, found %d", builds, total)
	}
	orphan, err := store.Mechanisms(ctx, goAuthenticator.IdentityRef{Issuer: "LoadTest", AccountName: "missing-0"})
	if err != nil {
		return err
	}
	if len(orphan) != 0 {
		return fmt.Errorf("found %d orphaned mechanisms", len(orphan))
	}
	return nil
}

func otpURI(ref goAuthenticator.IdentityRef) string {
	secret := make([]byte, 20)
	_, _ = rand.Read(secret)
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(secret)
	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s", ref.Issuer, ref.AccountName, enc, ref.Issuer)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
