package performance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/platinummonkey/keygate/pkg/auth"
	"github.com/platinummonkey/keygate/pkg/ratelimit"
	"github.com/platinummonkey/keygate/pkg/store/memory"
)

func seedToken(b *testing.B, store *memory.Store, mutate func(*auth.Token)) string {
	b.Helper()

	sg := auth.NewSecretGenerator()
	secret, hash, prefix, err := sg.Generate()
	if err != nil {
		b.Fatalf("Generate failed: %v", err)
	}

	store.PutOwner(&auth.Owner{ID: "owner-1", Username: "bench", Active: true})
	tok := &auth.Token{
		ID:           "tok-bench",
		OwnerID:      "owner-1",
		SecretHash:   hash,
		SecretPrefix: prefix,
		Name:         "bench",
		Class:        auth.ClassAdvanced,
		Scopes:       []auth.Scope{auth.ScopeRepoRead},
		CreatedAt:    time.Now().UTC(),
	}
	if mutate != nil {
		mutate(tok)
	}
	if err := store.CreateToken(context.Background(), tok); err != nil {
		b.Fatalf("CreateToken failed: %v", err)
	}
	return secret
}

// BenchmarkVerify measures the hot path with no restrictions configured
func BenchmarkVerify(b *testing.B) {
	store := memory.New()
	secret := seedToken(b, store, nil)
	v := auth.NewVerifier(store, nil, nil, nil, nil)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		result := v.Verify(ctx, auth.VerifyRequest{Secret: secret, RequiredScope: auth.ScopeRepoRead})
		if !result.OK {
			b.Fatalf("verification failed: %s", result.Reason)
		}
	}
}

// BenchmarkVerifyParallel measures contention across goroutines
func BenchmarkVerifyParallel(b *testing.B) {
	store := memory.New()
	secret := seedToken(b, store, nil)
	v := auth.NewVerifier(store, nil, nil, nil, nil)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			result := v.Verify(ctx, auth.VerifyRequest{Secret: secret, RequiredScope: auth.ScopeRepoRead})
			if !result.OK {
				b.Fatalf("verification failed: %s", result.Reason)
			}
		}
	})
}

// BenchmarkVerifyWithRestrictions adds IP and referrer checks to the path
func BenchmarkVerifyWithRestrictions(b *testing.B) {
	store := memory.New()
	secret := seedToken(b, store, func(tok *auth.Token) {
		tok.AllowedIPs = []string{"10.0.0.0/8", "203.0.113.5"}
		tok.AllowedReferrers = []string{"example.com"}
	})
	v := auth.NewVerifier(store, nil, nil, nil, nil)
	ctx := context.Background()

	req := auth.VerifyRequest{
		Secret:        secret,
		RequiredScope: auth.ScopeRepoRead,
		IP:            "10.1.2.3",
		Referrer:      "https://app.example.com/page",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		result := v.Verify(ctx, req)
		if !result.OK {
			b.Fatalf("verification failed: %s", result.Reason)
		}
	}
}

// BenchmarkCachedLimiterAllow measures the in-memory fast path of the
// rate limiter once the counter is seeded.
func BenchmarkCachedLimiterAllow(b *testing.B) {
	store := memory.New()
	limiter := ratelimit.NewCachedLimiter(ratelimit.NewStoreLimiter(store), 1024, time.Minute)
	ctx := context.Background()

	// Seed outside the measured loop
	if _, err := limiter.Allow(ctx, "tok-bench", 1<<30); err != nil {
		b.Fatalf("seed failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := limiter.Allow(ctx, "tok-bench", 1<<30); err != nil {
			b.Fatalf("Allow failed: %v", err)
		}
	}
}

// BenchmarkCachedLimiterManyTokens spreads checks across distinct tokens
func BenchmarkCachedLimiterManyTokens(b *testing.B) {
	store := memory.New()
	limiter := ratelimit.NewCachedLimiter(ratelimit.NewStoreLimiter(store), 4096, time.Minute)
	ctx := context.Background()

	tokenIDs := make([]string, 1024)
	for i := range tokenIDs {
		tokenIDs[i] = fmt.Sprintf("tok-%d", i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := limiter.Allow(ctx, tokenIDs[i%len(tokenIDs)], 1<<30); err != nil {
			b.Fatalf("Allow failed: %v", err)
		}
	}
}

// BenchmarkSecretHash isolates the digest cost per verification
func BenchmarkSecretHash(b *testing.B) {
	sg := auth.NewSecretGenerator()
	secret, _, _, err := sg.Generate()
	if err != nil {
		b.Fatalf("Generate failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sg.Hash(secret)
	}
}
