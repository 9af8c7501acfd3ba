package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafabrix/fabric/internal/driver"
	"github.com/datafabrix/fabric/internal/registry"
)

func testScanner(fakes ...driver.Driver) *Scanner {
	return NewScanner(driver.NewFactoryWith(fakes...), Config{
		Parallelism:  4,
		ProbeTimeout: time.Second,
		BackoffCap:   time.Minute,
	})
}

func collect(ch <-chan registry.Descriptor) []registry.Descriptor {
	var out []registry.Descriptor
	for d := range ch {
		out = append(out, d)
	}
	return out
}

func TestScanClassifiesAndProposes(t *testing.T) {
	t.Parallel()

	s := testScanner(
		driver.NewFake(registry.KindRelational),
		driver.NewFake(registry.KindMessageStream),
		driver.NewFake(registry.KindObjectStore),
	)

	scope := Scope{
		Targets: []string{
			"postgres://db.internal:5432/app",
			"nats://events.internal:4222",
			"s3://raw-bucket",
		},
		CredentialsRef: "vault:scan-ro",
	}
	proposals := collect(s.Scan(context.Background(), scope))
	require.Len(t, proposals, 3)
	for _, p := range proposals {
		assert.Equal(t, "vault:scan-ro", p.CredentialsRef)
	}

	byAddress := make(map[string]registry.Descriptor)
	for _, p := range proposals {
		assert.Equal(t, registry.StateDiscovered, p.State)
		assert.Empty(t, p.ID)
		byAddress[p.Address] = p
	}

	db := byAddress["postgres://db.internal:5432/app"]
	assert.Equal(t, registry.KindRelational, db.Kind)
	assert.True(t, db.Capabilities.Queryable)
	assert.False(t, db.Capabilities.Streamable)

	stream := byAddress["nats://events.internal:4222"]
	assert.Equal(t, registry.KindMessageStream, stream.Kind)
	assert.True(t, stream.Capabilities.Streamable)
	assert.False(t, stream.Capabilities.Queryable)
}

func TestScanKindRestriction(t *testing.T) {
	t.Parallel()

	s := testScanner(
		driver.NewFake(registry.KindRelational),
		driver.NewFake(registry.KindObjectStore),
	)

	scope := Scope{
		Targets: []string{"postgres://db.internal:5432/app", "s3://raw-bucket"},
		Kinds:   []registry.Kind{registry.KindObjectStore},
	}
	proposals := collect(s.Scan(context.Background(), scope))
	require.Len(t, proposals, 1)
	assert.Equal(t, registry.KindObjectStore, proposals[0].Kind)
}

func TestScanSkipsUnreachableEndpoints(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	fake.SetOpenErr(driver.ErrConnectionFailed)
	s := testScanner(fake)

	target := "postgres://down.internal:5432/app"
	proposals := collect(s.Scan(context.Background(), Scope{Targets: []string{target}}))
	assert.Empty(t, proposals)
	assert.Equal(t, 1, s.FailureCount(target))

	// The endpoint is rate-limited; an immediate rescan skips it without
	// another probe.
	proposals = collect(s.Scan(context.Background(), Scope{Targets: []string{target}}))
	assert.Empty(t, proposals)
	assert.Equal(t, 1, s.FailureCount(target))
	assert.Equal(t, int64(0), fake.OpenCount())
}

func TestScanUnrecognizedScheme(t *testing.T) {
	t.Parallel()

	s := testScanner(driver.NewFake(registry.KindRelational))

	target := "gopher://old.internal"
	proposals := collect(s.Scan(context.Background(), Scope{Targets: []string{target}}))
	assert.Empty(t, proposals)
	assert.Equal(t, 1, s.FailureCount(target))
}

func TestScanSuccessResetsFailures(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	fake.SetPingErr(driver.ErrConnectionFailed)
	s := NewScanner(driver.NewFactoryWith(fake), Config{
		Parallelism:  2,
		ProbeTimeout: time.Second,
		BackoffCap:   time.Minute,
	})

	target := "postgres://flaky.internal:5432/app"
	collect(s.Scan(context.Background(), Scope{Targets: []string{target}}))
	require.Equal(t, 1, s.FailureCount(target))

	// Wait out the first backoff interval, then succeed.
	fake.SetPingErr(nil)
	require.Eventually(t, func() bool {
		proposals := collect(s.Scan(context.Background(), Scope{Targets: []string{target}}))
		return len(proposals) == 1
	}, 5*time.Second, 200*time.Millisecond)
	assert.Equal(t, 0, s.FailureCount(target))
}

func TestScanCancellation(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	fake.SetPingDelay(10 * time.Second)
	s := testScanner(fake)

	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Scan(ctx, Scope{Targets: []string{"postgres://slow.internal:5432/app"}})
	cancel()

	// The channel closes promptly once the probe observes cancellation.
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not stop after cancellation")
	}
}
