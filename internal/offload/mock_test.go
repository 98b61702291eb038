package offload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gomine/internal/work"
)

const testAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

type mockReply struct {
	line string
	err  error
}

// mockTransport answers from a script, then from fallback.
type mockTransport struct {
	mu       sync.Mutex
	replies  []mockReply
	fallback Handler
	requests [][]byte
	closed   bool
}

func (m *mockTransport) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	m.mu.Lock()
	m.requests = append(m.requests, append([]byte(nil), req...))
	var next *mockReply
	if len(m.replies) > 0 {
		next = &m.replies[0]
		m.replies = m.replies[1:]
	}
	fallback := m.fallback
	m.mu.Unlock()

	switch {
	case next != nil && next.err != nil:
		return nil, next.err
	case next != nil:
		return []byte(next.line), nil
	case fallback != nil:
		return fallback(ctx, req)
	default:
		return []byte(NotFoundMarker + "\n"), nil
	}
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockTransport) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func int32p(v int32) *int32 { return &v }
func int64p(v int64) *int64 { return &v }

func testTemplate(t testing.TB, bits string) *work.Template {
	t.Helper()
	tmpl, err := work.ParseTemplate(&work.RawTemplate{
		Version:           int32p(0x20000000),
		PreviousBlockHash: "0f9188f13cb7b2c71f2a335e3a4fc328bf5beb436012afca590b1a11466e2206",
		CurTime:           int64p(1700000000),
		Bits:              bits,
		CoinbaseValue:     int64p(5000000000),
		Transactions:      []work.RawTransaction{},
	})
	if err != nil {
		t.Fatalf("ParseTemplate() unexpected error: %v", err)
	}
	return tmpl
}

func testBuilder(t testing.TB, bits string, timeout time.Duration) *work.Builder {
	t.Helper()
	b, err := work.NewBuilder(testTemplate(t, bits), work.BuilderOptions{
		RewardAddress:   testAddress,
		CoinbaseMessage: []byte("offload test"),
		Timeout:         timeout,
	})
	if err != nil {
		t.Fatalf("NewBuilder() unexpected error: %v", err)
	}
	return b
}

func testUnit(t testing.TB, bits string, extranonce uint32) *work.Unit {
	t.Helper()
	u, err := testBuilder(t, bits, work.NoTimeout).Build(extranonce)
	if err != nil {
		t.Fatalf("Build() unexpected error: %v", err)
	}
	return u
}

// block125552 returns the unit of mainnet block 125552 and its nonce.
func block125552(t testing.TB) (*work.Unit, uint32) {
	t.Helper()
	tmpl, err := work.ParseTemplate(&work.RawTemplate{
		Version:           int32p(1),
		PreviousBlockHash: "00000000000008a3a41b85b8b29ad444def299fee21793cd8b9e567eab02cd81",
		MerkleRoot:        "2b12fcf1b09288fcaff797d71e950e71ae42b91e8bdb2304758dfcffc2b620e3",
		CurTime:           int64p(1305998791),
		Bits:              "1a44b9f2",
		CoinbaseValue:     int64p(5000000000),
		Transactions:      []work.RawTransaction{},
	})
	if err != nil {
		t.Fatalf("ParseTemplate() unexpected error: %v", err)
	}
	u, err := work.SkeletonUnit(tmpl, work.NoTimeout)
	if err != nil {
		t.Fatalf("SkeletonUnit() unexpected error: %v", err)
	}
	return u, 2504433986
}
