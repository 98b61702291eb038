package miner

import (
	"context"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gomine/internal/database/postgres"
	"github.com/bardlex/gomine/internal/messaging"
	"github.com/bardlex/gomine/internal/search"
	"github.com/bardlex/gomine/internal/work"
)

const (
	regtestAddress = "mfWyW5fc9NUj75YAnFgoRLrjxgLDn2MMth"
	testPrevHash   = "0f9188f13cb7b2c71f2a335e3a4fc328bf5beb436012afca590b1a11466e2206"
)

type mockNode struct {
	mu        sync.Mutex
	template  *btcjson.GetBlockTemplateResult
	templErr  error
	bestHash  string
	submitErr error
	submitted []string
	onSubmit  func()
}

func (m *mockNode) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.template, m.templErr
}

func (m *mockNode) GetBlockCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.template == nil {
		return 0, nil
	}
	return m.template.Height - 1, nil
}

func (m *mockNode) GetBestBlockHash(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bestHash == "" {
		return testPrevHash, nil
	}
	return m.bestHash, nil
}

func (m *mockNode) SubmitBlock(ctx context.Context, blockHex string) error {
	m.mu.Lock()
	m.submitted = append(m.submitted, blockHex)
	onSubmit := m.onSubmit
	err := m.submitErr
	m.mu.Unlock()
	if onSubmit != nil {
		onSubmit()
	}
	return err
}

func (m *mockNode) Ping(ctx context.Context) error { return nil }
func (m *mockNode) Close()                         {}

func (m *mockNode) submissions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.submitted...)
}

// mockBackend returns a scripted result, or blocks until ctx is done when
// block is set. With err set it returns partial, which may be nil.
type mockBackend struct {
	name    string
	result  *search.Result
	partial *search.Result
	err     error
	block   bool
	opts    []search.Options
}

func (m *mockBackend) Name() string { return m.name }

func (m *mockBackend) Search(ctx context.Context, b search.UnitBuilder, opts search.Options) (*search.Result, error) {
	m.opts = append(m.opts, opts)
	if m.block {
		<-ctx.Done()
		return &search.Result{Reason: search.Canceled, LastExtranonce: opts.ExtranonceStart}, nil
	}
	if m.err != nil {
		if m.partial == nil {
			return nil, m.err
		}
		res := *m.partial
		return &res, m.err
	}
	res := *m.result
	return &res, nil
}

type mockStore struct {
	mu          sync.Mutex
	cursors     map[string]uint32
	forgotten   []string
	duplicate   bool
	blocks      []*postgres.FoundBlock
	submissions []*messaging.SubmissionResultEvent
	searches    []*messaging.SearchReportEvent
}

func newMockStore() *mockStore {
	return &mockStore{cursors: make(map[string]uint32)}
}

func (s *mockStore) LoadCursor(ctx context.Context, prevHash string) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.cursors[prevHash]
	return next, ok
}

func (s *mockStore) SaveCursor(ctx context.Context, prevHash string, next uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[prevHash] = next
}

func (s *mockStore) ForgetTip(prevHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, prevHash)
	s.forgotten = append(s.forgotten, prevHash)
}

func (s *mockStore) MarkSubmitted(ctx context.Context, blockHash string) bool {
	return !s.duplicate
}

func (s *mockStore) RecordBlock(ctx context.Context, block *postgres.FoundBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, block)
	return nil
}

func (s *mockStore) RecordSubmission(ctx context.Context, e *messaging.SubmissionResultEvent, backend string, difficulty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions = append(s.submissions, e)
	return nil
}

func (s *mockStore) RecordSearch(ctx context.Context, e *messaging.SearchReportEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches = append(s.searches, e)
}

type mockPublisher struct {
	mu     sync.Mutex
	events []messaging.Event
}

func (p *mockPublisher) Publish(ctx context.Context, e messaging.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *mockPublisher) Close() error { return nil }

func (p *mockPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	topics := make([]string, 0, len(p.events))
	for _, e := range p.events {
		topics = append(topics, e.Topic())
	}
	return topics
}

func testGBT() *btcjson.GetBlockTemplateResult {
	value := int64(5000000000)
	return &btcjson.GetBlockTemplateResult{
		Version:       0x20000000,
		PreviousHash:  testPrevHash,
		CurTime:       1700000000,
		Bits:          "207fffff",
		CoinbaseValue: &value,
		Height:        101,
		Transactions:  []btcjson.GetBlockTemplateResultTx{},
	}
}

func testTemplate(t *testing.T) *work.Template {
	t.Helper()
	tmpl, err := work.ParseTemplate(work.FromGBT(testGBT()))
	if err != nil {
		t.Fatalf("ParseTemplate() unexpected error: %v", err)
	}
	return tmpl
}

func testConfig() Config {
	return Config{
		Builder: work.BuilderOptions{
			RewardAddress:   regtestAddress,
			CoinbaseMessage: []byte("miner test"),
			Params:          &chaincfg.RegressionNetParams,
			Timeout:         work.NoTimeout,
			HeightPrefix:    true,
		},
	}
}

func testEngine() *search.Engine {
	return search.NewEngine(search.Config{Workers: 2, SampleInterval: 1024}, nil)
}
