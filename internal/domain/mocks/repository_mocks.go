package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/V4T54L/sbs-relay/internal/domain"
)

// MockDeliverySource is a mock implementation of domain.DeliverySource for testing.
type MockDeliverySource struct {
	mu            sync.Mutex
	FetchResult   []domain.Delivery
	AckedIDs      []string
	NackedIDs     []string
	DeadLettered  []domain.Delivery
	DeadReasons   []string
	FetchErr      error
	AckErr        error
	DeadLetterErr error
}

func (m *MockDeliverySource) Fetch(ctx context.Context, max int) ([]domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	n := len(m.FetchResult)
	if n > max {
		n = max
	}
	out := m.FetchResult[:n]
	m.FetchResult = m.FetchResult[n:]
	return out, nil
}

func (m *MockDeliverySource) Ack(ctx context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AckErr != nil {
		return m.AckErr
	}
	m.AckedIDs = append(m.AckedIDs, ids...)
	return nil
}

func (m *MockDeliverySource) Nack(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NackedIDs = append(m.NackedIDs, id)
	return nil
}

func (m *MockDeliverySource) DeadLetter(ctx context.Context, d domain.Delivery, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeadLetterErr != nil {
		return m.DeadLetterErr
	}
	m.DeadLettered = append(m.DeadLettered, d)
	m.DeadReasons = append(m.DeadReasons, reason)
	m.AckedIDs = append(m.AckedIDs, d.ID)
	return nil
}

// Acked returns a copy of the acknowledged IDs.
func (m *MockDeliverySource) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.AckedIDs...)
}

// MockReportStore is an in-memory domain.ReportStore. Like the real store it
// appends under key and skips an entry whose message ID is already there.
type MockReportStore struct {
	mu     sync.Mutex
	Docs   map[string]map[string][]domain.StoredReport // partition -> key -> entries
	Err    error
	Delay  time.Duration
	Called int
}

func (m *MockReportStore) AppendReport(ctx context.Context, partition string, key domain.HierarchicalKey, entry domain.StoredReport) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called++
	if m.Err != nil {
		return m.Err
	}
	if m.Docs == nil {
		m.Docs = make(map[string]map[string][]domain.StoredReport)
	}
	doc, ok := m.Docs[partition]
	if !ok {
		doc = make(map[string][]domain.StoredReport)
		m.Docs[partition] = doc
	}
	for _, existing := range doc[key.String()] {
		if existing.MessageID == entry.MessageID {
			return nil
		}
	}
	doc[key.String()] = append(doc[key.String()], entry)
	return nil
}

// Entries returns a copy of the entries stored at key in partition.
func (m *MockReportStore) Entries(partition, key string) []domain.StoredReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.StoredReport(nil), m.Docs[partition][key]...)
}

// MockLastSeenCache is a mock implementation of domain.LastSeenCache for testing.
type MockLastSeenCache struct {
	mu     sync.Mutex
	Last   string
	Set    bool
	SetErr error
	GetErr error
}

func (m *MockLastSeenCache) SetLast(ctx context.Context, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetErr != nil {
		return m.SetErr
	}
	m.Last = line
	m.Set = true
	return nil
}

func (m *MockLastSeenCache) GetLast(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return "", m.GetErr
	}
	if !m.Set {
		return "", domain.ErrNotFound
	}
	return m.Last, nil
}

// MockAuditLog is a mock implementation of domain.AuditLog for testing.
type MockAuditLog struct {
	mu    sync.Mutex
	Lines map[string][]string // date -> lines
	Err   error
}

func (m *MockAuditLog) AppendLine(ctx context.Context, date, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if m.Lines == nil {
		m.Lines = make(map[string][]string)
	}
	m.Lines[date] = append(m.Lines[date], line)
	return nil
}

// LinesFor returns a copy of the lines appended for date.
func (m *MockAuditLog) LinesFor(date string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Lines[date]...)
}

// MockLinePublisher is a mock implementation of domain.LinePublisher for testing.
type MockLinePublisher struct {
	mu        sync.Mutex
	Published []string
	Err       error
}

func (m *MockLinePublisher) Publish(ctx context.Context, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Published = append(m.Published, line)
	return nil
}

// Lines returns a copy of the published lines.
func (m *MockLinePublisher) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Published...)
}

// MockStreamAdminRepository is a mock implementation of domain.StreamAdminRepository for testing.
type MockStreamAdminRepository struct {
	Groups      []domain.ConsumerGroupInfo
	Consumers   []domain.ConsumerInfo
	Summary     *domain.PendingMessageSummary
	Pending     []domain.PendingMessageDetail
	Claimed     []domain.Delivery
	Entries     []domain.StreamEntry
	AckCount    int64
	TrimCount   int64
	Err         error
	LastStartID string
	LastCount   int64
	LastIDs     []string
}

func (m *MockStreamAdminRepository) GetGroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	return m.Groups, m.Err
}

func (m *MockStreamAdminRepository) GetConsumerInfo(ctx context.Context, stream, group string) ([]domain.ConsumerInfo, error) {
	return m.Consumers, m.Err
}

func (m *MockStreamAdminRepository) GetPendingSummary(ctx context.Context, stream, group string) (*domain.PendingMessageSummary, error) {
	return m.Summary, m.Err
}

func (m *MockStreamAdminRepository) GetPendingMessages(ctx context.Context, stream, group, consumer string, startID string, count int64) ([]domain.PendingMessageDetail, error) {
	m.LastStartID, m.LastCount = startID, count
	return m.Pending, m.Err
}

func (m *MockStreamAdminRepository) ClaimMessages(ctx context.Context, stream, group, consumer string, minIdleTime time.Duration, messageIDs []string) ([]domain.Delivery, error) {
	m.LastIDs = messageIDs
	return m.Claimed, m.Err
}

func (m *MockStreamAdminRepository) GetEntries(ctx context.Context, stream, startID string, count int64) ([]domain.StreamEntry, error) {
	m.LastStartID, m.LastCount = startID, count
	return m.Entries, m.Err
}

func (m *MockStreamAdminRepository) AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error) {
	m.LastIDs = messageIDs
	return m.AckCount, m.Err
}

func (m *MockStreamAdminRepository) TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error) {
	return m.TrimCount, m.Err
}
