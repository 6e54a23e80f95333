package ledger

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MemoryStore хранит документы в памяти процесса. Используется в тестах и локальной разработке.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
	seq  int64
}

// NewMemoryStore создаёт пустое хранилище в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

// Get возвращает документ по ключу.
func (m *MemoryStore) Get(ctx context.Context, key string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[cleanKey(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDoc(doc), nil
}

// Put записывает документ, сверяя ожидаемую версию.
func (m *MemoryStore) Put(ctx context.Context, key string, body []byte, expectedVersion string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key = cleanKey(key)
	current, exists := m.docs[key]
	switch {
	case expectedVersion == "" && exists:
		return "", ErrVersionConflict
	case expectedVersion != "" && (!exists || current.Version != expectedVersion):
		return "", ErrVersionConflict
	}

	m.seq++
	version := strconv.FormatInt(m.seq, 10)
	stored := make([]byte, len(body))
	copy(stored, body)
	m.docs[key] = Document{Key: key, Body: stored, Version: version}
	return version, nil
}

// List возвращает документы, ключи которых начинаются с prefix, в порядке ключей.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix = cleanKey(prefix)
	var res []Document
	for k, d := range m.docs {
		if strings.HasPrefix(k, prefix) {
			res = append(res, *copyDoc(d))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Key < res[j].Key })
	return res, nil
}

func copyDoc(d Document) *Document {
	body := make([]byte, len(d.Body))
	copy(body, d.Body)
	return &Document{Key: d.Key, Body: body, Version: d.Version}
}
