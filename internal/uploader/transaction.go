package uploader

import "sync"

// transaction records every object key written during one publish so that a
// failure can remove exactly what this publish uploaded and nothing else.
// The key set is append-only; keys are recorded immediately after each
// successful object write.
type transaction struct {
	mu   sync.Mutex
	keys []string
}

func newTransaction() *transaction {
	return &transaction{}
}

func (t *transaction) record(key string) {
	t.mu.Lock()
	t.keys = append(t.keys, key)
	t.mu.Unlock()
}

func (t *transaction) recorded() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, len(t.keys))
	copy(out, t.keys)
	return out
}
