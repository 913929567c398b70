package engine

import "sync"

// txnLocks serializes writers per transaction id. Updates for different
// transactions proceed in parallel; two updates for the same transaction
// never interleave their dependency evaluation.
type txnLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTxnLocks() *txnLocks {
	return &txnLocks{locks: map[string]*sync.Mutex{}}
}

// acquire locks the mutex for a transaction id and returns its unlock func.
func (l *txnLocks) acquire(transactionID string) func() {
	l.mu.Lock()
	m, ok := l.locks[transactionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[transactionID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
