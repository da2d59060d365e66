package wal

import "sync"

// pool.go: Gerenciamento de memória para evitar alocações excessivas no GC

// Pool de markers (reutiliza struct WALEntry): recovery reads the whole
// log marker by marker, so the reader would otherwise allocate one entry
// per record.
var entryPool = sync.Pool{
	New: func() interface{} {
		return &WALEntry{}
	},
}

// AcquireEntry obtém um marker do pool
func AcquireEntry() *WALEntry {
	return entryPool.Get().(*WALEntry)
}

// ReleaseEntry devolve o marker ao pool
func ReleaseEntry(e *WALEntry) {
	*e = WALEntry{}
	entryPool.Put(e)
}
