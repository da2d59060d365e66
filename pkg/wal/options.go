package wal

// SyncPolicy define a estratégia de durabilidade
type SyncPolicy int

const (
	// SyncEveryWrite chama fsync() após cada marker. A commit is not
	// acknowledged until its marker is on disk, so this is the policy a
	// replicator's commit log runs with.
	SyncEveryWrite SyncPolicy = iota

	// SyncOnClose chama fsync() apenas no Close. Only safe when the log
	// is disposable until it is closed (bulk rewrites, tests).
	SyncOnClose
)

// Options configura o WAL Writer
type Options struct {
	// Tamanho do buffer em memória antes de flush para o SO (bufio)
	BufferSize int

	// Política de Sync
	SyncPolicy SyncPolicy
}

// DefaultOptions retorna uma configuração segura
func DefaultOptions() Options {
	return Options{
		BufferSize: 4 * 1024,
		SyncPolicy: SyncEveryWrite,
	}
}
