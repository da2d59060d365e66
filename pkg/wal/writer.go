package wal

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// WALWriter gerencia a escrita no log: um único arquivo append-only de
// markers de tamanho fixo.
type WALWriter struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	options Options
	closed  bool
}

// NewWALWriter cria um novo Writer
func NewWALWriter(path string, opts Options) (*WALWriter, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("falha ao abrir arquivo WAL: %w", err)
	}

	return &WALWriter{
		file:    f,
		writer:  bufio.NewWriterSize(f, opts.BufferSize),
		options: opts,
	}, nil
}

// WriteEntry frames and appends one marker. Under SyncEveryWrite the
// marker is durable when WriteEntry returns; the replicator relies on
// that before acknowledging the commit the marker records.
func (w *WALWriter) WriteEntry(entry *WALEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf [RecordSize]byte
	entry.Encode(buf[:])

	if _, err := w.writer.Write(buf[:]); err != nil {
		return err
	}

	if w.options.SyncPolicy == SyncEveryWrite {
		return w.syncLocked()
	}
	return nil
}

// Sync força a persistência em disco
func (w *WALWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *WALWriter) syncLocked() error {
	// Flush do buffer para o descritor de arquivo
	if err := w.writer.Flush(); err != nil {
		return err
	}

	// fsync do arquivo físico
	return w.file.Sync()
}

// Close faz o flush final e fecha o arquivo
func (w *WALWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.syncLocked(); err != nil {
		w.file.Close() // Try to close anyway
		return err
	}
	return w.file.Close()
}
