package storage

// Package storage provides a minimal persistence layer for the daemon.
//
// It currently supports:
//   - Run history appends (one row per task invocation)
//   - Recent-run queries and age-based pruning
//
// Persisted history is observability data only; the task set itself always
// comes from configuration and is never persisted.
