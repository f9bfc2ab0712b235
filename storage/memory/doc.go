// Package memory keeps guard state in a process-local map.
//
// Expired keys are hidden on read and swept periodically. Because the state is
// not shared, counters, cooldowns and blocks only hold within one process; use
// the valkey or redis backends when running more than one replica.
//
// Example:
//
//	store := memory.New(memory.Config{Logger: logger})
//	defer store.Stop()
package memory
