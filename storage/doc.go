// Package storage defines the key-value contract shared by every guard
// component and the versioned record codec layered on top of it.
//
// Backends live in sub-packages:
//   - memory: in-process map with TTLs, for tests and single-instance deployments
//   - valkey: Valkey via valkey-go
//   - redis: Redis via go-redis
//
// Records are written as {"v":1,"kind":"<kind>","data":{...}}. When the Codec
// carries an enabled security.Encryptor the envelope is sealed with AES-256-GCM
// and authenticated against its storage key.
package storage
