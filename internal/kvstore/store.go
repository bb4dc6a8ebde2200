// Package kvstore provides the key-value persistence substrate for the
// conversation engine. The engine treats storage abstractly: two logical keys
// per conversation identity, no multi-key transaction guarantee. Adapters
// back the interface with memory, flat files, or SQLite.
package kvstore

// Store is the minimal capability the engine needs from persistence.
// Values are opaque text; interpretation (and corruption handling) belongs
// to the caller.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)
	// Set writes value under key, replacing any previous value.
	Set(key, value string) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error
}
