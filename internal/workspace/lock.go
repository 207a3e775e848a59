package workspace

import "sync"

// bareLocks is a global lock registry keyed by canonical bare-repo path.
// Worktree add/remove against the same bare repository must not race.
var bareLocks = struct {
	sync.Mutex
	locks map[string]*sync.Mutex
}{locks: make(map[string]*sync.Mutex)}

// getBareLock returns (or creates) a mutex for the given bare-repo path.
// The path must be canonical (absolute, resolved symlinks, cleaned).
func getBareLock(path string) *sync.Mutex {
	bareLocks.Lock()
	defer bareLocks.Unlock()
	if bareLocks.locks[path] == nil {
		bareLocks.locks[path] = &sync.Mutex{}
	}
	return bareLocks.locks[path]
}
