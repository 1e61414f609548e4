package knk

// Host is the game runtime the bridge is embedded in.
//
// The host owns the main thread. Every function handed to RunOnMainThread or
// OnEntityUnload runs there, serialized with game logic.
type Host interface {
	// RunOnMainThread schedules fn on the main thread.
	RunOnMainThread(fn func())

	// RunAsync runs fn off the main thread.
	RunAsync(fn func())

	// OnEntityUnload registers fn to run on the main thread when the entity
	// behind key leaves the game (player quit, chunk unload).
	OnEntityUnload(key EntityKey, fn func())
}
