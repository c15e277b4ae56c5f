package sessionpool

// Hooks is the closed set of pool event callbacks. Nil members are skipped.
// Callbacks run on pool goroutines and must not call back into the pool's
// blocking operations.
type Hooks struct {
	OnResourceCreated   func(id, key string)
	OnResourceDestroyed func(id, reason string)
	OnMemoryWarning     func(MemorySample)
	OnMemoryAlert       func(MemorySample)
	OnBufferRotated     func(removed int)
	OnGCTriggered       func()
	OnMetricsUpdated    func(Stats)
	OnDestroyed         func()
}
