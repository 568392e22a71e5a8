// Package seqcount provides a sequence counter for publishing a small group of
// values to many lock-free readers while a single (externally serialized) writer
// updates them.
//
// Protocol:
//
//	The counter is even while no write is in progress and odd while a writer is
//	inside BeginWrite/EndWrite. A reader samples the counter, reads the protected
//	values and accepts them only if the counter still holds the same even value.
//	Otherwise it retries.
//
//	Writer:
//
//	  mu.Lock()            // writers must be serialized by the caller
//	  sc.BeginWrite()
//	  a.Store(1); b.Store(2)
//	  sc.EndWrite()
//	  mu.Unlock()
//
//	Reader:
//
//	  sc.Read(func() {
//	      x, y = a.Load(), b.Load()
//	  })
//
// Race Detector:
//
//	Readers run concurrently with the writer by design, so the protected values
//	should themselves be accessed with sync/atomic. The counter then only adds
//	the guarantee that the values read belong to the same write.
//
// Progress:
//
//	Readers never block writers. A reader may retry any number of times while
//	writers keep the counter busy, it returns as soon as one read does not
//	overlap a write.
package seqcount
