// Package queue provides per-queue rate limiting and concurrency caps for
// the worker pool.
//
// Use [Config] to limit a queue:
//
//	queue.Config{
//	    Name:           "send-email",
//	    MaxConcurrency: 5,  // at most 5 emails in flight in this process
//	    RateLimit:      10, // at most 10 emails started per second
//	    RateBurst:      20,
//	}
//
// [Manager] is consulted twice per job: [Manager.Ready] drops saturated
// queues before a claim, and [Manager.Acquire] waits for a token and a
// free slot before the handler starts. It uses a token-bucket limiter
// (golang.org/x/time/rate) and an active-count gate.
//
// Queues without a [Config] have no limits beyond the pool-wide concurrency.
package queue
