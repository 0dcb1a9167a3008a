// Package ratelimit provides token-bucket rate limiting.
//
// The orchestrator gives every connection its own bucket so one chatty
// participant cannot starve the router:
//
//	limiter := ratelimit.NewMemoryLimiter()
//	limiter.SetCapacity(connID, 100, time.Second) // 100 messages per second
//
//	if !limiter.TryAcquire(connID) {
//	    // drop the frame and answer RATE_LIMITED
//	}
//
//	limiter.Remove(connID) // on disconnect
//
// Tokens refill continuously at capacity/window; partial tokens carry over
// between calls. Acquire blocks until a token is available or the context
// ends. Keys without configured capacity are unlimited for TryAcquire and
// unknown for Acquire.
package ratelimit
