// Package buffer provides the bounded frame queue used to decouple a
// realtime audio producer from the network send path.
//
// FrameQueue is a thread-safe fixed-capacity FIFO of byte frames with an
// explicit overflow policy: DropOldest keeps the stream realtime by
// evicting stale audio when the consumer falls behind, while Block applies
// backpressure to the producer. It supports graceful shutdown through
// CloseWrite() (queued frames can still be drained) or CloseWithError()
// (immediate closure, pending operations fail).
package buffer
