// Package events publishes call lifecycle records to Kafka for downstream
// consumers (the practice dashboard, call journaling, analytics).
//
// Sessions hand events to a bounded in-memory queue; a single drain
// goroutine ships them so broker latency never touches the audio path.
// When the queue overflows, events are dropped and counted rather than
// queued unboundedly. Messages are keyed by call ID, which keeps each
// call's events in partition order.
package events
