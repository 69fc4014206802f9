/*
Package events implements the watch bus: an ordered, replayable stream of
committed store mutations, fanned out to any number of independent watchers.

# Architecture

	                 store commit hook
	                        │ Publish(ev)
	                        ▼
	┌──────────────── stream (one per kind) ─────────────────┐
	│  next = expected resourceVersion                        │
	│  pending   early arrivals, waiting for the gap to fill  │
	│  window    btree of the last N events, keyed by RV      │
	│  watchers  bounded channel each                         │
	└──────────────┬──────────────────┬──────────────────────┘
	               ▼                  ▼
	           Watcher A          Watcher B   ...

Commit hooks run after the database lock is released, so two commits of
the same kind can publish out of order. A stream only delivers the event whose
resourceVersion equals next and holds later ones in pending, which makes the
delivered sequence gap-free and strictly increasing.

# Watching

Clients bootstrap with list-then-watch: List returns the kind's high-water
resourceVersion V, then Watch(ctx, kind, namespace, V) replays every retained
event after V and continues live. If events after V have already fallen out
of the window, Watch fails with an Expired status error and the client must
re-list.

	w, err := bus.Watch(ctx, "pods", "default", since)
	if err != nil {
		return err // types.IsExpired(err): re-list
	}
	defer w.Stop()
	for ev := range w.Events() {
		handle(ev)
	}
	if err := w.Err(); err != nil {
		// fell behind: re-list and watch again
	}

# Backpressure

Publishing never blocks. Each watcher has a bounded queue (QueueSize plus
the replay length). When a watcher's queue is full it is disconnected: its
channel is closed after the events it already holds and Err reports Expired.
Other watchers are unaffected.

Stop and context cancellation are idempotent and discard any events still
buffered for the watcher.
*/
package events
