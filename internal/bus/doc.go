// Package bus carries broadcast messages between execution contexts.
//
// A Bus is one-way and lossy: Publish never blocks on receivers, messages
// are never delivered back to the sender, and a message may be dropped. The
// coordination protocol in package election tolerates loss and duplication.
//
// Two implementations exist. Hub hands out Ports for contexts living in the
// same process and delivers through a clock.Clock, which lets tests and the
// scenario harness control latency, loss and partitions. DirBus spans
// processes by spooling messages into a shared directory watched with
// fsnotify.
package bus
