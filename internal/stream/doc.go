// Package stream provides tailing, tag-filtered reads over an event
// log. A Reader delivers events one at a time in increasing sequence
// order and blocks on the log's append notifications when it has
// caught up. Readers are not restartable in place: recovering from
// ErrDisconnected means opening a new Reader at the desired position.
//
// Two start modes exist. A volatile reader starts at a caller-supplied
// in-memory sequence. A persistent reader consults a Checkpointer and
// starts strictly after the last checkpointed position, falling back
// to the beginning when no checkpoint exists.
package stream
