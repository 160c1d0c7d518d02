/*
Package events' doc comment describes the in-memory pub/sub broker used by
pkg/registry to announce producer and topic/channel lifecycle changes to
any Subscribe caller, without those callers polling the registry's locked
maps directly. pkg/registry only publishes; nothing in this module
subscribes.

Publish is non-blocking: if the broker's internal channel is full the
event is dropped rather than stalling the registrant. Subscribers get a
buffered channel (50 deep) and likewise drop events they can't keep up
with rather than backing up the broadcast loop.

Event types:

  - producer.identified: a broker's IDENTIFY on a TCP registration
    connection (every IDENTIFY, including one that refreshes a known
    producer).
  - producer.registered: REGISTER added a topic (and optionally a channel)
    to a producer's set.
  - producer.expired: the staleness GC removed a producer whose
    last_update exceeded inactive_producer_timeout.
  - topic.registered / topic.deleted: operator-initiated via the HTTP
    /topic/create, /topic/delete surface.
  - channel.registered / channel.deleted: operator-initiated via
    /channel/create, /channel/delete; a broker's REGISTER of a channel
    also emits channel.registered. UNREGISTER emits no event.
  - topic.tombstoned: an operator excluded one producer from lookups for
    a topic via /tombstone_topic_producer.
*/
package events
