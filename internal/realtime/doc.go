// Package realtime fans bus events out to viewers of a thread. Browsers
// subscribe over a WebSocket per thread; other systems can follow every
// thread through the optional MQTT bridge, which uses Eclipse Paho v2's
// [autopaho] for connection management with automatic reconnection and
// a retained availability topic.
package realtime
