// Package broadcast owns the daily schedule and drives the fan-out send.
//
// A Service holds one Schedule and the date it last fired. An external
// driver calls Tick periodically; when the clock's hour and minute equal the
// schedule's reference time and the broadcast has not fired on that civil
// date yet, the date is recorded and the message is sent to every recipient
// in configured order. A failure for one recipient never stops the loop.
//
// Local send time is configured in a civil offset that differs from the
// clock the process runs on. Convert translates it into reference time.
//
// Every broadcast (scheduled or manual) holds a single slot, so two
// broadcasts never interleave sends on the shared messenger connection.
package broadcast
