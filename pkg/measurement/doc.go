/*
Package measurement schedules active measurements requested by probes onto
the shared pool of measurement servers (targets).

A probe asks for a measurement with

	<device_id> measure <category> <type> <zone> <duration_seconds>

and the scheduler answers with the target to use and how long to wait:

	<target_ip> <target_info> <delay_seconds>\n

or a single space when no target can take the request.

Target Selection:

Devices that the assignment job gave enabled targets choose among those,
highest preference first. Every other device falls back to the configured
default target. Within either set a target is eligible when it is available,
has a live address at arrival time and offers the requested service type.
Exclusive services are further limited to targets that become free before
arrival + max delay. Ties go to the target that frees up first.

Booking:

Exclusive services serve one probe at a time. For them

	delay         = max(0, date_free - arrival)
	measure_start = arrival + time_error + delay
	date_free     = measure_start + duration

Shared services always get a zero delay and never move date_free.

Selection and the date_free update run in one transaction holding the
target row lock, so two probes racing for the same exclusive target get
back-to-back windows that never overlap.
*/
package measurement
