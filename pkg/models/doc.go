/*
Package models defines the bun models for the device-management store. The
schema is owned by external tooling; these structs mirror it so the daemon
can query it and so development databases can be bootstrapped with
init-schema.

Tables:

	devices(id, ip, last_seen, version)
	blacklist(device_id)
	messages(id, msgfrom, msgto, msg)
	targets(id, fqdn, date_free, curr_cli, max_cli, available)
	target_ips(target_id, ip, date_effective)
	services(id, name, is_exclusive)
	target_services(target_id, service_id, info)
	device_targets(device_id, target_id, preference, is_enabled, is_permanent, date_effective)

A Device row is created by the first ping from a probe and updated by every
later one. Messages form a per-device mailbox drained one row per ping.
Targets, their addresses and services are curated by operators; device
targets are written by the offline assignment job and only read here.

Target.DateFree only ever moves forward. It is advanced inside the booking
transaction that holds the target's row lock.
*/
package models
