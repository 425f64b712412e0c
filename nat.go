/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"time"
)

/* Connection tracking

One table per protocol family. A table maps the local flow to its translation
entry in both directions:

    (local ip, local port, remote ip, remote port)   ->   entry     out
    (global port, remote ip, remote port)            ->   entry     in

For icmp echo the ident takes the place of the local port and the remote port
is zero. Entries are kept in an lru bounded by max-conns, refreshed on every
lookup, and expired when idle past the table timeout. Eviction releases the
global port and removes the entry from the persistent store.

The forwarder is the only writer on the packet path but the timer and the
status server read and expire concurrently, so all table operations take the
lru lock.
*/

type FlowKey struct {
	local_ip    IP32
	remote_ip   IP32
	local_port  uint16
	remote_port uint16
}

type InKey struct {
	remote_ip   IP32
	global_port uint16
	remote_port uint16
}

type NatEntry struct {
	proto       byte
	static      bool // created from a forwards rule
	local_ip    IP32
	local_port  uint16
	remote_ip   IP32
	remote_port uint16
	global_port uint16
	created     time.Time
	last_seen   time.Time
	pkts_out    uint64
	bytes_out   uint64
	pkts_in     uint64
	bytes_in    uint64
}

func (e *NatEntry) flow_key() FlowKey {
	return FlowKey{e.local_ip, e.remote_ip, e.local_port, e.remote_port}
}

func (e *NatEntry) in_key() InKey {
	return InKey{e.remote_ip, e.global_port, e.remote_port}
}

type NatMap struct {
	name  string
	proto byte
	conns *LRU[FlowKey, *NatEntry]
	in    map[InKey]*NatEntry
	ports PortGen
}

var nat_udp NatMap
var nat_tcp NatMap
var nat_icmp NatMap

func nat_init() {

	nat_udp.init("udp", UDP, cli.udp_timeout)
	nat_tcp.init("tcp", TCP, cli.tcp_timeout)
	nat_icmp.init("icmp", ICMP, cli.icmp_timeout)
}

func nat_tables() []*NatMap {
	return []*NatMap{&nat_udp, &nat_tcp, &nat_icmp}
}

func nat_table(proto byte) *NatMap {

	switch proto {
	case UDP:
		return &nat_udp
	case TCP:
		return &nat_tcp
	case ICMP:
		return &nat_icmp
	}
	return nil
}

func (nm *NatMap) init(name string, proto byte, ttl time.Duration) {

	nm.name = name
	nm.proto = proto
	nm.in = make(map[InKey]*NatEntry)
	nm.ports.init(uint16(cli.port_min), uint16(cli.port_max))
	nm.conns = NewLRU[FlowKey, *NatEntry](cli.maxconns, ttl, func(key FlowKey, e *NatEntry) {
		delete(nm.in, e.in_key())
		if !e.static {
			// a static entry's port belongs to its forward rule, the
			// reservation stays until the rule is removed
			nm.ports.release(e.global_port)
		}
		db_remove_conn(e)
		log.debug("nat: %v evict  %v:%v  global(%v)", nm.name, e.local_ip, e.local_port, e.global_port)
	})
}

// Find the entry for an outbound local flow, creating one with a newly
// allocated global port if none exists. Returns nil if the pool is exhausted.
func (nm *NatMap) lookup_out(local_ip IP32, local_port uint16, remote_ip IP32, remote_port uint16) *NatEntry {

	nm.conns.Lock.Lock()
	defer nm.conns.Lock.Unlock()

	key := FlowKey{local_ip, remote_ip, local_port, remote_port}

	if e, ok := nm.conns.Get(key, false); ok {
		return e
	}

	port, ok := nm.ports.alloc()
	if !ok {
		log.err("nat: %v out of global ports  %v:%v  %v:%v, dropping",
			nm.name, local_ip, local_port, remote_ip, remote_port)
		return nil
	}

	now := time.Now()
	e := &NatEntry{
		proto:       nm.proto,
		local_ip:    local_ip,
		local_port:  local_port,
		remote_ip:   remote_ip,
		remote_port: remote_port,
		global_port: port,
		created:     now,
		last_seen:   now,
	}

	nm.conns.Add(key, e, true, false)
	nm.in[e.in_key()] = e
	db_save_conn(e)

	log.debug("nat: %v new  %v:%v  %v:%v  global(%v)",
		nm.name, local_ip, local_port, remote_ip, remote_port, port)
	return e
}

// Find the entry for an inbound flow by its global port and remote endpoint.
func (nm *NatMap) lookup_in(remote_ip IP32, remote_port, global_port uint16) *NatEntry {

	nm.conns.Lock.Lock()
	defer nm.conns.Lock.Unlock()

	e := nm.in[InKey{remote_ip, global_port, remote_port}]
	if e != nil {
		nm.conns.Get(e.flow_key(), false) // refresh recency
	}
	return e
}

// Find the entry for the local flow without creating one.
func (nm *NatMap) peek(local_ip IP32, local_port uint16, remote_ip IP32, remote_port uint16) *NatEntry {

	e, _ := nm.conns.Peek(FlowKey{local_ip, remote_ip, local_port, remote_port}, true)
	return e
}

// Create an entry for an inbound flow admitted by a static forward rule.
// Replies leave through the advertised port. The port reservation belongs to
// the rule, made when the rule was installed, not to the entry.
func (nm *NatMap) create_in(local_ip IP32, local_port uint16, remote_ip IP32, remote_port, global_port uint16) *NatEntry {

	nm.conns.Lock.Lock()
	defer nm.conns.Lock.Unlock()

	now := time.Now()
	e := &NatEntry{
		proto:       nm.proto,
		static:      true,
		local_ip:    local_ip,
		local_port:  local_port,
		remote_ip:   remote_ip,
		remote_port: remote_port,
		global_port: global_port,
		created:     now,
		last_seen:   now,
	}

	nm.conns.Add(e.flow_key(), e, true, false)
	nm.in[e.in_key()] = e
	db_save_conn(e)

	log.debug("nat: %v forward  %v:%v  %v:%v  global(%v)",
		nm.name, local_ip, local_port, remote_ip, remote_port, global_port)
	return e
}

// Re-insert an entry restored from the db. Fails if the flow or the global
// port is already taken.
func (nm *NatMap) restore(e *NatEntry) bool {

	nm.conns.Lock.Lock()
	defer nm.conns.Lock.Unlock()

	if _, ok := nm.conns.Peek(e.flow_key(), false); ok {
		return false
	}
	if !e.static && !nm.ports.reserve(e.global_port) {
		return false
	}

	nm.conns.Add(e.flow_key(), e, true, false)
	nm.in[e.in_key()] = e
	return true
}

func (nm *NatMap) note_out(e *NatEntry, blen int) {

	nm.conns.Lock.Lock()
	e.pkts_out += 1
	e.bytes_out += uint64(blen)
	e.last_seen = time.Now()
	nm.conns.Lock.Unlock()
}

func (nm *NatMap) note_in(e *NatEntry, blen int) {

	nm.conns.Lock.Lock()
	e.pkts_in += 1
	e.bytes_in += uint64(blen)
	e.last_seen = time.Now()
	nm.conns.Lock.Unlock()
}

func (nm *NatMap) expire() int {
	return nm.conns.Expire(true, true)
}

func (nm *NatMap) size() int {
	return nm.conns.Len(true)
}

func (nm *NatMap) each(fn func(*NatEntry)) {

	nm.conns.Each(func(key FlowKey, e *NatEntry) {
		fn(e)
	}, true)
}
