/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"testing"
	"time"
)

func nat_test_setup() {

	cli.port_min = 40000
	cli.port_max = 40100
	cli.maxconns = 64
	cli.udp_timeout = 120 * time.Second
	cli.tcp_timeout = 7440 * time.Second
	cli.icmp_timeout = 30 * time.Second

	dbchan = make(chan DbOp, 256)

	nat_init()
}

func TestLookupOut(t *testing.T) {

	nat_test_setup()

	local := must_parse_ip32("10.0.0.5")
	remote := must_parse_ip32("8.8.8.8")

	e := nat_udp.lookup_out(local, 4000, remote, 53)
	if e == nil {
		t.Fatalf("no entry created")
	}
	if e.global_port < 40000 || e.global_port > 40100 {
		t.Errorf("global port outside range: %v", e.global_port)
	}

	// same flow gets the same entry

	e2 := nat_udp.lookup_out(local, 4000, remote, 53)
	if e2 != e {
		t.Errorf("same flow produced a different entry")
	}

	// a different flow gets a different port

	e3 := nat_udp.lookup_out(local, 4001, remote, 53)
	if e3 == nil {
		t.Fatalf("no entry created for second flow")
	}
	if e3.global_port == e.global_port {
		t.Errorf("two flows share global port %v", e.global_port)
	}

	if nat_udp.size() != 2 {
		t.Errorf("table size: %v", nat_udp.size())
	}
	if nat_udp.ports.inuse() != 2 {
		t.Errorf("ports in use: %v", nat_udp.ports.inuse())
	}
}

func TestLookupIn(t *testing.T) {

	nat_test_setup()

	local := must_parse_ip32("10.0.0.5")
	remote := must_parse_ip32("8.8.8.8")

	e := nat_udp.lookup_out(local, 4000, remote, 53)
	if e == nil {
		t.Fatalf("no entry created")
	}

	back := nat_udp.lookup_in(remote, 53, e.global_port)
	if back != e {
		t.Errorf("inbound lookup did not find the entry")
	}

	// a different remote must not match, symmetric nat

	other := must_parse_ip32("9.9.9.9")
	if nat_udp.lookup_in(other, 53, e.global_port) != nil {
		t.Errorf("entry matched for wrong remote")
	}
	if nat_udp.lookup_in(remote, 54, e.global_port) != nil {
		t.Errorf("entry matched for wrong remote port")
	}
}

func TestNoteCounters(t *testing.T) {

	nat_test_setup()

	local := must_parse_ip32("10.0.0.5")
	remote := must_parse_ip32("8.8.8.8")

	e := nat_udp.lookup_out(local, 4000, remote, 53)
	nat_udp.note_out(e, 100)
	nat_udp.note_out(e, 60)
	nat_udp.note_in(e, 300)

	if e.pkts_out != 2 || e.bytes_out != 160 {
		t.Errorf("out counters: %v/%v", e.pkts_out, e.bytes_out)
	}
	if e.pkts_in != 1 || e.bytes_in != 300 {
		t.Errorf("in counters: %v/%v", e.pkts_in, e.bytes_in)
	}
}

func TestExpire(t *testing.T) {

	nat_test_setup()

	local := must_parse_ip32("10.0.0.5")
	remote := must_parse_ip32("8.8.8.8")

	e := nat_udp.lookup_out(local, 4000, remote, 53)
	if e == nil {
		t.Fatalf("no entry created")
	}

	nat_udp.conns.TTL = time.Millisecond
	time.Sleep(5 * time.Millisecond)

	if evicted := nat_udp.expire(); evicted != 1 {
		t.Fatalf("expired %v entries", evicted)
	}
	if nat_udp.size() != 0 {
		t.Errorf("table not empty after expire")
	}
	if nat_udp.ports.inuse() != 0 {
		t.Errorf("port not released on expire")
	}
	if nat_udp.lookup_in(remote, 53, e.global_port) != nil {
		t.Errorf("inbound map not cleaned on expire")
	}
}

func TestCreateInStatic(t *testing.T) {

	nat_test_setup()

	local := must_parse_ip32("10.0.0.7")
	remote := must_parse_ip32("9.9.9.9")

	e := nat_tcp.create_in(local, 80, remote, 31234, 8080)
	if e == nil || !e.static {
		t.Fatalf("no static entry created")
	}

	back := nat_tcp.lookup_in(remote, 31234, 8080)
	if back != e {
		t.Errorf("inbound lookup did not find the static entry")
	}
}

// The rule reserves the advertised port; entries admitted by the rule come
// and go without touching the reservation.
func TestStaticPortOwnership(t *testing.T) {

	nat_test_setup()

	local := must_parse_ip32("10.0.0.8")
	remote := must_parse_ip32("9.9.9.9")

	if !nat_tcp.ports.reserve(40080) {
		t.Fatalf("rule port reservation failed")
	}

	e := nat_tcp.create_in(local, 80, remote, 31234, 40080)
	if e == nil {
		t.Fatalf("no static entry created")
	}
	if nat_tcp.ports.inuse() != 1 {
		t.Fatalf("ports in use after create: %v", nat_tcp.ports.inuse())
	}

	nat_tcp.conns.TTL = time.Millisecond
	time.Sleep(5 * time.Millisecond)

	if evicted := nat_tcp.expire(); evicted != 1 {
		t.Fatalf("expired %v entries", evicted)
	}
	if nat_tcp.ports.inuse() != 1 {
		t.Errorf("rule port released by entry eviction")
	}

	// dynamic flows must not get the rule port while the rule stands

	for ii := 0; ii < 50; ii++ {
		e2 := nat_tcp.lookup_out(local, uint16(5000+ii), remote, 443)
		if e2 != nil && e2.global_port == 40080 {
			t.Fatalf("rule port handed to a dynamic flow")
		}
	}
}

func TestRestore(t *testing.T) {

	nat_test_setup()

	now := time.Now()
	e := &NatEntry{
		proto:       UDP,
		local_ip:    must_parse_ip32("10.0.0.5"),
		local_port:  4000,
		remote_ip:   must_parse_ip32("8.8.8.8"),
		remote_port: 53,
		global_port: 40007,
		created:     now,
		last_seen:   now,
	}

	if !nat_udp.restore(e) {
		t.Fatalf("restore failed")
	}
	if nat_udp.restore(e) {
		t.Errorf("duplicate restore accepted")
	}
	if nat_udp.lookup_in(e.remote_ip, 53, 40007) != e {
		t.Errorf("restored entry not reachable inbound")
	}

	// the restored port must not be handed out again while the entry lives,
	// stay under maxconns so the restored entry is not evicted by capacity

	for ii := 0; ii < 50; ii++ {
		e2 := nat_udp.lookup_out(e.local_ip, uint16(5000+ii), e.remote_ip, 53)
		if e2 == nil {
			t.Fatalf("allocation %v failed with ports available", ii)
		}
		if e2.global_port == 40007 {
			t.Fatalf("restored port reallocated")
		}
	}
}

func TestPortGen(t *testing.T) {

	var pg PortGen
	pg.init(50000, 50003)

	seen := make(map[uint16]bool)
	for ii := 0; ii < 4; ii++ {
		port, ok := pg.alloc()
		if !ok {
			t.Fatalf("allocation %v failed with ports available", ii)
		}
		if port < 50000 || port > 50003 {
			t.Fatalf("port outside range: %v", port)
		}
		if seen[port] {
			t.Fatalf("port %v allocated twice", port)
		}
		seen[port] = true
	}

	if _, ok := pg.alloc(); ok {
		t.Errorf("allocation succeeded with pool exhausted")
	}

	pg.release(50001)
	port, ok := pg.alloc()
	if !ok || port != 50001 {
		t.Errorf("released port not reallocated: %v %v", port, ok)
	}

	// out of range reservations are accepted and ignored

	if !pg.reserve(8080) {
		t.Errorf("out of range reservation rejected")
	}
	if pg.inuse() != 4 {
		t.Errorf("ports in use: %v", pg.inuse())
	}
}
