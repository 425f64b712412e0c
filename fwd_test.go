/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"net/netip"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

func fwd_test_setup(t *testing.T) {

	nat_test_setup()

	cli.global_ip = must_parse_ip32("203.0.113.9")
	cli.private_net = netip.MustParsePrefix("10.0.0.0/8")
	cli.passthru = false

	var err error
	drop_log, err = lru.New[DropKey, time.Time](DROP_LOG_ENTS)
	if err != nil {
		t.Fatalf("cannot create drop log: %v", err)
	}
	icmpreq = make(chan *PktBuf, 4)
	fwds.rules = make(map[FwdKey]FwdDest)
}

func tb_pktbuf(pkt []byte) *PktBuf {

	pb := &PktBuf{pkt: make([]byte, PKT_HEADROOM+len(pkt)+64)}
	pb.data = PKT_HEADROOM
	pb.tail = pb.data + len(pkt)
	copy(pb.pkt[pb.data:], pkt)
	return pb
}

func TestFwdUdpRoundTrip(t *testing.T) {

	fwd_test_setup(t)

	// outbound

	pb := tb_pktbuf(tb_udp("10.0.0.5", 4000, "8.8.8.8", 53, []byte("query")))

	if verdict := fwd_pkt(pb); verdict != ACCEPT {
		t.Fatalf("outbound verdict: %v", verdict)
	}

	out := pb.pkt[pb.data:pb.tail]
	if ip32_from_slice(out[IPv4_SRC:IPv4_SRC+4]) != cli.global_ip {
		t.Fatalf("outbound src not rewritten")
	}
	gport := be.Uint16(out[IPv4_HDR_MIN_LEN+UDP_SPORT : IPv4_HDR_MIN_LEN+UDP_SPORT+2])
	if gport == 4000 {
		t.Errorf("outbound sport not rewritten")
	}
	if !tb_ipv4_csum_ok(out) || !tb_trans_csum_ok(out, UDP) {
		t.Errorf("outbound checksums do not verify")
	}

	// reply

	pb = tb_pktbuf(tb_udp("8.8.8.8", 53, "203.0.113.9", gport, []byte("answer")))

	if verdict := fwd_pkt(pb); verdict != ACCEPT {
		t.Fatalf("inbound verdict: %v", verdict)
	}

	in := pb.pkt[pb.data:pb.tail]
	if ip32_from_slice(in[IPv4_DST:IPv4_DST+4]) != must_parse_ip32("10.0.0.5") {
		t.Errorf("inbound dst not restored")
	}
	if be.Uint16(in[IPv4_HDR_MIN_LEN+UDP_DPORT:IPv4_HDR_MIN_LEN+UDP_DPORT+2]) != 4000 {
		t.Errorf("inbound dport not restored")
	}
	if !tb_ipv4_csum_ok(in) || !tb_trans_csum_ok(in, UDP) {
		t.Errorf("inbound checksums do not verify")
	}

	e := nat_udp.peek(must_parse_ip32("10.0.0.5"), 4000, must_parse_ip32("8.8.8.8"), 53)
	if e == nil {
		t.Fatalf("no nat entry")
	}
	if e.pkts_out != 1 || e.pkts_in != 1 {
		t.Errorf("counters: out(%v) in(%v)", e.pkts_out, e.pkts_in)
	}
}

func TestFwdInboundUnknown(t *testing.T) {

	fwd_test_setup(t)

	pb := tb_pktbuf(tb_udp("8.8.8.8", 53, "203.0.113.9", 40123, nil))

	if verdict := fwd_pkt(pb); verdict != STOLEN {
		t.Fatalf("verdict: %v", verdict)
	}

	select {
	case req := <-icmpreq:
		if req.icmp.typ != ICMP_DEST_UNREACH || req.icmp.code != ICMP_PORT_UNREACH {
			t.Errorf("icmp request type(%v) code(%v)", req.icmp.typ, req.icmp.code)
		}
	default:
		t.Errorf("no icmp request generated")
	}
}

func TestFwdStaticForward(t *testing.T) {

	fwd_test_setup(t)
	fwds.rules[FwdKey{TCP, 40080}] = FwdDest{must_parse_ip32("10.0.0.8"), 80}

	pb := tb_pktbuf(tb_tcp("9.9.9.9", 31234, "203.0.113.9", 40080, 0x5002, nil))

	if verdict := fwd_pkt(pb); verdict != ACCEPT {
		t.Fatalf("verdict: %v", verdict)
	}

	in := pb.pkt[pb.data:pb.tail]
	if ip32_from_slice(in[IPv4_DST:IPv4_DST+4]) != must_parse_ip32("10.0.0.8") {
		t.Errorf("dst not rewritten to rule destination")
	}
	if be.Uint16(in[IPv4_HDR_MIN_LEN+TCP_DPORT:IPv4_HDR_MIN_LEN+TCP_DPORT+2]) != 80 {
		t.Errorf("dport not rewritten to rule destination")
	}
	if !tb_trans_csum_ok(in, TCP) {
		t.Errorf("tcp checksum does not verify")
	}

	// replies leave through the advertised port

	e := nat_tcp.lookup_in(must_parse_ip32("9.9.9.9"), 31234, 40080)
	if e == nil || !e.static || e.global_port != 40080 {
		t.Errorf("static entry not created properly")
	}
}

func TestFwdIcmpEchoRoundTrip(t *testing.T) {

	fwd_test_setup(t)

	pb := tb_pktbuf(tb_icmp_echo("10.0.0.5", "8.8.8.8", ICMP_ECHO_REQUEST, 0x1234, 1, []byte("ping")))

	if verdict := fwd_pkt(pb); verdict != ACCEPT {
		t.Fatalf("outbound verdict: %v", verdict)
	}

	out := pb.pkt[pb.data:pb.tail]
	gident := be.Uint16(out[IPv4_HDR_MIN_LEN+ICMP_BODY : IPv4_HDR_MIN_LEN+ICMP_BODY+2])
	if ip32_from_slice(out[IPv4_SRC:IPv4_SRC+4]) != cli.global_ip {
		t.Fatalf("outbound src not rewritten")
	}
	if !tb_icmp_csum_ok(out) {
		t.Errorf("outbound icmp checksum does not verify")
	}

	pb = tb_pktbuf(tb_icmp_echo("8.8.8.8", "203.0.113.9", ICMP_ECHO_REPLY, gident, 1, []byte("ping")))

	if verdict := fwd_pkt(pb); verdict != ACCEPT {
		t.Fatalf("inbound verdict: %v", verdict)
	}

	in := pb.pkt[pb.data:pb.tail]
	if ip32_from_slice(in[IPv4_DST:IPv4_DST+4]) != must_parse_ip32("10.0.0.5") {
		t.Errorf("inbound dst not restored")
	}
	if be.Uint16(in[IPv4_HDR_MIN_LEN+ICMP_BODY:IPv4_HDR_MIN_LEN+ICMP_BODY+2]) != 0x1234 {
		t.Errorf("ident not restored")
	}
	if !tb_icmp_csum_ok(in) {
		t.Errorf("inbound icmp checksum does not verify")
	}
}

func TestFwdInboundUnreach(t *testing.T) {

	fwd_test_setup(t)

	// establish a flow

	pb := tb_pktbuf(tb_udp("10.0.0.5", 4000, "8.8.8.8", 53, []byte("query")))
	if verdict := fwd_pkt(pb); verdict != ACCEPT {
		t.Fatalf("outbound verdict: %v", verdict)
	}
	out := append([]byte{}, pb.pkt[pb.data:pb.tail]...)

	// a router reports the translated packet unreachable

	pb = tb_pktbuf(tb_icmp_unreach("192.0.2.254", "203.0.113.9", ICMP_PORT_UNREACH, out))

	if verdict := fwd_pkt(pb); verdict != ACCEPT {
		t.Fatalf("unreach verdict: %v", verdict)
	}

	in := pb.pkt[pb.data:pb.tail]
	if ip32_from_slice(in[IPv4_DST:IPv4_DST+4]) != must_parse_ip32("10.0.0.5") {
		t.Errorf("outer dst not restored")
	}

	epkt := in[IPv4_HDR_MIN_LEN+ICMP_DATA:]
	if ip32_from_slice(epkt[IPv4_SRC:IPv4_SRC+4]) != must_parse_ip32("10.0.0.5") {
		t.Errorf("embedded src not restored")
	}
	if be.Uint16(epkt[IPv4_HDR_MIN_LEN+UDP_SPORT:IPv4_HDR_MIN_LEN+UDP_SPORT+2]) != 4000 {
		t.Errorf("embedded sport not restored")
	}
	if !tb_icmp_csum_ok(in) {
		t.Errorf("outer icmp checksum does not verify")
	}
	if !tb_trans_csum_ok(epkt, UDP) {
		t.Errorf("embedded udp checksum does not verify")
	}
}

func TestFwdDrops(t *testing.T) {

	fwd_test_setup(t)

	// ttl exceeded

	pkt := tb_udp("10.0.0.5", 4000, "8.8.8.8", 53, nil)
	pkt[IPv4_TTL] = 1
	be.PutUint16(pkt[IPv4_CSUM:IPv4_CSUM+2], 0)
	be.PutUint16(pkt[IPv4_CSUM:IPv4_CSUM+2], csum(pkt[:IPv4_HDR_MIN_LEN]))
	if verdict := fwd_pkt(tb_pktbuf(pkt)); verdict != DROP {
		t.Errorf("ttl 1 verdict: %v", verdict)
	}

	// private to private, nothing to translate

	if verdict := fwd_pkt(tb_pktbuf(tb_udp("10.0.0.5", 4000, "10.0.0.6", 53, nil))); verdict != DROP {
		t.Errorf("private to private verdict: %v", verdict)
	}
	if nat_udp.size() != 0 {
		t.Errorf("private to private allocated a nat entry")
	}

	// private source addressed to the global address itself

	if verdict := fwd_pkt(tb_pktbuf(tb_udp("10.0.0.5", 4000, "203.0.113.9", 53, nil))); verdict != DROP {
		t.Errorf("hairpin verdict: %v", verdict)
	}

	// unsupported protocol outbound without passthru

	if verdict := fwd_pkt(tb_pktbuf(tb_ipv4(47, "10.0.0.5", "8.8.8.8", []byte{1, 2, 3, 4}))); verdict != DROP {
		t.Errorf("unsupported protocol verdict: %v", verdict)
	}

	// with passthru the network layer rewrite alone goes through

	cli.passthru = true
	pb := tb_pktbuf(tb_ipv4(47, "10.0.0.5", "8.8.8.8", []byte{1, 2, 3, 4}))
	if verdict := fwd_pkt(pb); verdict != ACCEPT {
		t.Errorf("passthru verdict: %v", verdict)
	}
	out := pb.pkt[pb.data:pb.tail]
	if ip32_from_slice(out[IPv4_SRC:IPv4_SRC+4]) != cli.global_ip {
		t.Errorf("passthru src not rewritten")
	}
	cli.passthru = false
}
