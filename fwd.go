/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

/* Packet flow

               ╭──────────╮     ┏━━━━━━━━━┓     ╭──────────╮
        ──▷────┤ recv_tun ├──▷──┨         ┠──▷──┤ send_tun ├────▷──
               ╰──────────╯     ┃   fwd   ┃     ╰──────────╯
                                ┃         ┠──▷── icmpreq
                                ┗━━━━━━━━━┛

One forwarder goroutine serves both directions, so table access from the
packet path needs no ordering beyond the table locks. A packet sourced from
the private network and addressed outside of it is outbound: its source
becomes the global address and an allocated global port. A packet addressed
to the global address is inbound: its destination is restored from the
tables, or admitted by a static forward rule. Anything else, private to
private and hairpin included, is dropped. An outbound packet carrying a
protocol we don't track passes through untranslated when -passthru allows it.
*/

const ( // packet handling verdicts

	ACCEPT = iota + 1
	DROP
	STOLEN

	DROP_LOG_ENTS = 256
	DROP_LOG_MIN  = time.Minute
)

type DropKey struct {
	ip    IP32
	proto byte
}

var drop_log *lru.Cache[DropKey, time.Time]

// log dropped flows without flooding, once per offender per interval
func drop_note(ip IP32, proto byte, msg string, params ...interface{}) {

	if last, ok := drop_log.Get(DropKey{ip, proto}); ok && time.Since(last) < DROP_LOG_MIN {
		return
	}
	drop_log.Add(DropKey{ip, proto}, time.Now())
	log.err(msg, params...)
}

func fwd() {

	var err error
	drop_log, err = lru.New[DropKey, time.Time](DROP_LOG_ENTS)
	if err != nil {
		log.fatal("fwd: cannot create drop log: %v", err)
	}

	for pb := range recv_tun {

		if cli.debug["fwd"] {
			log.debug("fwd: %v", pb.pp_pkt())
		}
		if cli.trace {
			pb.pp_net("fwd in:  ")
			pb.pp_tran("fwd in:  ")
		}

		switch fwd_pkt(pb) {
		case ACCEPT:
			if cli.trace {
				pb.pp_net("fwd out: ")
				pb.pp_tran("fwd out: ")
			}
			send_tun <- pb
		case DROP:
			retbuf <- pb
		case STOLEN:
		}
	}
}

func fwd_pkt(pb *PktBuf) int {

	pkt := pb.pkt[pb.data:pb.tail]

	p := parse_packet(pkt)
	if p == nil {
		if pb.len() >= IPv4_HDR_MIN_LEN && pkt[IP_VER]&0xf0 == 0x40 {
			src := ip32_from_slice(pkt[IPv4_SRC : IPv4_SRC+4])
			drop_note(src, pkt[IPv4_PROTO], "fwd: unsupported packet from %v (options or fragment), dropping", src)
		} else {
			log.debug("fwd: not an IPv4 packet, dropping")
		}
		return DROP
	}

	if pb.pkt[pb.data+IPv4_TTL] <= 1 {
		drop_note(p.ip.src, p.ip.proto, "fwd: ttl exceeded from %v, dropping", p.ip.src)
		return DROP
	}

	src_private := cli.private_net.Contains(p.ip.src.addr())
	dst_private := cli.private_net.Contains(p.ip.dst.addr())
	dst_global := p.ip.dst == cli.global_ip

	switch {
	case src_private && !dst_private && !dst_global:
		return fwd_out(pb, p)
	case dst_global && !src_private:
		return fwd_in(pb, p)
	}

	drop_note(p.ip.src, p.ip.proto, "fwd: no translation path  %v  %v, dropping", p.ip.src, p.ip.dst)
	return DROP
}

// -- outbound: private network to the world ----------------------------------

func fwd_out(pb *PktBuf, p *Packet) int {

	switch trans := p.trans.(type) {

	case *UdpHdr:

		e := nat_udp.lookup_out(p.ip.src, trans.sport, p.ip.dst, trans.dport)
		if e == nil {
			return DROP
		}
		p.ip.src = cli.global_ip
		trans.sport = e.global_port
		p.apply()
		nat_udp.note_out(e, pb.len())
		return ACCEPT

	case *TcpHdr:

		e := nat_tcp.lookup_out(p.ip.src, trans.sport, p.ip.dst, trans.dport)
		if e == nil {
			return DROP
		}
		p.ip.src = cli.global_ip
		trans.sport = e.global_port
		p.apply()
		nat_tcp.note_out(e, pb.len())
		return ACCEPT

	case *IcmpHdr:

		switch trans.typ {

		case ICMP_ECHO_REQUEST, ICMP_ECHO_REPLY:

			e := nat_icmp.lookup_out(p.ip.src, trans.ident, p.ip.dst, 0)
			if e == nil {
				return DROP
			}
			p.ip.src = cli.global_ip
			p.apply()
			icmp_rewrite_ident(p.pkt, p.l4, e.global_port)
			nat_icmp.note_out(e, pb.len())
			return ACCEPT

		case ICMP_DEST_UNREACH:

			return fwd_out_unreach(pb, p, trans)
		}

		drop_note(p.ip.src, ICMP, "fwd: unsupported icmp type(%v) from %v, dropping", trans.typ, p.ip.src)
		return DROP

	case nil:

		switch p.ip.proto {
		case UDP, TCP, ICMP:
			drop_note(p.ip.src, p.ip.proto, "fwd: malformed %v packet from %v, dropping",
				ip_proto_name(p.ip.proto), p.ip.src)
			return DROP
		}
		if cli.passthru {
			// address-only rewrite, replies cannot be matched back but the
			// network layer translation alone is still valid
			p.ip.src = cli.global_ip
			p.apply()
			return ACCEPT
		}
		drop_note(p.ip.src, p.ip.proto, "fwd: unsupported protocol %v from %v, dropping",
			ip_proto_name(p.ip.proto), p.ip.src)
		return DROP
	}

	return DROP
}

// A local host reports an error about a flow that was forwarded in to it.
// The embedded packet is the remote's view: src remote, dst local. Restore
// the global endpoint in the embedded copy so the error stays correlatable,
// then let apply run the recursive rewrite.
func fwd_out_unreach(pb *PktBuf, p *Packet, icmp *IcmpHdr) int {

	inner := icmp.inner

	switch emb := inner.trans.(type) {

	case *UdpHdr:

		e := nat_udp.peek(inner.ip.dst, emb.dport, inner.ip.src, emb.sport)
		if e == nil {
			drop_note(p.ip.src, ICMP, "fwd: icmp error for unknown udp flow from %v, dropping", p.ip.src)
			return DROP
		}
		p.ip.src = cli.global_ip
		inner.ip.dst = cli.global_ip
		emb.dport = e.global_port
		p.apply()
		nat_udp.note_out(e, pb.len())
		return ACCEPT

	case *TcpHdr:

		e := nat_tcp.peek(inner.ip.dst, emb.dport, inner.ip.src, emb.sport)
		if e == nil {
			drop_note(p.ip.src, ICMP, "fwd: icmp error for unknown tcp flow from %v, dropping", p.ip.src)
			return DROP
		}
		p.ip.src = cli.global_ip
		inner.ip.dst = cli.global_ip
		emb.dport = e.global_port
		p.apply()
		nat_tcp.note_out(e, pb.len())
		return ACCEPT

	case *IcmpHdr:

		if !icmp_respond_icmp(emb.typ) {
			break
		}
		e := nat_icmp.peek(inner.ip.dst, emb.ident, inner.ip.src, 0)
		if e == nil {
			drop_note(p.ip.src, ICMP, "fwd: icmp error for unknown echo flow from %v, dropping", p.ip.src)
			return DROP
		}
		p.ip.src = cli.global_ip
		inner.ip.dst = cli.global_ip
		icmp_rewrite_ident(inner.pkt, inner.l4, e.global_port)
		p.apply()
		nat_icmp.note_out(e, pb.len())
		return ACCEPT
	}

	drop_note(p.ip.src, ICMP, "fwd: untranslatable icmp error from %v, dropping", p.ip.src)
	return DROP
}

// -- inbound: the world to the private network -------------------------------

func fwd_in(pb *PktBuf, p *Packet) int {

	switch trans := p.trans.(type) {

	case *UdpHdr:

		e := nat_udp.lookup_in(p.ip.src, trans.sport, trans.dport)
		if e == nil {
			if dest, ok := fwds_lookup(UDP, trans.dport); ok {
				e = nat_udp.create_in(dest.ip, dest.port, p.ip.src, trans.sport, trans.dport)
			}
		}
		if e == nil {
			pb.icmp = IcmpReq{ICMP_DEST_UNREACH, ICMP_PORT_UNREACH, 0}
			icmpreq <- pb
			return STOLEN
		}
		p.ip.dst = e.local_ip
		trans.dport = e.local_port
		p.apply()
		nat_udp.note_in(e, pb.len())
		return ACCEPT

	case *TcpHdr:

		e := nat_tcp.lookup_in(p.ip.src, trans.sport, trans.dport)
		if e == nil {
			if dest, ok := fwds_lookup(TCP, trans.dport); ok {
				e = nat_tcp.create_in(dest.ip, dest.port, p.ip.src, trans.sport, trans.dport)
			}
		}
		if e == nil {
			pb.icmp = IcmpReq{ICMP_DEST_UNREACH, ICMP_PORT_UNREACH, 0}
			icmpreq <- pb
			return STOLEN
		}
		p.ip.dst = e.local_ip
		trans.dport = e.local_port
		p.apply()
		nat_tcp.note_in(e, pb.len())
		return ACCEPT

	case *IcmpHdr:

		switch trans.typ {

		case ICMP_ECHO_REPLY:

			e := nat_icmp.lookup_in(p.ip.src, 0, trans.ident)
			if e == nil {
				drop_note(p.ip.src, ICMP, "fwd: echo reply for unknown ident from %v, dropping", p.ip.src)
				return DROP
			}
			p.ip.dst = e.local_ip
			p.apply()
			icmp_rewrite_ident(p.pkt, p.l4, e.local_port)
			nat_icmp.note_in(e, pb.len())
			return ACCEPT

		case ICMP_DEST_UNREACH:

			return fwd_in_unreach(pb, p, trans)
		}

		log.debug("fwd: inbound icmp type(%v) from %v, dropping", trans.typ, p.ip.src)
		return DROP

	case nil:

		switch p.ip.proto {
		case UDP, TCP, ICMP:
			drop_note(p.ip.src, p.ip.proto, "fwd: malformed inbound %v packet from %v, dropping",
				ip_proto_name(p.ip.proto), p.ip.src)
			return DROP
		}
		drop_note(p.ip.src, p.ip.proto, "fwd: unsupported inbound protocol %v from %v, dropping",
			ip_proto_name(p.ip.proto), p.ip.src)
		return DROP
	}

	return DROP
}

// A router on the path reports an error about one of our translated flows.
// The embedded packet is our outbound packet after translation: src global
// address and port, dst remote. Restore the local endpoint in both the outer
// destination and the embedded copy.
func fwd_in_unreach(pb *PktBuf, p *Packet, icmp *IcmpHdr) int {

	inner := icmp.inner

	switch emb := inner.trans.(type) {

	case *UdpHdr:

		e := nat_udp.lookup_in(inner.ip.dst, emb.dport, emb.sport)
		if e == nil {
			drop_note(p.ip.src, ICMP, "fwd: icmp error for unknown udp flow from %v, dropping", p.ip.src)
			return DROP
		}
		p.ip.dst = e.local_ip
		inner.ip.src = e.local_ip
		emb.sport = e.local_port
		p.apply()
		nat_udp.note_in(e, pb.len())
		return ACCEPT

	case *TcpHdr:

		e := nat_tcp.lookup_in(inner.ip.dst, emb.dport, emb.sport)
		if e == nil {
			drop_note(p.ip.src, ICMP, "fwd: icmp error for unknown tcp flow from %v, dropping", p.ip.src)
			return DROP
		}
		p.ip.dst = e.local_ip
		inner.ip.src = e.local_ip
		emb.sport = e.local_port
		p.apply()
		nat_tcp.note_in(e, pb.len())
		return ACCEPT

	case *IcmpHdr:

		if !icmp_respond_icmp(emb.typ) {
			break
		}
		e := nat_icmp.lookup_in(inner.ip.dst, 0, emb.ident)
		if e == nil {
			drop_note(p.ip.src, ICMP, "fwd: icmp error for unknown echo flow from %v, dropping", p.ip.src)
			return DROP
		}
		p.ip.dst = e.local_ip
		inner.ip.src = e.local_ip
		icmp_rewrite_ident(inner.pkt, inner.l4, e.local_port)
		p.apply()
		nat_icmp.note_in(e, pb.len())
		return ACCEPT
	}

	drop_note(p.ip.src, ICMP, "fwd: untranslatable inbound icmp error from %v, dropping", p.ip.src)
	return DROP
}
