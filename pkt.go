/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	ICMP = 1
	TCP  = 6
	UDP  = 17

	MIN_PKT_LEN = IPv4_HDR_MIN_LEN
	PKTQLEN     = 2

	// IPv4 header offsets
	IP_VER           = 0
	IPv4_DSCP        = 1
	IPv4_LEN         = 2
	IPv4_ID          = 4
	IPv4_FRAG        = 6
	IPv4_TTL         = 8
	IPv4_PROTO       = 9
	IPv4_CSUM        = 10
	IPv4_SRC         = 12
	IPv4_DST         = 16
	IPv4_HDR_MIN_LEN = 20
	// UDP offsets
	UDP_SPORT   = 0
	UDP_DPORT   = 2
	UDP_LEN     = 4
	UDP_CSUM    = 6
	UDP_HDR_LEN = 8
	// TCP offsets
	TCP_SPORT   = 0
	TCP_DPORT   = 2
	TCP_FLAGS   = 12 // data offset byte + flags byte, read as one word
	TCP_CSUM    = 16
	TCP_HDR_LEN = 20
	// ICMP offsets
	ICMP_TYPE = 0
	ICMP_CODE = 1
	ICMP_CSUM = 2
	ICMP_BODY = 4
	ICMP_MTU  = 6
	ICMP_DATA = 8

	// don't fragment is the only fragment control bit allowed
	IPv4_FRAG_DF = 0x4000

	// room for tun header plus a prepended IPv4+ICMP header when turning a
	// received packet into an icmp error response
	PKT_HEADROOM = TUN_HDR_LEN + IPv4_HDR_MIN_LEN + ICMP_DATA
)

type IcmpReq struct { // params for icmp requests
	typ  byte // type is a reserved keyword so we use Polish spelling
	code byte
	mtu  uint16
}

type PktBuf struct {
	pkt  []byte
	data int // the beginning of the packet data; all data before should be ignored
	tail int // the end of the packet data; all data after should be ignored
	icmp IcmpReq
}

func (pb *PktBuf) len() int {
	return pb.tail - pb.data
}

func (pb *PktBuf) clear() {
	*pb = PktBuf{pkt: pb.pkt}
}

func ip_proto_name(proto byte) string {

	switch proto {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	case ICMP:
		return "ICMP"
	}
	return fmt.Sprintf("%v", proto)
}

/* Translation engine

A Packet is the parse of a single wire image: the IPv4 header plus at most one
transport header. The transport headers form a closed set discriminated by the
IPv4 protocol field. Parsed headers hold the fields a nat rewrite may assign;
apply writes them back into the buffer and repairs every dependent checksum.
The buffer is owned exclusively by the Packet for the duration.
*/

type l4_hdr interface {
	// Write mutated transport fields back into pkt at offset l4 and repair
	// the transport checksum. old_addrs/new_addrs are the 8 address bytes
	// of the IPv4 header before and after the rewrite.
	apply(pkt []byte, l4 int, old_addrs, new_addrs []byte)
}

type Packet struct {
	pkt   []byte
	ip    *Ipv4Hdr
	trans l4_hdr // nil if transport failed to parse or protocol unsupported
	l4    int    // offset where the transport header begins
}

// Parse one network header and, if the protocol is known, one transport
// header. Returns nil if the buffer is not a translatable IPv4 packet.
// A valid IPv4 packet with an unknown or unparsable transport yields a
// Packet with trans == nil.
func parse_packet(pkt []byte) *Packet {

	ip, l4 := ipv4_parse(pkt)
	if ip == nil {
		return nil
	}

	p := &Packet{pkt: pkt, ip: ip, l4: l4}

	switch ip.proto {
	case UDP:
		if udp := udp_parse(pkt[l4:]); udp != nil {
			p.trans = udp
		}
	case TCP:
		if tcp := tcp_parse(pkt[l4:]); tcp != nil {
			p.trans = tcp
		}
	case ICMP:
		if icmp := icmp_parse(pkt[l4:]); icmp != nil {
			p.trans = icmp
		}
	}

	return p
}

// Write assigned addresses and ports back into the buffer. The IPv4 header
// goes first so the transport apply can adjust its checksum from the original
// and the rewritten address bytes.
func (p *Packet) apply() {

	old_addrs := p.ip.apply(p.pkt, p.l4)

	if p.trans != nil {
		p.trans.apply(p.pkt, p.l4, old_addrs[:], p.pkt[IPv4_SRC:IPv4_SRC+8])
	}
}

func (p *Packet) udp() *UdpHdr {
	udp, _ := p.trans.(*UdpHdr)
	return udp
}

func (p *Packet) tcp() *TcpHdr {
	tcp, _ := p.trans.(*TcpHdr)
	return tcp
}

func (p *Packet) icmphdr() *IcmpHdr {
	icmp, _ := p.trans.(*IcmpHdr)
	return icmp
}

// source and destination ports, icmp ident doubles as the source port
func (p *Packet) ports() (sport, dport uint16) {

	switch trans := p.trans.(type) {
	case *UdpHdr:
		return trans.sport, trans.dport
	case *TcpHdr:
		return trans.sport, trans.dport
	case *IcmpHdr:
		return trans.ident, 0
	}
	return 0, 0
}

func (pb *PktBuf) pp_pkt() (ss string) {

	// IPv4(UDP)  192.168.84.97  192.168.84.98  len(60)  data/tail(32/92)

	pkt := pb.pkt[pb.data:pb.tail]

	if len(pkt) < MIN_PKT_LEN || pkt[IP_VER]&0xf0 != 0x40 {
		ss = fmt.Sprintf("PKT  short  data/tail(%v/%v)", pb.data, pb.tail)
		return
	}

	flags := ""
	frag_field := be.Uint16(pkt[IPv4_FRAG : IPv4_FRAG+2])
	if frag_field&0x3fff != 0 {
		flags += " IF"
	}
	if frag_field&IPv4_FRAG_DF != 0 {
		flags += " DF"
	}
	ss = fmt.Sprintf("IPv4(%v)%v  %v  %v  len(%v)  data/tail(%v/%v)",
		ip_proto_name(pkt[IPv4_PROTO]),
		flags,
		ip32_from_slice(pkt[IPv4_SRC:IPv4_SRC+4]),
		ip32_from_slice(pkt[IPv4_DST:IPv4_DST+4]),
		be.Uint16(pkt[IPv4_LEN:IPv4_LEN+2]),
		pb.data, pb.tail)
	return
}

func (pb *PktBuf) pp_raw(pfx string) {

	// RAW  45 00 00 74 2e 52 40 00 40 11 d0 b6 0a fb 1b 6f c0 a8 54 5e 04 15 04 15 00 ..

	const max = 128 + 32
	var sb strings.Builder

	pkt := pb.pkt[pb.data:pb.tail]
	sb.WriteString(pfx)
	sb.WriteString("RAW ")
	for ii := 0; ii < len(pkt); ii++ {
		if ii < max {
			sb.WriteString(" ")
			sb.WriteString(hex.EncodeToString(pkt[ii : ii+1]))
		} else {
			sb.WriteString("  ..")
			break
		}
	}
	log.trace(sb.String())
}

func (pb *PktBuf) pp_net(pfx string) {

	// IPv4(UDP) 4500  192.168.84.93  10.254.22.202  len(64) id(1) ttl(64) csum: 0000

	pkt := pb.pkt[pb.data:pb.tail]

	if len(pkt) < MIN_PKT_LEN || pkt[IP_VER]&0xf0 != 0x40 {
		log.trace(pfx + pb.pp_pkt())
		return
	}

	flags := ""
	frag_field := be.Uint16(pkt[IPv4_FRAG : IPv4_FRAG+2])
	if frag_field&0x3fff != 0 {
		flags += " IF"
	}
	if frag_field&IPv4_FRAG_DF != 0 {
		flags += " DF"
	}
	log.trace("%vIPv4(%v)%v  %v  %v  len(%v) id(%v) ttl(%v) csum: %04x",
		pfx,
		ip_proto_name(pkt[IPv4_PROTO]),
		flags,
		ip32_from_slice(pkt[IPv4_SRC:IPv4_SRC+4]),
		ip32_from_slice(pkt[IPv4_DST:IPv4_DST+4]),
		be.Uint16(pkt[IPv4_LEN:IPv4_LEN+2]),
		be.Uint16(pkt[IPv4_ID:IPv4_ID+2]),
		pkt[IPv4_TTL],
		be.Uint16(pkt[IPv4_CSUM:IPv4_CSUM+2]))
}

func (pb *PktBuf) pp_tran(pfx string) {

	pkt := pb.pkt[pb.data:pb.tail]

	if len(pkt) < MIN_PKT_LEN || pkt[IP_VER] != 0x45 {
		return
	}
	proto := pkt[IPv4_PROTO]
	pkt = pkt[IPv4_HDR_MIN_LEN:]

	switch proto {

	case TCP:

		// TCP  443  51000  flags(0112) csum: 1ca8

		if len(pkt) < TCP_HDR_LEN {
			return
		}
		log.trace("%vTCP  %v  %v  flags(%04x) csum: %04x",
			pfx,
			be.Uint16(pkt[TCP_SPORT:TCP_SPORT+2]),
			be.Uint16(pkt[TCP_DPORT:TCP_DPORT+2]),
			be.Uint16(pkt[TCP_FLAGS:TCP_FLAGS+2]),
			be.Uint16(pkt[TCP_CSUM:TCP_CSUM+2]))

	case UDP:

		// UDP  1045  1045  len(96) csum: 0

		if len(pkt) < UDP_HDR_LEN {
			return
		}
		log.trace("%vUDP  %v  %v  len(%v) csum: %04x",
			pfx,
			be.Uint16(pkt[UDP_SPORT:UDP_SPORT+2]),
			be.Uint16(pkt[UDP_DPORT:UDP_DPORT+2]),
			be.Uint16(pkt[UDP_LEN:UDP_LEN+2]),
			be.Uint16(pkt[UDP_CSUM:UDP_CSUM+2]))

	case ICMP:

		// ICMP  type(3) code(3) csum: 2f1c

		if len(pkt) < ICMP_DATA {
			return
		}
		log.trace("%vICMP  type(%v) code(%v) csum: %04x",
			pfx,
			pkt[ICMP_TYPE],
			pkt[ICMP_CODE],
			be.Uint16(pkt[ICMP_CSUM:ICMP_CSUM+2]))
	}
}

var be = binary.BigEndian

var getbuf chan (*PktBuf)
var retbuf chan (*PktBuf)

/* Buffer allocator

We use getbuf channel of length 1. As soon as it gets empty we try to put
a packet into it.  We try to get it from the retbuf but if not availale we
allocate a new one but no more than maxbuf in total.
*/

func pkt_buffers() {

	var pb *PktBuf
	allocated := 0 // num of allocated buffers

	log.debug("pkt: packet buflen(%v)", cli.pktbuflen)

	for {

		if allocated < cli.maxbuf {
			select {
			case pb = <-retbuf:
				pb.clear()
			default:
				pb = &PktBuf{pkt: make([]byte, cli.pktbuflen, cli.pktbuflen)}
				allocated += 1
				log.debug("pkt: new PktBuf allocated, total(%v)", allocated)
				if allocated%10 == 0 {
					log.info("pkt: buffer allocation: %v of %v", allocated, cli.maxbuf)
				}
			}
		} else {
			log.fatal("pkt: out of buffers, max buffers allocated: %v of %v", allocated, cli.maxbuf)
		}

		pb.pkt[pb.data] = 0xbd // corrupt IP header to detect reuse of freed pkt
		getbuf <- pb
	}
}
