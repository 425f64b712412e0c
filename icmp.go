/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"crypto/rand"
	prng "math/rand"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

var icmpreq chan (*PktBuf)

const (
	// ICMPv4 types
	ICMP_ECHO_REPLY    = 0
	ICMP_DEST_UNREACH  = 3
	ICMP_SOURCE_QUENCH = 4
	ICMP_REDIRECT      = 5
	ICMP_ECHO_REQUEST  = 8
	ICMP_TIME_EXCEEDED = 11

	// ICMPv4 codes for ICMP_DEST_UNREACH
	ICMP_NET_UNREACH  = 0
	ICMP_HOST_UNREACH = 1
	ICMP_PROT_UNREACH = 2 // protocol unreachable
	ICMP_PORT_UNREACH = 3
	ICMP_FRAG_NEEDED  = 4

	ICMP_SEND_TTL = 64

	// payload limit for generated errors, headers must fit in 576 bytes
	ICMP_ENCAP_MAX_LEN = 576 - IPv4_HDR_MIN_LEN - ICMP_DATA

	// rate limit for generated errors
	ICMP_LIMIT_ENTS = 512
	ICMP_LIMIT_MIN  = time.Second
)

/* ICMP header codec

Plain messages carry nothing a nat rewrite needs beyond the echo ident.
Destination unreachable additionally embeds the leading bytes of the packet
that triggered the error. Those bytes are parsed as a nested Packet over a
private copy so the embedded flow can be translated in lockstep with the live
flow it describes. The outer buffer region is only overwritten in one
explicit step during apply, the copy is never aliased.
*/

type IcmpHdr struct {
	typ   byte // type is a reserved keyword so we use Polish spelling
	code  byte
	ident uint16  // echo request/reply only
	inner *Packet // dest unreach only, owns a copy of the embedded bytes
}

// Parse an icmp message starting at pkt[0]. For destination unreachable the
// embedded original packet must itself parse, network and transport header
// both, otherwise the whole message is unusable for translation and parsing
// fails. A truncated embedded header is treated as a hard failure.
func icmp_parse(pkt []byte) *IcmpHdr {

	if len(pkt) < ICMP_DATA {
		return nil
	}

	icmp := &IcmpHdr{typ: pkt[ICMP_TYPE], code: pkt[ICMP_CODE]}

	switch icmp.typ {

	case ICMP_ECHO_REQUEST, ICMP_ECHO_REPLY:

		icmp.ident = be.Uint16(pkt[ICMP_BODY : ICMP_BODY+2])

	case ICMP_DEST_UNREACH:

		emb := make([]byte, len(pkt)-ICMP_DATA)
		copy(emb, pkt[ICMP_DATA:])

		inner := parse_packet(emb)
		if inner == nil || inner.trans == nil {
			return nil
		}
		icmp.inner = inner
	}

	return icmp
}

// Plain icmp needs no transport rewrite, the icmp checksum has no pseudo
// header. For destination unreachable the embedded packet is translated as
// if it were a top level packet, its bytes copied back over the embedded
// region, and the outer checksum recomputed in full. Incremental adjustment
// does not apply, the entire embedded content changed.
func (icmp *IcmpHdr) apply(pkt []byte, l4 int, old_addrs, new_addrs []byte) {

	if icmp.inner == nil {
		return
	}

	icmp.inner.apply()

	copy(pkt[l4+ICMP_DATA:], icmp.inner.pkt)

	be.PutUint16(pkt[l4+ICMP_CSUM:l4+ICMP_CSUM+2], 0)
	be.PutUint16(pkt[l4+ICMP_CSUM:l4+ICMP_CSUM+2], csum(pkt[l4:]))
}

// Rewrite the echo ident in place and adjust the icmp checksum for just the
// two bytes that changed.
func icmp_rewrite_ident(pkt []byte, l4 int, ident uint16) {

	var old_bytes, new_bytes [2]byte

	copy(old_bytes[:], pkt[l4+ICMP_BODY:l4+ICMP_BODY+2])
	be.PutUint16(pkt[l4+ICMP_BODY:l4+ICMP_BODY+2], ident)
	copy(new_bytes[:], pkt[l4+ICMP_BODY:l4+ICMP_BODY+2])

	icmp_csum := be.Uint16(pkt[l4+ICMP_CSUM : l4+ICMP_CSUM+2])
	icmp_csum = csum_adjust(icmp_csum, old_bytes[:], new_bytes[:])
	be.PutUint16(pkt[l4+ICMP_CSUM:l4+ICMP_CSUM+2], icmp_csum)
}

type IcmpLimitKey struct {
	ip    IP32
	proto byte
}

// Allow sending ICMP messages in response to these ICMP messages.
func icmp_respond_icmp(typ byte) bool {

	switch typ {
	case ICMP_ECHO_REPLY, ICMP_ECHO_REQUEST:
		return true
	}
	return false
}

/* ICMP error generation

Offending packets arrive on icmpreq with the desired type/code in pb.icmp.
The response is built in place: the packet is truncated, then an IPv4 and an
icmp header are laid down in the buffer headroom in front of it. Responses
are rate limited per offender address and protocol.
*/

func icmp_gen() {

	limiter, err := lru.New[IcmpLimitKey, time.Time](ICMP_LIMIT_ENTS)
	if err != nil {
		log.fatal("icmp: cannot create rate limiter: %v", err)
	}

	for pb := range icmpreq {

		pkt := pb.pkt[pb.data:pb.tail]

		if len(pkt) < IPv4_HDR_MIN_LEN || pkt[IP_VER] != 0x45 {
			log.err("icmp:    invalid offending packet, dropping")
			retbuf <- pb
			continue
		}

		src := ip32_from_slice(pkt[IPv4_SRC : IPv4_SRC+4])
		proto := pkt[IPv4_PROTO]

		if proto == ICMP {
			if pb.len() < IPv4_HDR_MIN_LEN+ICMP_DATA || !icmp_respond_icmp(pkt[IPv4_HDR_MIN_LEN+ICMP_TYPE]) {
				log.trace("icmp:    don't respond to icmp with icmp, dropping")
				retbuf <- pb
				continue
			}
		}

		key := IcmpLimitKey{src, proto}
		if last, ok := limiter.Get(key); ok && time.Since(last) < ICMP_LIMIT_MIN {
			log.trace("icmp:    rate limited  %v %v, dropping", src, ip_proto_name(proto))
			retbuf <- pb
			continue
		}
		limiter.Add(key, time.Now())

		log.trace("icmp:    type(%v) code(%v)  %v", pb.icmp.typ, pb.icmp.code, src)

		if pb.len() > ICMP_ENCAP_MAX_LEN {
			pb.tail = pb.data + ICMP_ENCAP_MAX_LEN
		}
		new_hdrs_len := IPv4_HDR_MIN_LEN + ICMP_DATA
		if space_needed := new_hdrs_len - pb.data; space_needed > 0 {
			log.err("icmp:    not enough space in buffer for header, dropping")
			retbuf <- pb
			continue
		}
		inner_ip_hdr := pb.data
		outer_ip_hdr := inner_ip_hdr - new_hdrs_len
		icmp_hdr := inner_ip_hdr - ICMP_DATA
		pb.data -= new_hdrs_len

		// build outer IP header

		pb.pkt[outer_ip_hdr+IP_VER] = 0x45
		pb.pkt[outer_ip_hdr+IPv4_DSCP] = 0
		be.PutUint16(pb.pkt[outer_ip_hdr+IPv4_LEN:outer_ip_hdr+IPv4_LEN+2], uint16(pb.tail-outer_ip_hdr))
		var identb [2]byte
		if _, err := rand.Read(identb[:]); err != nil {
			be.PutUint16(identb[:], uint16(prng.Intn(0x10000))) // cannot get random number
		}
		be.PutUint16(pb.pkt[outer_ip_hdr+IPv4_ID:outer_ip_hdr+IPv4_ID+2], be.Uint16(identb[:]))
		be.PutUint16(pb.pkt[outer_ip_hdr+IPv4_FRAG:outer_ip_hdr+IPv4_FRAG+2], 0)
		pb.pkt[outer_ip_hdr+IPv4_TTL] = ICMP_SEND_TTL
		pb.pkt[outer_ip_hdr+IPv4_PROTO] = ICMP
		be.PutUint16(pb.pkt[outer_ip_hdr+IPv4_CSUM:outer_ip_hdr+IPv4_CSUM+2], 0)
		be.PutUint32(pb.pkt[outer_ip_hdr+IPv4_SRC:outer_ip_hdr+IPv4_SRC+4], uint32(cli.global_ip))
		be.PutUint32(pb.pkt[outer_ip_hdr+IPv4_DST:outer_ip_hdr+IPv4_DST+4], uint32(src))
		be.PutUint16(pb.pkt[outer_ip_hdr+IPv4_CSUM:outer_ip_hdr+IPv4_CSUM+2],
			csum(pb.pkt[outer_ip_hdr:outer_ip_hdr+IPv4_HDR_MIN_LEN]))

		// build ICMP header

		pb.pkt[icmp_hdr+ICMP_TYPE] = pb.icmp.typ
		pb.pkt[icmp_hdr+ICMP_CODE] = pb.icmp.code
		be.PutUint16(pb.pkt[icmp_hdr+ICMP_CSUM:icmp_hdr+ICMP_CSUM+2], 0)
		be.PutUint16(pb.pkt[icmp_hdr+ICMP_BODY:icmp_hdr+ICMP_BODY+2], 0)
		be.PutUint16(pb.pkt[icmp_hdr+ICMP_MTU:icmp_hdr+ICMP_MTU+2], pb.icmp.mtu)
		be.PutUint16(pb.pkt[icmp_hdr+ICMP_CSUM:icmp_hdr+ICMP_CSUM+2], csum(pb.pkt[icmp_hdr:pb.tail]))

		send_tun <- pb
	}
}
