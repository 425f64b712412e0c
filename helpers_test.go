/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

/* Test packet builders

Packets are built with correct checksums computed the long way, independently
of the incremental arithmetic under test. Verification likewise recomputes
sums in full: a valid transport checksum accumulates to 0xffff over the
pseudo header and the segment.
*/

func tb_pseudo(pkt []byte, proto byte, seglen int) []byte {

	pseudo := make([]byte, 12)
	copy(pseudo[0:8], pkt[IPv4_SRC:IPv4_SRC+8])
	pseudo[9] = proto
	be.PutUint16(pseudo[10:12], uint16(seglen))
	return pseudo
}

func tb_pad(seg []byte) []byte {

	if len(seg)&1 != 0 {
		seg = append(append([]byte{}, seg...), 0)
	}
	return seg
}

func tb_ipv4(proto byte, src, dst string, seg []byte) []byte {

	pkt := make([]byte, IPv4_HDR_MIN_LEN+len(seg))

	pkt[IP_VER] = 0x45
	be.PutUint16(pkt[IPv4_LEN:IPv4_LEN+2], uint16(len(pkt)))
	be.PutUint16(pkt[IPv4_ID:IPv4_ID+2], 0x3c4d)
	be.PutUint16(pkt[IPv4_FRAG:IPv4_FRAG+2], IPv4_FRAG_DF)
	pkt[IPv4_TTL] = 64
	pkt[IPv4_PROTO] = proto
	be.PutUint32(pkt[IPv4_SRC:IPv4_SRC+4], uint32(must_parse_ip32(src)))
	be.PutUint32(pkt[IPv4_DST:IPv4_DST+4], uint32(must_parse_ip32(dst)))
	be.PutUint16(pkt[IPv4_CSUM:IPv4_CSUM+2], csum(pkt[:IPv4_HDR_MIN_LEN]))

	copy(pkt[IPv4_HDR_MIN_LEN:], seg)
	return pkt
}

func tb_udp(src string, sport uint16, dst string, dport uint16, payload []byte) []byte {

	seg := make([]byte, UDP_HDR_LEN+len(payload))
	be.PutUint16(seg[UDP_SPORT:UDP_SPORT+2], sport)
	be.PutUint16(seg[UDP_DPORT:UDP_DPORT+2], dport)
	be.PutUint16(seg[UDP_LEN:UDP_LEN+2], uint16(len(seg)))
	copy(seg[UDP_HDR_LEN:], payload)

	pkt := tb_ipv4(UDP, src, dst, seg)

	sum := csum_add(0, tb_pseudo(pkt, UDP, len(seg)))
	sum = csum_add(sum, tb_pad(pkt[IPv4_HDR_MIN_LEN:]))
	be.PutUint16(pkt[IPv4_HDR_MIN_LEN+UDP_CSUM:IPv4_HDR_MIN_LEN+UDP_CSUM+2], sum^0xffff)
	return pkt
}

func tb_tcp(src string, sport uint16, dst string, dport uint16, flags uint16, payload []byte) []byte {

	seg := make([]byte, TCP_HDR_LEN+len(payload))
	be.PutUint16(seg[TCP_SPORT:TCP_SPORT+2], sport)
	be.PutUint16(seg[TCP_DPORT:TCP_DPORT+2], dport)
	be.PutUint32(seg[4:8], 0x1000)   // seq
	be.PutUint32(seg[8:12], 0x2000)  // ack
	be.PutUint16(seg[TCP_FLAGS:TCP_FLAGS+2], flags)
	be.PutUint16(seg[14:16], 0xffff) // window
	copy(seg[TCP_HDR_LEN:], payload)

	pkt := tb_ipv4(TCP, src, dst, seg)

	sum := csum_add(0, tb_pseudo(pkt, TCP, len(seg)))
	sum = csum_add(sum, tb_pad(pkt[IPv4_HDR_MIN_LEN:]))
	be.PutUint16(pkt[IPv4_HDR_MIN_LEN+TCP_CSUM:IPv4_HDR_MIN_LEN+TCP_CSUM+2], sum^0xffff)
	return pkt
}

func tb_icmp_echo(src, dst string, typ byte, ident, seq uint16, payload []byte) []byte {

	seg := make([]byte, ICMP_DATA+len(payload))
	seg[ICMP_TYPE] = typ
	be.PutUint16(seg[ICMP_BODY:ICMP_BODY+2], ident)
	be.PutUint16(seg[ICMP_MTU:ICMP_MTU+2], seq)
	copy(seg[ICMP_DATA:], payload)
	be.PutUint16(seg[ICMP_CSUM:ICMP_CSUM+2], csum(seg))

	return tb_ipv4(ICMP, src, dst, seg)
}

// destination unreachable with the leading bytes of emb as the embedded packet
func tb_icmp_unreach(src, dst string, code byte, emb []byte) []byte {

	seg := make([]byte, ICMP_DATA+len(emb))
	seg[ICMP_TYPE] = ICMP_DEST_UNREACH
	seg[ICMP_CODE] = code
	copy(seg[ICMP_DATA:], emb)
	be.PutUint16(seg[ICMP_CSUM:ICMP_CSUM+2], csum(seg))

	return tb_ipv4(ICMP, src, dst, seg)
}

// -- full recompute verifiers ------------------------------------------------

func tb_ipv4_csum_ok(pkt []byte) bool {
	return csum_add(0, pkt[:IPv4_HDR_MIN_LEN]) == 0xffff
}

func tb_trans_csum_ok(pkt []byte, proto byte) bool {

	seg := pkt[IPv4_HDR_MIN_LEN:]
	sum := csum_add(0, tb_pseudo(pkt, proto, len(seg)))
	sum = csum_add(sum, tb_pad(seg))
	return sum == 0xffff
}

func tb_icmp_csum_ok(pkt []byte) bool {
	return csum_add(0, tb_pad(pkt[IPv4_HDR_MIN_LEN:])) == 0xffff
}
