/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

type Ipv4Hdr struct {
	proto byte
	src   IP32
	dst   IP32
}

// Parse the network header. Only plain IPv4 is accepted: no options, no
// fragments other than a set DF bit. Returns the parsed header and the
// offset where the transport header begins, or nil.
func ipv4_parse(pkt []byte) (*Ipv4Hdr, int) {

	if len(pkt) < IPv4_HDR_MIN_LEN {
		return nil, 0
	}
	if pkt[IP_VER] != 0x45 {
		return nil, 0
	}
	frag_field := be.Uint16(pkt[IPv4_FRAG : IPv4_FRAG+2])
	if frag_field&^uint16(IPv4_FRAG_DF) != 0 {
		return nil, 0
	}

	ip := &Ipv4Hdr{
		proto: pkt[IPv4_PROTO],
		src:   ip32_from_slice(pkt[IPv4_SRC : IPv4_SRC+4]),
		dst:   ip32_from_slice(pkt[IPv4_DST : IPv4_DST+4]),
	}

	return ip, IPv4_HDR_MIN_LEN
}

// Write assigned addresses back into the buffer, decrement ttl, recompute
// the header checksum in full. Returns the address bytes as they were before
// the rewrite, for the transport checksum adjustment.
func (ip *Ipv4Hdr) apply(pkt []byte, l4 int) (old_addrs [8]byte) {

	copy(old_addrs[:], pkt[IPv4_SRC:IPv4_SRC+8])

	pkt[IPv4_TTL] -= 1
	be.PutUint32(pkt[IPv4_SRC:IPv4_SRC+4], uint32(ip.src))
	be.PutUint32(pkt[IPv4_DST:IPv4_DST+4], uint32(ip.dst))

	be.PutUint16(pkt[IPv4_CSUM:IPv4_CSUM+2], 0)
	be.PutUint16(pkt[IPv4_CSUM:IPv4_CSUM+2], csum(pkt[:l4]))

	return
}
