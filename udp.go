/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

type UdpHdr struct {
	sport uint16
	dport uint16
}

func udp_parse(pkt []byte) *UdpHdr {

	if len(pkt) < UDP_HDR_LEN {
		return nil
	}
	return &UdpHdr{
		sport: be.Uint16(pkt[UDP_SPORT : UDP_SPORT+2]),
		dport: be.Uint16(pkt[UDP_DPORT : UDP_DPORT+2]),
	}
}

// Write assigned ports back and adjust the checksum incrementally over the
// 12 bytes covered by the rewrite: 8 address bytes of the pseudo header plus
// 4 port bytes. A zero udp checksum means none was computed, leave it alone.
func (udp *UdpHdr) apply(pkt []byte, l4 int, old_addrs, new_addrs []byte) {

	var old_bytes, new_bytes [12]byte

	copy(old_bytes[:8], old_addrs)
	copy(old_bytes[8:], pkt[l4+UDP_SPORT:l4+UDP_SPORT+4])

	be.PutUint16(pkt[l4+UDP_SPORT:l4+UDP_SPORT+2], udp.sport)
	be.PutUint16(pkt[l4+UDP_DPORT:l4+UDP_DPORT+2], udp.dport)

	copy(new_bytes[:8], new_addrs)
	copy(new_bytes[8:], pkt[l4+UDP_SPORT:l4+UDP_SPORT+4])

	udp_csum := be.Uint16(pkt[l4+UDP_CSUM : l4+UDP_CSUM+2])
	if udp_csum != 0 {
		udp_csum = csum_adjust(udp_csum, old_bytes[:], new_bytes[:])
		be.PutUint16(pkt[l4+UDP_CSUM:l4+UDP_CSUM+2], udp_csum)
	}
}
