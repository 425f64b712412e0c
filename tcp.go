/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

type TcpHdr struct {
	sport uint16
	dport uint16
	flags uint16 // data offset and control bits, never rewritten
}

func tcp_parse(pkt []byte) *TcpHdr {

	if len(pkt) < TCP_HDR_LEN {
		return nil
	}
	return &TcpHdr{
		sport: be.Uint16(pkt[TCP_SPORT : TCP_SPORT+2]),
		dport: be.Uint16(pkt[TCP_DPORT : TCP_DPORT+2]),
		flags: be.Uint16(pkt[TCP_FLAGS : TCP_FLAGS+2]),
	}
}

// Write assigned ports back and adjust the checksum incrementally, same 12
// byte rewrite as udp. Control bits are not touched, nat never alters them.
func (tcp *TcpHdr) apply(pkt []byte, l4 int, old_addrs, new_addrs []byte) {

	var old_bytes, new_bytes [12]byte

	copy(old_bytes[:8], old_addrs)
	copy(old_bytes[8:], pkt[l4+TCP_SPORT:l4+TCP_SPORT+4])

	be.PutUint16(pkt[l4+TCP_SPORT:l4+TCP_SPORT+2], tcp.sport)
	be.PutUint16(pkt[l4+TCP_DPORT:l4+TCP_DPORT+2], tcp.dport)

	copy(new_bytes[:8], new_addrs)
	copy(new_bytes[8:], pkt[l4+TCP_SPORT:l4+TCP_SPORT+4])

	tcp_csum := be.Uint16(pkt[l4+TCP_CSUM : l4+TCP_CSUM+2])
	tcp_csum = csum_adjust(tcp_csum, old_bytes[:], new_bytes[:])
	be.PutUint16(pkt[l4+TCP_CSUM:l4+TCP_CSUM+2], tcp_csum)
}
