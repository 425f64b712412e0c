/* Copyright (c) 2020-2021 Waldemar Augustyn */

package main

import (
	prng "math/rand"
)

/* Induce traffic

Only active in devmode. Synthesizes flows from private hosts and echoes
replies for whatever leaves the gateway, so the full translation path can be
developed and debugged without a tun device or real hosts on either side.
*/

var induced_hosts = []string{"10.0.0.5", "10.0.0.6", "10.0.0.7"}
var induced_remotes = []string{"1.1.1.1", "8.8.8.8", "9.9.9.9"}

func induce_fill_ipv4(pkt []byte, proto byte, src, dst IP32) {

	pkt[IP_VER] = 0x45
	pkt[IPv4_DSCP] = 0
	be.PutUint16(pkt[IPv4_LEN:IPv4_LEN+2], uint16(len(pkt)))
	be.PutUint16(pkt[IPv4_ID:IPv4_ID+2], uint16(prng.Intn(0x10000)))
	be.PutUint16(pkt[IPv4_FRAG:IPv4_FRAG+2], IPv4_FRAG_DF)
	pkt[IPv4_TTL] = 64
	pkt[IPv4_PROTO] = proto
	be.PutUint16(pkt[IPv4_CSUM:IPv4_CSUM+2], 0)
	be.PutUint32(pkt[IPv4_SRC:IPv4_SRC+4], uint32(src))
	be.PutUint32(pkt[IPv4_DST:IPv4_DST+4], uint32(dst))
	be.PutUint16(pkt[IPv4_CSUM:IPv4_CSUM+2], csum(pkt[:IPv4_HDR_MIN_LEN]))
}

func induce_udp_csum(pkt []byte) {

	udp := pkt[IPv4_HDR_MIN_LEN:]
	be.PutUint16(udp[UDP_CSUM:UDP_CSUM+2], 0)

	var pseudo [12]byte
	copy(pseudo[0:8], pkt[IPv4_SRC:IPv4_SRC+8])
	pseudo[9] = UDP
	be.PutUint16(pseudo[10:12], uint16(len(udp)))

	sum := csum_add(0, pseudo[:])
	if len(udp)&1 != 0 {
		udp = append(udp[:len(udp):len(udp)], 0)
	}
	sum = csum_add(sum, udp)
	be.PutUint16(pkt[IPv4_HDR_MIN_LEN+UDP_CSUM:IPv4_HDR_MIN_LEN+UDP_CSUM+2], sum^0xffff)
}

func induce_udp_pkt(pb *PktBuf, src IP32, sport uint16, dst IP32, dport uint16, paylen int) {

	pb.data = PKT_HEADROOM
	pb.tail = pb.data + IPv4_HDR_MIN_LEN + UDP_HDR_LEN + paylen
	pkt := pb.pkt[pb.data:pb.tail]

	for ix := IPv4_HDR_MIN_LEN + UDP_HDR_LEN; ix < len(pkt); ix++ {
		pkt[ix] = byte(ix)
	}

	udp := pkt[IPv4_HDR_MIN_LEN:]
	be.PutUint16(udp[UDP_SPORT:UDP_SPORT+2], sport)
	be.PutUint16(udp[UDP_DPORT:UDP_DPORT+2], dport)
	be.PutUint16(udp[UDP_LEN:UDP_LEN+2], uint16(len(udp)))

	induce_fill_ipv4(pkt, UDP, src, dst)
	induce_udp_csum(pkt)
}

func induce_icmp_pkt(pb *PktBuf, src, dst IP32, typ byte, ident, seq uint16, paylen int) {

	pb.data = PKT_HEADROOM
	pb.tail = pb.data + IPv4_HDR_MIN_LEN + ICMP_DATA + paylen
	pkt := pb.pkt[pb.data:pb.tail]

	for ix := IPv4_HDR_MIN_LEN + ICMP_DATA; ix < len(pkt); ix++ {
		pkt[ix] = byte(ix)
	}

	icmp := pkt[IPv4_HDR_MIN_LEN:]
	icmp[ICMP_TYPE] = typ
	icmp[ICMP_CODE] = 0
	be.PutUint16(icmp[ICMP_CSUM:ICMP_CSUM+2], 0)
	be.PutUint16(icmp[ICMP_BODY:ICMP_BODY+2], ident)
	be.PutUint16(icmp[ICMP_MTU:ICMP_MTU+2], seq)
	be.PutUint16(icmp[ICMP_CSUM:ICMP_CSUM+2], csum(icmp))

	induce_fill_ipv4(pkt, ICMP, src, dst)
}

// Originate flows from made up private hosts.
func induce_traffic() {

	dly := 3000

	log.info("START inducing traffic")

	for ii := 0; ; ii++ {

		src := must_parse_ip32(induced_hosts[ii%len(induced_hosts)])
		dst := must_parse_ip32(induced_remotes[ii%len(induced_remotes)])

		pb := <-getbuf

		switch ii % 3 {
		case 0, 1:
			induce_udp_pkt(pb, src, uint16(4000+ii), dst, 53, 24)
		case 2:
			induce_icmp_pkt(pb, src, dst, ICMP_ECHO_REQUEST, uint16(0x1000+ii), uint16(ii), 24)
		}

		recv_tun <- pb
		sleep(dly, dly/8)
	}
}

// Drain translated packets and reflect outbound ones back in as if the remote
// answered, exercising the inbound path and the icmp generator.
func induce_sink() {

	for pb := range send_tun {

		if cli.debug["inducer"] {
			log.debug("inducer out: %v", pb.pp_pkt())
		}
		if cli.trace {
			pb.pp_net("inducer out: ")
			pb.pp_tran("inducer out: ")
		}

		pkt := pb.pkt[pb.data:pb.tail]
		if len(pkt) < IPv4_HDR_MIN_LEN || pkt[IP_VER] != 0x45 {
			retbuf <- pb
			continue
		}

		src := ip32_from_slice(pkt[IPv4_SRC : IPv4_SRC+4])
		if src != cli.global_ip {
			retbuf <- pb // a locally generated icmp error or an inbound packet
			continue
		}

		dst := ip32_from_slice(pkt[IPv4_DST : IPv4_DST+4])

		pbb := <-getbuf

		switch pkt[IPv4_PROTO] {
		case UDP:
			udp := pkt[IPv4_HDR_MIN_LEN:]
			sport := be.Uint16(udp[UDP_SPORT : UDP_SPORT+2])
			dport := be.Uint16(udp[UDP_DPORT : UDP_DPORT+2])
			induce_udp_pkt(pbb, dst, dport, cli.global_ip, sport, 32)
		case ICMP:
			icmp := pkt[IPv4_HDR_MIN_LEN:]
			ident := be.Uint16(icmp[ICMP_BODY : ICMP_BODY+2])
			seq := be.Uint16(icmp[ICMP_MTU : ICMP_MTU+2])
			induce_icmp_pkt(pbb, dst, cli.global_ip, ICMP_ECHO_REPLY, ident, seq, 24)
		default:
			retbuf <- pbb
			retbuf <- pb
			continue
		}

		recv_tun <- pbb
		retbuf <- pb
	}
}

func start_inducer() {

	go induce_traffic()
	go induce_sink()
}
