/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"net"

	"github.com/mdlayher/raw"
	"golang.org/x/net/bpf"
)

const (
	ETHER_ARP = 0x0806
	// ETHER offsets
	ETHER_DST_MAC = 0
	ETHER_SRC_MAC = 6
	ETHER_TYPE    = 12
	ETHER_HDR_LEN = 6 + 6 + 2
	// ARP offsets, relative to the end of the ethernet header
	ARP_HTYPE   = 0
	ARP_PTYPE   = 2
	ARP_HLEN    = 4
	ARP_PLEN    = 5
	ARP_OPER    = 6
	ARP_SHA     = 8
	ARP_SPA     = 14
	ARP_THA     = 18
	ARP_TPA     = 24
	ARP_PKT_LEN = 28

	ARP_OPER_REQUEST = 1
	ARP_OPER_REPLY   = 2
)

/* Proxy ARP

When the global address belongs to the same subnet as the outside interface
but is not assigned to it, neighbors have no way to resolve it. The responder
listens for ARP requests asking for the global address and answers with the
interface's own mac, drawing inbound packets to the host where the tun route
takes over.
*/

func arp_responder() {

	ifi, err := net.InterfaceByName(cli.arp_ifc)
	if err != nil {
		log.fatal("arp: cannot find interface %v: %v", cli.arp_ifc, err)
	}

	conn, err := raw.ListenPacket(ifi, ETHER_ARP, nil)
	if err != nil {
		log.fatal("arp: cannot listen on %v: %v", cli.arp_ifc, err)
	}

	// requests for the global address only

	filter, err := bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: ETHER_TYPE, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: ETHER_ARP, SkipFalse: 3},
		bpf.LoadAbsolute{Off: ETHER_HDR_LEN + ARP_OPER, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: ARP_OPER_REQUEST, SkipFalse: 1},
		bpf.RetConstant{Val: 0xffff},
		bpf.RetConstant{Val: 0},
	})
	if err != nil {
		log.fatal("arp: cannot assemble bpf filter: %v", err)
	}
	if err := conn.SetBPF(filter); err != nil {
		log.fatal("arp: cannot attach bpf filter: %v", err)
	}

	log.info("arp: answering for %v on %v (%v)", cli.global_ip, ifi.Name, ifi.HardwareAddr)

	frame := make([]byte, ifi.MTU+ETHER_HDR_LEN)

	for {

		rlen, addr, err := conn.ReadFrom(frame)
		if err != nil {
			log.err("arp: read error: %v", err)
			continue
		}
		if rlen < ETHER_HDR_LEN+ARP_PKT_LEN {
			continue
		}

		pkt := frame[ETHER_HDR_LEN:rlen]

		if be.Uint16(pkt[ARP_HTYPE:ARP_HTYPE+2]) != 1 ||
			be.Uint16(pkt[ARP_PTYPE:ARP_PTYPE+2]) != ETHER_IPv4 ||
			pkt[ARP_HLEN] != 6 || pkt[ARP_PLEN] != 4 ||
			be.Uint16(pkt[ARP_OPER:ARP_OPER+2]) != ARP_OPER_REQUEST {
			continue
		}

		tpa := ip32_from_slice(pkt[ARP_TPA : ARP_TPA+4])
		if tpa != cli.global_ip {
			continue
		}

		if cli.debug["arp"] {
			log.debug("arp: who-has %v from %v, replying", tpa, addr)
		}

		var reply [ETHER_HDR_LEN + ARP_PKT_LEN]byte

		copy(reply[ETHER_DST_MAC:ETHER_DST_MAC+6], pkt[ARP_SHA:ARP_SHA+6])
		copy(reply[ETHER_SRC_MAC:ETHER_SRC_MAC+6], ifi.HardwareAddr)
		be.PutUint16(reply[ETHER_TYPE:ETHER_TYPE+2], ETHER_ARP)

		arp := reply[ETHER_HDR_LEN:]
		be.PutUint16(arp[ARP_HTYPE:ARP_HTYPE+2], 1)
		be.PutUint16(arp[ARP_PTYPE:ARP_PTYPE+2], ETHER_IPv4)
		arp[ARP_HLEN] = 6
		arp[ARP_PLEN] = 4
		be.PutUint16(arp[ARP_OPER:ARP_OPER+2], ARP_OPER_REPLY)
		copy(arp[ARP_SHA:ARP_SHA+6], ifi.HardwareAddr)
		copy(arp[ARP_SPA:ARP_SPA+4], tpa.as_slice())
		copy(arp[ARP_THA:ARP_THA+6], pkt[ARP_SHA:ARP_SHA+6])
		copy(arp[ARP_TPA:ARP_TPA+4], pkt[ARP_SPA:ARP_SPA+4])

		dst := &raw.Addr{HardwareAddr: net.HardwareAddr(pkt[ARP_SHA : ARP_SHA+6])}
		if _, err := conn.WriteTo(reply[:], dst); err != nil {
			log.err("arp: write error: %v", err)
		}
	}
}
