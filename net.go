/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"errors"
	"fmt"
	"net/netip"
)

type IP32 uint32 // IPv4 address in host byte order

func (ip IP32) String() string {
	return fmt.Sprintf("%v.%v.%v.%v", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

// The slice must be 4 bytes
func ip32_from_slice(bs []byte) IP32 {
	if len(bs) != 4 {
		log.fatal("net: invalid IPv4 slice length: %v", len(bs))
	}
	return IP32(be.Uint32(bs))
}

func (ip IP32) as_slice() []byte {
	bs := make([]byte, 4)
	be.PutUint32(bs, uint32(ip))
	return bs
}

func (ip IP32) addr() netip.Addr {
	var bs [4]byte
	be.PutUint32(bs[:], uint32(ip))
	return netip.AddrFrom4(bs)
}

func parse_ip32(s string) (IP32, error) {

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return 0, err
	}
	if !addr.Is4() {
		return 0, errors.New("not an IPv4 address")
	}
	bs := addr.As4()
	return IP32(be.Uint32(bs[:])), nil
}

func must_parse_ip32(s string) IP32 {

	ip, err := parse_ip32(s)
	if err != nil {
		log.fatal("invalid IPv4 address: %v", s)
	}
	return ip
}
