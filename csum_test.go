/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	prng "math/rand"
	"testing"
)

func TestCsumFull(t *testing.T) {

	pkt := tb_ipv4(UDP, "192.168.84.97", "10.254.22.202", nil)

	if !tb_ipv4_csum_ok(pkt) {
		t.Errorf("header checksum does not verify: %04x",
			be.Uint16(pkt[IPv4_CSUM:IPv4_CSUM+2]))
	}

	// flip a bit, must not verify

	pkt[IPv4_TTL] ^= 1
	if tb_ipv4_csum_ok(pkt) {
		t.Errorf("corrupted header checksum verifies")
	}
}

func TestCsumOddByte(t *testing.T) {

	// an odd trailing byte counts as the high byte of a virtual word

	buf := []byte{0x12, 0x34, 0x56}
	padded := []byte{0x12, 0x34, 0x56, 0x00}

	if csum(buf) != csum(padded) {
		t.Errorf("odd byte mismatch: %04x != %04x", csum(buf), csum(padded))
	}
}

// The incremental adjustment must leave a checksum that verifies against a
// full recompute of the mutated bytes, across carry and borrow boundaries.
func TestCsumAdjust(t *testing.T) {

	rng := prng.New(prng.NewSource(37))

	boundary := []uint16{0x0000, 0x0001, 0xfffe, 0xffff}

	for trial := 0; trial < 2000; trial++ {

		seg := make([]byte, 24)
		rng.Read(seg)

		if trial < len(boundary)*len(boundary) {
			// force boundary words into the segment
			be.PutUint16(seg[0:2], boundary[trial%len(boundary)])
			be.PutUint16(seg[2:4], boundary[(trial/len(boundary))%len(boundary)])
		}

		// store a checksum over the segment in its middle, as transport headers do

		be.PutUint16(seg[10:12], 0)
		be.PutUint16(seg[10:12], csum(seg))

		if csum_add(0, seg) != 0xffff {
			t.Fatalf("trial %v: initial checksum does not verify", trial)
		}

		// mutate a 12 byte stretch, the size of a nat rewrite

		old_bytes := make([]byte, 12)
		new_bytes := make([]byte, 12)
		copy(old_bytes, seg[12:24])
		rng.Read(new_bytes)
		if trial%5 == 0 {
			for ix := range new_bytes {
				new_bytes[ix] = 0xff // force carries
			}
		}

		adjusted := csum_adjust(be.Uint16(seg[10:12]), old_bytes, new_bytes)

		copy(seg[12:24], new_bytes)
		be.PutUint16(seg[10:12], adjusted)

		if csum_add(0, seg) != 0xffff {
			t.Errorf("trial %v: adjusted checksum %04x does not verify", trial, adjusted)
		}
	}
}

// Adjusting for an identity rewrite must keep the checksum valid.
func TestCsumAdjustIdentity(t *testing.T) {

	seg := make([]byte, 16)
	for ix := range seg {
		seg[ix] = byte(ix * 7)
	}
	be.PutUint16(seg[6:8], 0)
	be.PutUint16(seg[6:8], csum(seg))

	same := []byte{0xab, 0xcd, 0x00, 0x01}
	copy(seg[0:4], same)
	be.PutUint16(seg[6:8], 0)
	be.PutUint16(seg[6:8], csum(seg))

	adjusted := csum_adjust(be.Uint16(seg[6:8]), same, same)
	be.PutUint16(seg[6:8], adjusted)

	if csum_add(0, seg) != 0xffff {
		t.Errorf("identity adjustment broke the checksum: %04x", adjusted)
	}
}
