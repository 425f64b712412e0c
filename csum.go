/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

/* Checksum arithmetic

Two flavors. The full computation sums a byte range as big endian 16 bit
words and returns the complement, used for the IPv4 header checksum and for
ICMP messages. The incremental adjustment implements rfc 3022 4.2: it fixes
an existing transport checksum given only the bytes that changed, so the
cost of a rewrite does not depend on payload size.
*/

// One's complement checksum over the buffer. An odd trailing byte counts as
// the high byte of a virtual word. Returns the complemented sum, ready to be
// stored in a checksum field.
func csum(buf []byte) uint16 {

	sum := uint32(0)
	end := len(buf) &^ 1

	for ix := 0; ix < end; ix += 2 {
		sum += uint32(be.Uint16(buf[ix : ix+2]))
	}
	if len(buf)&1 != 0 {
		sum += uint32(buf[len(buf)-1]) << 8
	}

	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}

	return uint16(sum) ^ 0xffff
}

// Add buffer bytes to csum. Input csum and result are not inverted. The
// buffer length must be even.
func csum_add(csum uint16, buf []byte) uint16 {

	sum := uint32(csum)

	for ix := 0; ix < len(buf); ix += 2 {
		sum += uint32(be.Uint16(buf[ix : ix+2]))
	}

	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}

	return uint16(sum)
}

// Adjust a stored checksum for a field rewrite per rfc 3022 4.2. old_bytes
// and new_bytes must have equal, even length. Subtracting propagates borrows,
// adding propagates carries, both in one's complement arithmetic.
func csum_adjust(old_csum uint16, old_bytes, new_bytes []byte) uint16 {

	x := int(old_csum) ^ 0xffff

	for ix := 0; ix < len(old_bytes); ix += 2 {
		x -= int(be.Uint16(old_bytes[ix : ix+2]))
		if x <= 0 {
			x--
			x &= 0xffff
		}
	}

	for ix := 0; ix < len(new_bytes); ix += 2 {
		x += int(be.Uint16(new_bytes[ix : ix+2]))
		if x&0x10000 != 0 {
			x++
			x &= 0xffff
		}
	}

	return uint16(x) ^ 0xffff
}
