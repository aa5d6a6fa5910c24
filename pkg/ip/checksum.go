package ip

import "net/netip"

// Sum adds b to sum as a sequence of big-endian 16-bit words. An odd
// trailing byte is added as the high byte of a word. The result is not folded.
func Sum(sum uint32, b []byte) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}

// Fold adds the carries of sum back into the low 16 bits until none remain.
func Fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return uint16(sum)
}

// Checksum returns the one's-complement checksum of b seeded with sum.
func Checksum(sum uint32, b []byte) uint16 {
	return ^Fold(Sum(sum, b))
}

// PseudoHeaderSum is the IPv4 pseudo-header contribution used by the TCP and
// UDP checksums.
func PseudoHeaderSum(src, dst netip.Addr, protocol byte, length int) uint32 {
	s := src.As4()
	d := dst.As4()
	sum := Sum(0, s[:])
	sum = Sum(sum, d[:])
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}
