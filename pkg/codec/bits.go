package codec

// ExtractBits reads numBits bits starting at startBit and returns them
// right-aligned. Bits are numbered least-significant first within each
// byte, so bit 9 is bit 1 of data[1]. Bits past the end of data read as
// zero. numBits outside 1..64 yields 0.
func ExtractBits(data []byte, startBit, numBits int) uint64 {
	if numBits <= 0 || numBits > 64 || startBit < 0 {
		return 0
	}

	first := startBit / 8
	var result uint64
	read := 0

	for idx := first; idx < len(data) && read < numBits; idx++ {
		shift := 0
		if idx == first {
			shift = startBit % 8
		}
		n := min(8-shift, numBits-read)
		mask := byte(uint16(1)<<n - 1)

		bits := (data[idx] >> shift) & mask
		result |= uint64(bits) << read
		read += n
	}

	return result
}

// SetBits writes the low numBits bits of value at startBit, leaving every
// other bit of data untouched. Bits that would land past the end of data
// are dropped. numBits outside 1..64 is a no-op.
func SetBits(data []byte, startBit, numBits int, value uint64) {
	if numBits <= 0 || numBits > 64 || startBit < 0 {
		return
	}

	first := startBit / 8
	written := 0

	for idx := first; idx < len(data) && written < numBits; idx++ {
		shift := 0
		if idx == first {
			shift = startBit % 8
		}
		n := min(8-shift, numBits-written)
		mask := byte(uint16(1)<<n-1) << shift

		bits := byte(value>>written) << shift
		data[idx] = data[idx]&^mask | bits&mask
		written += n
	}
}
