package blosc

// shuffle groups byte j of every element together. Bytes past the last whole
// element are copied unchanged.
func shuffle(dst, src []byte, typesize int) {
	n := len(src) / typesize
	for i := 0; i < n; i++ {
		for j := 0; j < typesize; j++ {
			dst[j*n+i] = src[i*typesize+j]
		}
	}
	copy(dst[n*typesize:], src[n*typesize:])
}

func unshuffle(dst, src []byte, typesize int) {
	n := len(src) / typesize
	for i := 0; i < n; i++ {
		for j := 0; j < typesize; j++ {
			dst[i*typesize+j] = src[j*n+i]
		}
	}
	copy(dst[n*typesize:], src[n*typesize:])
}

// bitshuffle writes one row per bit of every element byte: row j*8+k holds
// bit k of byte j for each element, packed LSB first. Only a multiple of 8
// elements is transposed; the remainder is copied unchanged.
func bitshuffle(dst, src []byte, typesize int) {
	n := len(src) / typesize
	n -= n % 8
	rowBytes := n / 8
	clear(dst[:n*typesize])
	for i := 0; i < n; i++ {
		for j := 0; j < typesize; j++ {
			b := src[i*typesize+j]
			for k := 0; k < 8; k++ {
				if b&(1<<k) != 0 {
					dst[(j*8+k)*rowBytes+i/8] |= 1 << (i % 8)
				}
			}
		}
	}
	copy(dst[n*typesize:], src[n*typesize:])
}

func bitunshuffle(dst, src []byte, typesize int) {
	n := len(src) / typesize
	n -= n % 8
	rowBytes := n / 8
	clear(dst[:n*typesize])
	for i := 0; i < n; i++ {
		for j := 0; j < typesize; j++ {
			var b byte
			for k := 0; k < 8; k++ {
				if src[(j*8+k)*rowBytes+i/8]&(1<<(i%8)) != 0 {
					b |= 1 << k
				}
			}
			dst[i*typesize+j] = b
		}
	}
	copy(dst[n*typesize:], src[n*typesize:])
}
