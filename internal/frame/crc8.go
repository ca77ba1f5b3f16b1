package frame

// CRC-8 Dallas/Maxim (x^8+x^5+x^4+1, reflected 0x8C, init 0, no final xor).
// The byte step is split into two 16 entry tables indexed by nibble.
var (
	crcLow = [16]byte{
		0x00, 0x5e, 0xbc, 0xe2, 0x61, 0x3f, 0xdd, 0x83,
		0xc2, 0x9c, 0x7e, 0x20, 0xa3, 0xfd, 0x1f, 0x41,
	}
	crcHigh = [16]byte{
		0x00, 0x9d, 0x23, 0xbe, 0x46, 0xdb, 0x65, 0xf8,
		0x8c, 0x11, 0xaf, 0x32, 0xca, 0x57, 0xe9, 0x74,
	}
)

// Checksum returns the CRC-8/MAXIM of b. Both the encoder and the decoder
// call this function; there is no second copy of the table.
func Checksum(b []byte) byte {
	var crc byte
	for _, v := range b {
		crc ^= v
		crc = crcLow[crc&0x0f] ^ crcHigh[crc>>4]
	}
	return crc
}
