// Package codec converts driving steps to and from the seven-frame
// CAN-style representation.
//
// Every field is read and written through ExtractBits and SetBits; a
// byte-aligned field is the case where the start bit is a multiple of 8.
// Multi-byte fields follow the ByteOrder passed to Encode or Decode. The
// package keeps no state: Encode, Decode and Group may be called
// concurrently with different byte orders.
package codec
