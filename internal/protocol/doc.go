// Package protocol implements the AudioSocket frame codec.
// Every frame is a 1-byte kind, a 2-byte big-endian payload length and the payload.
// Decoding is incremental so that frames split across transport reads are reassembled.
package protocol
