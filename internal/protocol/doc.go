// Package protocol implements the framed binary wire protocol spoken with the
// telephony switch. It provides an incremental stream decoder that tolerates
// partial frames across socket reads, type-specific payload validation, and
// frame encoders for the outbound direction.
package protocol
