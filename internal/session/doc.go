// Package session ties one phone call together: the framed TCP connection,
// the inbound audio path (decoder, jitter buffer, voice activity detection),
// the outbound pacer and the turn machine, plus the pipeline collaborators
// that do the actual listening and talking.
//
// The Registry owns all active sessions. It enforces the concurrent call
// limit, rejects duplicate call identifiers and periodically sweeps out
// calls whose switch stopped sending frames.
package session
