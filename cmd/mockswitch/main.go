// Command mockswitch simulates the switch side of a call so the bridge can
// be exercised without a real PBX. It dials the bridge, sends a START frame
// with a fresh call id, streams a WAV file (or generated tone bursts) as
// 20 ms audio frames in real time, prints every frame it receives and saves
// the audio the bridge plays back to a WAV file.
//
// Usage:
//
//	go run ./cmd/mockswitch
//	go run ./cmd/mockswitch -wav caller.wav -out reply.wav
//	go run ./cmd/mockswitch -digit 2
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/promaaa/open-medSecretary/internal/audio"
	"github.com/promaaa/open-medSecretary/internal/protocol"
)

const sampleRate = 8000

func main() {
	addr := flag.String("addr", "127.0.0.1:9001", "bridge address")
	wavFile := flag.String("wav", "", "WAV file to send (8 kHz mono 16-bit)")
	outFile := flag.String("out", "response.wav", "file for the received audio")
	digit := flag.String("digit", "", "DTMF digit to send after the audio")
	duration := flag.Float64("duration", 3, "seconds of generated tone when no -wav is given")
	wait := flag.Float64("wait", 30, "seconds to wait for the bridge to hang up")
	flag.Parse()

	pcm, err := loadAudio(*wavFile, *duration)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	log.Printf("🔌 Connecting to %s...", *addr)
	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatalf("❌ Connection failed. Is the bridge running on %s? (%v)", *addr, err)
	}
	defer conn.Close()
	log.Printf("✅ Connected")

	done := make(chan []byte, 1)
	go receive(conn, done)

	callID := uuid.New()
	if _, err := conn.Write(protocol.EncodeStart(callID)); err != nil {
		log.Fatalf("❌ Sending START: %v", err)
	}
	log.Printf("📤 Sent START, call %s", callID)

	if err := stream(conn, pcm); err != nil {
		log.Printf("❌ Sending audio: %v", err)
	}

	if *digit != "" {
		d := (*digit)[0]
		if len(*digit) != 1 || !protocol.ValidDigit(d) {
			log.Fatalf("❌ Invalid DTMF digit %q", *digit)
		}
		if _, err := conn.Write(protocol.EncodeDTMF(d)); err != nil {
			log.Printf("❌ Sending DTMF: %v", err)
		} else {
			log.Printf("📤 Sent DTMF %q", d)
		}
	}

	var received []byte
	hungUp := false
	select {
	case received = <-done:
		hungUp = true
	case <-time.After(time.Duration(*wait * float64(time.Second))):
		log.Printf("⏱️ Timeout waiting for the bridge to hang up")
	}

	conn.Write(protocol.EncodeHangup())
	log.Printf("📤 Sent HANGUP")
	conn.Close()
	if !hungUp {
		received = <-done
	}

	if len(received) == 0 {
		log.Printf("📭 No audio received")
		return
	}
	wav, err := audio.EncodeWAV(received, sampleRate)
	if err != nil {
		log.Fatalf("❌ Encoding received audio: %v", err)
	}
	if err := os.WriteFile(*outFile, wav, 0644); err != nil {
		log.Fatalf("❌ Writing %s: %v", *outFile, err)
	}
	log.Printf("💾 Saved %d bytes of audio to %s", len(received), *outFile)
}

// loadAudio returns the PCM to stream: the decoded WAV file when one is
// given, generated tone bursts otherwise.
func loadAudio(path string, toneSeconds float64) ([]byte, error) {
	if path == "" {
		log.Printf("🎵 Generating %.1f seconds of tone bursts", toneSeconds)
		return tonePCM(toneSeconds), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	pcm, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if rate != sampleRate {
		return nil, fmt.Errorf("%s is %d Hz, need %d Hz mono", path, rate, sampleRate)
	}
	log.Printf("🎧 Loaded %s: %d bytes of PCM", path, len(pcm))
	return pcm, nil
}

// tonePCM alternates 440 Hz bursts with short gaps until the requested
// amount of tone has been produced, then appends two seconds of trailing
// silence so the bridge hears the utterance end.
func tonePCM(seconds float64) []byte {
	burst := sine(0.8)
	gap := make([]byte, int(0.3*sampleRate)*2)
	tail := make([]byte, 2*sampleRate*2)

	want := int(seconds*sampleRate) * 2
	var pcm []byte
	for voiced := 0; voiced < want; voiced += len(burst) {
		pcm = append(pcm, burst...)
		pcm = append(pcm, gap...)
	}
	return append(pcm, tail...)
}

// sine renders a 440 Hz sine of the given length as 16-bit little-endian PCM.
func sine(seconds float64) []byte {
	n := int(seconds * sampleRate)
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/sampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// stream sends the PCM as fixed-size audio frames on a 20 ms cadence, the
// pace a real switch delivers them at. The last chunk is zero-padded.
func stream(conn net.Conn, pcm []byte) error {
	log.Printf("📤 Sending %d bytes of audio...", len(pcm))
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for off := 0; off < len(pcm); off += protocol.DefaultAudioChunkBytes {
		chunk := make([]byte, protocol.DefaultAudioChunkBytes)
		copy(chunk, pcm[off:])
		if _, err := conn.Write(protocol.EncodeAudio(chunk)); err != nil {
			return err
		}
		<-ticker.C
	}
	log.Printf("📤 Sent %d bytes of audio", len(pcm))
	return nil
}

// receive decodes frames from the bridge until it hangs up or the
// connection drops, collecting played-back audio along the way.
func receive(conn net.Conn, done chan<- []byte) {
	var collected []byte
	dec := protocol.NewDecoder(protocol.DefaultLimits())
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				frame, derr := dec.Next()
				if derr != nil {
					log.Printf("❌ Decode error: %v", derr)
					done <- collected
					return
				}
				if frame == nil {
					break
				}
				switch frame.Type {
				case protocol.TypeAudio:
					collected = append(collected, frame.Payload...)
					log.Printf("📥 Received %d bytes of audio", len(frame.Payload))
				case protocol.TypeHangup:
					log.Printf("📴 Received HANGUP")
					done <- collected
					return
				case protocol.TypeError:
					log.Printf("❌ Received ERROR: %s", frame.Payload)
					done <- collected
					return
				default:
					log.Printf("📥 Received %s", frame)
				}
			}
		}
		if err != nil {
			log.Printf("📴 Connection closed by the bridge")
			done <- collected
			return
		}
	}
}
