package interview

import (
	"time"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/stt"
)

// Publisher forwards client-side speech input onto the bus.
type Publisher interface {
	PublishTranscript(t protocol.Transcript) error
	PublishAudio(frame protocol.AudioFrame) error
}

// BusPublisher publishes transcripts and audio frames over NATS.
type BusPublisher struct {
	client *bus.Client
	now    func() time.Time
}

func NewBusPublisher(client *bus.Client) *BusPublisher {
	return &BusPublisher{client: client, now: time.Now}
}

func (p *BusPublisher) PublishTranscript(t protocol.Transcript) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = p.now().UTC()
	}
	return stt.PublishTranscript(p.client, t)
}

func (p *BusPublisher) PublishAudio(frame protocol.AudioFrame) error {
	return stt.PublishAudioFrame(p.client, frame)
}
