// Package source provides finite RequestSource implementations.
package source

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/backpressure/internal/delivery"
)

// Slice yields a fixed list of requests in order.
type Slice struct {
	reqs []delivery.Request
	pos  int
}

func NewSlice(reqs ...delivery.Request) *Slice {
	return &Slice{reqs: reqs}
}

func (s *Slice) HasNext() bool { return s.pos < len(s.reqs) }

func (s *Slice) Next() delivery.Request {
	r := s.reqs[s.pos]
	s.pos++
	return r
}

// Generator produces Count synthetic requests, each with a fresh UUID and a
// random payload of PayloadBytes bytes.
type Generator struct {
	count        int
	payloadBytes int
	produced     int
	now          func() time.Time
}

func NewGenerator(count, payloadBytes int) *Generator {
	if count < 0 {
		count = 0
	}
	if payloadBytes < 0 {
		payloadBytes = 0
	}
	return &Generator{count: count, payloadBytes: payloadBytes, now: time.Now}
}

func (g *Generator) HasNext() bool { return g.produced < g.count }

func (g *Generator) Next() delivery.Request {
	g.produced++

	payload := map[string]any{"sequence": g.produced}
	if g.payloadBytes > 0 {
		buf := make([]byte, g.payloadBytes)
		_, _ = rand.Read(buf)
		payload["data"] = base64.StdEncoding.EncodeToString(buf)
	}

	return delivery.Request{
		ID:        uuid.NewString(),
		Payload:   payload,
		CreatedAt: g.now().UTC().Format(time.RFC3339),
	}
}

// Remaining reports how many requests the generator will still yield.
func (g *Generator) Remaining() int { return g.count - g.produced }
