package core

import (
	"context"
	"io"
	"math"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/mock"
)

type mockProvider struct {
	mock.Mock
	dims int
}

func newMockProvider(dims int) *mockProvider {
	return &mockProvider{dims: dims}
}

func (m *mockProvider) StreamChat(ctx context.Context, history []ChatTurn) (ChatStream, error) {
	args := m.Called(ctx, history)
	stream, _ := args.Get(0).(ChatStream)
	return stream, args.Error(1)
}

func (m *mockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	vec, _ := args.Get(0).([]float32)
	return vec, args.Error(1)
}

func (m *mockProvider) AnalyzeTranscript(ctx context.Context, transcript string) (string, error) {
	args := m.Called(ctx, transcript)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) Dimensions() int {
	return m.dims
}

func (m *mockProvider) Close() error {
	return nil
}

// fakeStream replays fragments and then returns err, or io.EOF when err is nil.
type fakeStream struct {
	fragments []string
	err       error
	pos       int
	closed    bool
}

func (s *fakeStream) Recv() (string, error) {
	if s.pos < len(s.fragments) {
		f := s.fragments[s.pos]
		s.pos++
		return f, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// unitAt returns a unit vector of length dims whose cosine with axis() is cos.
func unitAt(cos float64, dims int) []float32 {
	v := make([]float32, dims)
	v[0] = float32(cos)
	v[1] = float32(math.Sqrt(1 - cos*cos))
	return v
}

func axis(dims int) []float32 {
	v := make([]float32, dims)
	v[0] = 1
	return v
}

var testLogger = logr.Discard()
