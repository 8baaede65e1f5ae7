// Package transcribe turns the caller's microphone into speech events for the
// chat transcript using Deepgram live transcription.
package transcribe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/sjawhar/click2call/internal/chat"
)

var _ api.LiveMessageCallback = (*Captioner)(nil)

// Captioner receives Deepgram callbacks and emits user speech events: interim
// results become partial results, and a finished utterance becomes a speech
// detection.
type Captioner struct {
	sink   func(chat.Event)
	logger *slog.Logger

	mu     sync.Mutex
	buffer utteranceBuffer
}

func NewCaptioner(sink func(chat.Event), logger *slog.Logger) *Captioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Captioner{sink: sink, logger: logger}
}

func (c *Captioner) Message(mr *api.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	sentence := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)

	c.mu.Lock()
	if !mr.IsFinal {
		text := c.buffer.text(sentence)
		c.mu.Unlock()
		c.emit(chat.PartialResult, text)
		return nil
	}

	if sentence != "" {
		c.buffer.add(sentence)
	}
	var final, partial string
	if mr.SpeechFinal {
		final = c.buffer.flush()
	} else {
		partial = c.buffer.text("")
	}
	c.mu.Unlock()

	if final != "" {
		c.emit(chat.SpeechDetect, final)
	} else if partial != "" {
		c.emit(chat.PartialResult, partial)
	}
	return nil
}

func (c *Captioner) UtteranceEnd(*api.UtteranceEndResponse) error {
	c.mu.Lock()
	final := c.buffer.flush()
	c.mu.Unlock()

	if final != "" {
		c.emit(chat.SpeechDetect, final)
	}
	return nil
}

func (c *Captioner) Open(*api.OpenResponse) error {
	c.logger.Info("transcribe: connected to Deepgram")
	return nil
}

func (c *Captioner) Close(*api.CloseResponse) error {
	c.logger.Info("transcribe: disconnected from Deepgram")
	return nil
}

func (c *Captioner) Error(er *api.ErrorResponse) error {
	c.logger.Warn("transcribe: deepgram error", "code", er.ErrCode, "description", er.Description)
	return nil
}

func (c *Captioner) Metadata(*api.MetadataResponse) error           { return nil }
func (c *Captioner) SpeechStarted(*api.SpeechStartedResponse) error { return nil }
func (c *Captioner) UnhandledEvent([]byte) error                    { return nil }

func (c *Captioner) emit(typ chat.EventType, text string) {
	if c.sink == nil || text == "" {
		return
	}
	c.sink(chat.Event{Type: typ, Text: text})
}

// Tapper is a capture track that can fan its PCM out to a writer.
type Tapper interface {
	Tap(w io.Writer) (untap func())
}

type Options struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
}

// Init sets up the Deepgram SDK. Call it once before Start.
func Init() {
	client.Init(client.InitLib{LogLevel: client.LogLevelDefault})
}

// Live is one running transcription of a capture track.
type Live struct {
	ws    *client.WSCallback
	untap func()
	once  sync.Once
}

// Start connects to Deepgram and streams track into it. Speech events are
// delivered to sink until Stop is called.
func Start(ctx context.Context, opts Options, track Tapper, sink func(chat.Event), logger *slog.Logger) (*Live, error) {
	if opts.Model == "" {
		opts.Model = "nova-2"
	}
	if opts.Language == "" {
		opts.Language = "en-US"
	}

	cOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          opts.Model,
		Language:       opts.Language,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		Encoding:       "linear16",
		SampleRate:     opts.SampleRate,
		Channels:       1,
	}

	ws, err := client.NewWSUsingCallback(ctx, opts.APIKey, cOptions, tOptions, NewCaptioner(sink, logger))
	if err != nil {
		return nil, fmt.Errorf("create deepgram client: %w", err)
	}
	if ok := ws.Connect(); !ok {
		return nil, fmt.Errorf("connect deepgram: %w", ErrConnect)
	}
	return &Live{ws: ws, untap: track.Tap(ws)}, nil
}

func (l *Live) Stop() {
	l.once.Do(func() {
		l.untap()
		l.ws.Stop()
	})
}
