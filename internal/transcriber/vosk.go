package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// VoskEngine speaks the vosk-server websocket protocol: every binary audio
// message is answered by exactly one JSON message, either a partial or a
// final result.
type VoskEngine struct {
	conn         *websocket.Conn
	sampleRate   int
	replyTimeout time.Duration

	text    string
	partial string
}

type voskConfig struct {
	Config struct {
		SampleRate int `json:"sample_rate"`
		Words      int `json:"words"`
	} `json:"config"`
}

// VoskResult is a vosk-server reply. Text is set on final results only,
// Partial on partial results only.
type VoskResult struct {
	Text   *string `json:"text"`
	Result []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Conf  float64 `json:"conf"`
	} `json:"result"`
	Partial *string `json:"partial"`
}

// NewVoskFactory returns an EngineFactory dialing serverURL for each stream.
func NewVoskFactory(serverURL string, replyTimeout time.Duration) EngineFactory {
	return func(ctx context.Context, sampleRate int) (Engine, error) {
		return NewVoskEngine(ctx, serverURL, sampleRate, replyTimeout)
	}
}

// NewVoskEngine connects to a vosk-server and configures the stream's
// sample rate.
func NewVoskEngine(ctx context.Context, serverURL string, sampleRate int, replyTimeout time.Duration) (*VoskEngine, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Vosk server: %w", err)
	}

	var cfg voskConfig
	cfg.Config.SampleRate = sampleRate
	cfg.Config.Words = 1
	if err := conn.WriteJSON(cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure Vosk stream: %w", err)
	}

	return &VoskEngine{
		conn:         conn,
		sampleRate:   sampleRate,
		replyTimeout: replyTimeout,
	}, nil
}

func (ve *VoskEngine) AcceptWaveform(chunk []byte) (bool, error) {
	if err := ve.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return false, fmt.Errorf("failed to send audio to Vosk: %w", err)
	}

	res, err := ve.readReply()
	if err != nil {
		return false, err
	}

	if res.Text != nil {
		ve.text = *res.Text
		ve.partial = ""
		return true, nil
	}
	if res.Partial != nil {
		ve.partial = *res.Partial
	}
	return false, nil
}

func (ve *VoskEngine) Result() (string, error) {
	return ve.text, nil
}

func (ve *VoskEngine) PartialResult() (string, error) {
	return ve.partial, nil
}

func (ve *VoskEngine) FinalResult() (string, error) {
	if err := ve.conn.WriteMessage(websocket.TextMessage, []byte(`{"eof" : 1}`)); err != nil {
		return "", fmt.Errorf("failed to send EOF to Vosk: %w", err)
	}

	res, err := ve.readReply()
	if err != nil {
		return "", err
	}
	if res.Text != nil {
		return *res.Text, nil
	}
	if res.Partial != nil {
		return *res.Partial, nil
	}
	return "", nil
}

func (ve *VoskEngine) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := ve.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		log.Printf("Failed to send close to Vosk: %v", err)
	}
	return ve.conn.Close()
}

func (ve *VoskEngine) readReply() (*VoskResult, error) {
	if ve.replyTimeout > 0 {
		ve.conn.SetReadDeadline(time.Now().Add(ve.replyTimeout))
	}

	_, message, err := ve.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read Vosk result: %w", err)
	}

	var res VoskResult
	if err := json.Unmarshal(message, &res); err != nil {
		return nil, fmt.Errorf("failed to parse Vosk result: %w", err)
	}
	return &res, nil
}
