package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/CyCoreSystems/audiosocket"

	"github.com/amanullahtanweer/badge-relay/internal/audio"
	"github.com/amanullahtanweer/badge-relay/internal/relay"
)

type AudioSocketConfig struct {
	Addr string
	// SampleRate of the call audio; AudioSocket carries 16-bit mono slin.
	SampleRate int
	// PlayPeers relays the other badges' audio back into the call.
	PlayPeers bool
}

// AudioSocketIngress accepts calls over the AudioSocket TCP protocol. Each
// connection is one upload on the same pipeline as HTTP uploads and,
// optionally, a listener; the badge is the peer's IP. Call audio is relayed
// at the server's sample rate.
type AudioSocketIngress struct {
	server   *Server
	config   AudioSocketConfig
	listener net.Listener

	// mu orders wg.Add in Serve against Stop.
	mu       sync.Mutex
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

func (s *Server) NewAudioSocketIngress(config AudioSocketConfig) *AudioSocketIngress {
	if config.SampleRate <= 0 {
		config.SampleRate = 8000
	}
	return &AudioSocketIngress{
		server:   s,
		config:   config,
		shutdown: make(chan struct{}),
	}
}

func (in *AudioSocketIngress) Listen() error {
	if _, _, err := audio.Ratio(in.config.SampleRate, in.server.config.SampleRate); err != nil {
		return fmt.Errorf("cannot relay call audio: %w", err)
	}
	listener, err := net.Listen("tcp", in.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", in.config.Addr, err)
	}
	in.listener = listener
	log.Printf("AudioSocket ingress listening on %s", listener.Addr())
	return nil
}

// Addr is the bound address, valid after Listen.
func (in *AudioSocketIngress) Addr() net.Addr {
	return in.listener.Addr()
}

// Serve accepts connections until Stop.
func (in *AudioSocketIngress) Serve() error {
	if in.listener == nil {
		if err := in.Listen(); err != nil {
			return err
		}
	}

	for {
		conn, err := in.listener.Accept()
		if err != nil {
			select {
			case <-in.shutdown:
				return nil
			default:
				log.Printf("AudioSocket accept error: %v", err)
				continue
			}
		}

		in.mu.Lock()
		select {
		case <-in.shutdown:
			in.mu.Unlock()
			conn.Close()
			return nil
		default:
		}
		in.wg.Add(1)
		in.mu.Unlock()
		go in.handleConnection(conn)
	}
}

// Stop closes the listener and unblocks open connections.
func (in *AudioSocketIngress) Stop() {
	in.mu.Lock()
	in.once.Do(func() {
		close(in.shutdown)
		if in.listener != nil {
			in.listener.Close()
		}
	})
	in.mu.Unlock()
	in.wg.Wait()
}

func (in *AudioSocketIngress) handleConnection(conn net.Conn) {
	defer in.wg.Done()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-in.shutdown:
			conn.Close()
		case <-in.server.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	badge := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(badge); err == nil {
		badge = host
	}

	id, err := audiosocket.GetID(conn)
	if err != nil {
		log.Printf("AudioSocket %s: failed to get ID: %v", badge, err)
		return
	}
	log.Printf("AudioSocket %s: call %s connected", badge, id.String())

	ctx, cancel := context.WithCancel(in.server.ctx)
	var playback sync.WaitGroup
	if in.config.PlayPeers {
		playback.Add(1)
		go func() {
			defer playback.Done()
			in.playPeers(ctx, conn, badge)
		}()
	}

	// Listen has checked the ratio.
	convert, _ := audio.NewConverter(in.config.SampleRate, in.server.config.SampleRate)
	format := audioFormat{SampleRate: in.config.SampleRate, Bits: 16, Channels: 1}
	in.server.runUpload(ctx, badge, format, &audioSocketSource{conn: conn, badge: badge}, convert)

	cancel()
	playback.Wait()
}

// playPeers streams the other badges' audio into the call until it ends.
// The relay stream ends whenever the room goes quiet, so it is reopened
// for as long as the call lasts.
func (in *AudioSocketIngress) playPeers(ctx context.Context, conn net.Conn, badge string) {
	sink, err := audio.NewSlinSink(conn, in.server.config.SampleRate, in.config.SampleRate)
	if err != nil {
		log.Printf("AudioSocket %s: peer playback disabled: %v", badge, err)
		return
	}

	for {
		err := in.server.deps.Router.Stream(ctx, badge, sink.Write)
		switch {
		case err == nil:
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, relay.ErrReplaced):
			return
		default:
			log.Printf("AudioSocket %s: peer playback stopped: %v", badge, err)
			return
		}
	}
}

// audioSocketSource turns AudioSocket messages into audio chunks.
type audioSocketSource struct {
	conn  net.Conn
	badge string
}

func (src *audioSocketSource) ReadChunk() ([]byte, error) {
	for {
		msg, err := audiosocket.NextMessage(src.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}

		switch msg.Kind() {
		case audiosocket.KindSlin:
			if payload := msg.Payload(); len(payload) > 0 {
				return payload, nil
			}
		case audiosocket.KindHangup:
			log.Printf("AudioSocket %s: received hangup", src.badge)
			return nil, io.EOF
		case audiosocket.KindError:
			return nil, fmt.Errorf("received error code: %d", msg.ErrorCode())
		}
	}
}
