// Package feed serves a live tail of the change log over TCP. Each subscriber
// receives every event appended after it connects, one JSON object per line.
// The feed is best-effort: slow or dead subscribers are dropped, and events
// published while the buffer is full are skipped rather than blocking the
// write path.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dropwire/dropwire/internal/dropwire"
)

const (
	publishBuffer = 4096
	writeTimeout  = 100 * time.Millisecond
)

type Config struct {
	Address string
	Port    int
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Port < 0 {
		errGrp = append(errGrp, fmt.Errorf("invalid port: %d", c.Port))
	}
	if c.Address == "" {
		errGrp = append(errGrp, fmt.Errorf("invalid address: %s", c.Address))
	}
	return errors.Join(errGrp...)
}

type Manager struct {
	listener net.Listener

	publishChan chan dropwire.ChangeEvent
	procCtx     context.Context
	procCancel  context.CancelFunc

	clients    map[net.Conn]bool
	clientsMux sync.Mutex
}

func New(cfg *Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	addrString := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
	listener, err := net.Listen("tcp", addrString)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addrString, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		listener:    listener,
		publishChan: make(chan dropwire.ChangeEvent, publishBuffer),
		procCtx:     ctx,
		procCancel:  cancel,
		clients:     make(map[net.Conn]bool),
	}, nil
}

// Addr reports the address the feed is listening on.
func (m *Manager) Addr() string {
	return m.listener.Addr().String()
}

// Publish queues one event for broadcast. It never blocks; when the buffer is
// full the event is skipped for feed subscribers only, the durable pipeline is
// unaffected.
func (m *Manager) Publish(event dropwire.ChangeEvent) {
	select {
	case m.publishChan <- event:
	default:
		log.Warn().
			Str("partitionKey", event.PartitionKey).
			Msg("feed buffer full; event skipped")
	}
}

func (m *Manager) Start() error {
	go func() {
		for {
			select {
			case <-m.procCtx.Done():
				return
			case event := <-m.publishChan:
				m.broadcast(event)
			}
		}
	}()

	go func() {
		for {
			conn, err := m.listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Warn().Err(err).Msg("feed failed to accept connection")
				continue
			}
			go m.handle(conn)
		}
	}()

	return nil
}

func (m *Manager) Stop() error {
	if m.listener != nil {
		if err := m.listener.Close(); err != nil {
			return fmt.Errorf("failed to close feed listener: %w", err)
		}
	}

	if m.procCancel != nil {
		m.procCancel()
	}

	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()
	for client := range m.clients {
		_ = client.Close()
		delete(m.clients, client)
	}
	return nil
}

func (m *Manager) Name() string {
	return "Change Feed"
}

func (m *Manager) handle(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		m.clientsMux.Lock()
		delete(m.clients, conn)
		m.clientsMux.Unlock()
	}()

	m.clientsMux.Lock()
	m.clients[conn] = true
	m.clientsMux.Unlock()

	log.Info().Stringer("remote", conn.RemoteAddr()).Msg("feed subscriber connected")

	// Reads only detect disconnection; subscribers never send commands.
	buffer := make([]byte, 4096)
	for {
		if _, err := conn.Read(buffer); err != nil {
			if errors.Is(err, io.EOF) {
				log.Info().Stringer("remote", conn.RemoteAddr()).Msg("feed subscriber disconnected")
			}
			return
		}
	}
}

// broadcast writes one event to every subscriber. Writes that miss the short
// deadline mark the client dead and drop it.
func (m *Manager) broadcast(event dropwire.ChangeEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal feed event")
		return
	}
	message := append(data, '\n')

	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()

	for client := range m.clients {
		_ = client.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := client.Write(message); err != nil {
			_ = client.Close()
			delete(m.clients, client)
		}
	}
}

func (m *Manager) clientCount() int {
	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()
	return len(m.clients)
}
