package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"relay/codec"
	"relay/log"
)

// maxFrameSize ограничивает длину одной строки-кадра
const maxFrameSize = 64 * 1024

type Handler[T any] interface {
	Handle(ctx context.Context, msg T)
}

type HandlerFunc[T any] func(ctx context.Context, msg T)

func (h HandlerFunc[T]) Handle(ctx context.Context, msg T) {
	h(ctx, msg)
}

// TcpServer принимает соединения и передает каждый декодированный кадр в Handler
type TcpServer[T any] struct {
	addr        string
	handler     Handler[T]
	codec       codec.Codec[T]
	closingFlag uint32
	wg          sync.WaitGroup

	mu    sync.Mutex
	conns map[uint]net.Conn

	l net.Listener
}

func NewTcpServer[T any](
	addr string,
	handler Handler[T],
	codec codec.Codec[T],
) *TcpServer[T] {
	return &TcpServer[T]{
		addr:    addr,
		handler: handler,
		codec:   codec,
		conns:   make(map[uint]net.Conn),
	}
}

// Listen занимает адрес. Ошибка здесь означает, что сервер не стартовал.
func (s *TcpServer[T]) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("error start listener. %w", err)
	}
	s.l = listener
	log.Info("Listening on %s", listener.Addr())
	return nil
}

// Serve крутит цикл accept до Shutdown. Вызывает Listen, если он еще не вызван.
func (s *TcpServer[T]) Serve() error {
	if s.l == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	var connNum uint

	for {
		c, err := s.l.Accept()
		if err != nil {
			if atomic.LoadUint32(&s.closingFlag) == 1 {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			log.Err("error accept next conn. %w", err)
			continue
		}
		connNum++

		s.mu.Lock()
		s.conns[connNum] = c
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(connNum, c)
	}
}

func (s *TcpServer[T]) Addr() net.Addr {
	return s.l.Addr()
}

func (s *TcpServer[T]) Shutdown() error {
	if !atomic.CompareAndSwapUint32(&s.closingFlag, 0, 1) {
		return nil
	}
	log.Info("Shutting down server on %s", s.addr)
	var err error
	if s.l != nil {
		err = s.l.Close()
	}
	s.mu.Lock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *TcpServer[T]) handleConn(id uint, conn net.Conn) {
	log.Debug("Connection accepted from %s", conn.RemoteAddr())
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		log.Debug("Connection closed from %s", conn.RemoteAddr())
		s.wg.Done()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
	for scanner.Scan() {
		msg, err := s.codec.Decode(scanner.Bytes())
		if err != nil {
			log.Err("error decode msg from %s. %w", conn.RemoteAddr(), err)
			continue
		}
		s.handler.Handle(context.Background(), msg)
	}
	if err := scanner.Err(); err != nil && atomic.LoadUint32(&s.closingFlag) == 0 {
		log.Err("error read msg from conn %s. %w", conn.RemoteAddr(), err)
	}
}
