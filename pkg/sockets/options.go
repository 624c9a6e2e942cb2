package sockets

import "time"

// WithReadTimeout closes the connection when nothing is read for d.
func WithReadTimeout(d time.Duration) func(*Conn) {
	return func(s *Conn) {
		s.readTimeout = d
	}
}

func WithDialTimeout(d time.Duration) func(*Conn) {
	return func(s *Conn) {
		s.dialTimeout = d
	}
}

// WithGreeting is written right after the connection is established.
func WithGreeting(msg []byte) func(*Conn) {
	return func(s *Conn) {
		s.greeting = msg
	}
}

func OnMessage(f func([]byte, Connection)) func(*Conn) {
	return func(s *Conn) {
		s.onMessage = f
	}
}

func OnError(f func(error)) func(*Conn) {
	return func(s *Conn) {
		s.onError = f
	}
}

func OnConnected(f func(Connection)) func(*Conn) {
	return func(s *Conn) {
		s.onConnected = f
	}
}

// OnClosed fires when the read loop ends, whichever side closed.
func OnClosed(f func()) func(*Conn) {
	return func(s *Conn) {
		s.onClosed = f
	}
}
