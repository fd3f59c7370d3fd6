package node

import "sync"

// MessageLog is a thread-safe stack of received text messages.
type MessageLog struct {
	mu   sync.Mutex
	msgs []string
}

func NewMessageLog() *MessageLog {
	return &MessageLog{}
}

func (l *MessageLog) Add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

// Peek returns the most recent message without removing it.
func (l *MessageLog) Peek() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.msgs) == 0 {
		return "", false
	}
	return l.msgs[len(l.msgs)-1], true
}

// Pop removes and returns the most recent message.
func (l *MessageLog) Pop() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.msgs) == 0 {
		return "", false
	}
	msg := l.msgs[len(l.msgs)-1]
	l.msgs = l.msgs[:len(l.msgs)-1]
	return msg, true
}

func (l *MessageLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}
