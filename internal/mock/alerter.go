package mock

import (
	"context"
	"sync"
)

// AlertRecord is one captured notification
type AlertRecord struct {
	Title   string
	Message string
	Level   string
	Fields  map[string]string
}

// Alerter is a recording core.IAlerter
type Alerter struct {
	mu      sync.Mutex
	Records []AlertRecord
}

func (a *Alerter) Alert(ctx context.Context, title, message string, level string, fields map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Records = append(a.Records, AlertRecord{Title: title, Message: message, Level: level, Fields: fields})
}

// Count returns how many alerts were captured
func (a *Alerter) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Records)
}
