// Package subscriptiontest holds fakes for the collaborators of the
// subscription workflow.
package subscriptiontest

import (
	"context"
	"fmt"
	"sync"

	"calorie-ai/internal/bank"
	"calorie-ai/internal/subscription"
)

// Sent is one recorded bot call.
type Sent struct {
	Kind      string
	ChatID    int64
	MessageID int
	Text      string
	Photo     []byte
	Keyboard  subscription.Keyboard
	Alert     bool
}

// RecordingMessenger records every call. Err, when set, is returned from the
// calls after recording them.
type RecordingMessenger struct {
	mu   sync.Mutex
	sent []Sent
	Err  error
}

func (m *RecordingMessenger) record(s Sent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, s)
	return m.Err
}

func (m *RecordingMessenger) SendText(_ context.Context, chatID int64, text string) error {
	return m.record(Sent{Kind: "text", ChatID: chatID, Text: text})
}

func (m *RecordingMessenger) SendPhoto(_ context.Context, chatID int64, photo []byte, caption string, keyboard subscription.Keyboard) error {
	return m.record(Sent{Kind: "photo", ChatID: chatID, Text: caption, Photo: photo, Keyboard: keyboard})
}

func (m *RecordingMessenger) AnswerCallback(_ context.Context, callbackID, text string, alert bool) error {
	return m.record(Sent{Kind: "answer", Text: text, Alert: alert})
}

func (m *RecordingMessenger) EditCaption(_ context.Context, chatID int64, messageID int, caption string) error {
	return m.record(Sent{Kind: "edit", ChatID: chatID, MessageID: messageID, Text: caption})
}

// Sent returns a copy of the recorded calls.
func (m *RecordingMessenger) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// OfKind filters recorded calls.
func (m *RecordingMessenger) OfKind(kind string) []Sent {
	var out []Sent
	for _, s := range m.Sent() {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// FakeBank answers FindPayment with Match over a fixed statement.
type FakeBank struct {
	mu           sync.Mutex
	Transactions []bank.Transaction
	Column       bank.AmountColumn
	Tolerance    float64
	Err          error
	Calls        int
}

func (b *FakeBank) FindPayment(_ context.Context, matchKey string, amount float64) (*bank.Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls++
	if b.Err != nil {
		return nil, b.Err
	}
	column := b.Column
	if column == "" {
		column = bank.ColumnEither
	}
	tolerance := b.Tolerance
	if tolerance == 0 {
		tolerance = 0.1
	}
	txs := append([]bank.Transaction(nil), b.Transactions...)
	return bank.Match(txs, matchKey, amount, column, tolerance), nil
}

// FakeUploader keeps uploads in memory.
type FakeUploader struct {
	mu      sync.Mutex
	Objects map[string][]byte
	Deleted []string
	Err     error
}

func (u *FakeUploader) Upload(_ context.Context, data []byte, contentType, folder string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.Err != nil {
		return "", u.Err
	}
	if u.Objects == nil {
		u.Objects = make(map[string][]byte)
	}
	url := fmt.Sprintf("https://files.test/%s/%d", folder, len(u.Objects)+1)
	u.Objects[url] = append([]byte(nil), data...)
	return url, nil
}

func (u *FakeUploader) Delete(_ context.Context, url string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Deleted = append(u.Deleted, url)
	delete(u.Objects, url)
	return nil
}
