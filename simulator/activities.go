package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"gator-chat/internal/models"
	"gator-chat/internal/websocket"
)

// SimulateActivities drives message traffic and conversation reads until ctx
// is done.
func (s *EnhancedSimulator) SimulateActivities(ctx context.Context) {
	s.log.Info().Msg("starting activities simulation")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.every(ctx, s.config.MessageFrequency, s.simulateMessage)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.every(ctx, s.config.ReadFrequency, s.simulateRead)
	}()

	wg.Wait()
}

// every runs fn at the aggregate rate of perUserHour events per user per hour.
func (s *EnhancedSimulator) every(ctx context.Context, perUserHour float64, fn func(context.Context) error) {
	if perUserHour <= 0 {
		return
	}
	perSecond := perUserHour * float64(len(s.users)) / 3600
	interval := time.Duration(float64(time.Second) / perSecond)
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("activity failed")
			}
		}
	}
}

// pickPair selects a sender uniformly and a partner by Zipf rank, so a few
// conversations carry most of the traffic.
func (s *EnhancedSimulator) pickPair() (*SimulatedUser, *SimulatedUser) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.users)
	senderIdx := s.randIntn(n)
	receiverIdx := (senderIdx + 1 + s.getZipfNumber(n-1)) % n
	return s.users[senderIdx], s.users[receiverIdx]
}

func (s *EnhancedSimulator) simulateMessage(ctx context.Context) error {
	sender, receiver := s.pickPair()

	typing := sender.connected() && s.randFloat() < s.config.TypingProbability
	if typing {
		sender.sendFrame(websocket.Frame{
			Kind:       websocket.KindTyping,
			SenderID:   sender.ID,
			ReceiverID: &receiver.ID,
			Content:    websocket.TypingStarted,
		})
	}

	_, err := s.makeRequest(ctx, http.MethodPost, "/messages", sender.Token, map[string]interface{}{
		"receiverId": receiver.ID,
		"content":    fmt.Sprintf("hello from %s at %s", sender.Username, time.Now().Format(time.RFC3339Nano)),
		"kind":       models.KindText,
	})

	if typing {
		sender.sendFrame(websocket.Frame{
			Kind:       websocket.KindTyping,
			SenderID:   sender.ID,
			ReceiverID: &receiver.ID,
			Content:    websocket.TypingStopped,
		})
	}
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	s.stats.mu.Lock()
	s.stats.MessagesSent++
	s.stats.mu.Unlock()
	return nil
}

// simulateRead lists a user's conversations and opens the first unread one.
func (s *EnhancedSimulator) simulateRead(ctx context.Context) error {
	s.mu.RLock()
	user := s.users[s.randIntn(len(s.users))]
	s.mu.RUnlock()

	resp, err := s.makeRequest(ctx, http.MethodGet, "/conversations", user.Token, nil)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	var conversations []models.ConversationSummary
	if err := json.Unmarshal(resp, &conversations); err != nil {
		return fmt.Errorf("decode conversations: %w", err)
	}

	for _, c := range conversations {
		if c.UnreadCount == 0 || c.OtherUser == nil {
			continue
		}
		if _, err := s.makeRequest(ctx, http.MethodGet, "/conversations/"+c.OtherUser.ID.String()+"/messages", user.Token, nil); err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}
		s.stats.mu.Lock()
		s.stats.ConversationsOpened++
		s.stats.mu.Unlock()
		return nil
	}
	return nil
}
