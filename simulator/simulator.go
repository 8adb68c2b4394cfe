package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"gator-chat/internal/websocket"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type SimConfig struct {
	NumUsers       int
	SimulationTime time.Duration
	// Messages per user per hour.
	MessageFrequency float64
	// Conversation list refreshes per user per hour.
	ReadFrequency float64
	// Chance that a connected sender emits typing frames around a message.
	TypingProbability float64
	DisconnectRate    float64
	ReconnectRate     float64
	ZipfS             float64
	Workers           int
	EngineURL         string
}

type SimulationStats struct {
	mu                  sync.RWMutex
	StartTime           time.Time
	TotalRequests       int64
	SuccessRequests     int64
	FailedRequests      int64
	AverageLatency      time.Duration
	ActiveUsers         int
	MessagesSent        int
	MessagesDelivered   int
	TypingFrames        int
	StatusFrames        int
	ConversationsOpened int
}

// SimulatedUser is one chat participant driven by the simulator.
type SimulatedUser struct {
	ID       uuid.UUID
	Username string
	Email    string
	Token    string

	mu   sync.Mutex
	conn *ws.Conn
}

func (u *SimulatedUser) connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn != nil
}

// sendFrame writes f on the user's socket, if open.
func (u *SimulatedUser) sendFrame(f websocket.Frame) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return fmt.Errorf("user %s is offline", u.Username)
	}
	u.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return u.conn.WriteJSON(f)
}

type EnhancedSimulator struct {
	config SimConfig
	stats  *SimulationStats
	users  []*SimulatedUser
	client *http.Client
	dialer *ws.Dialer
	log    zerolog.Logger
	mu     sync.RWMutex
	rng    *rand.Rand
	rngMu  sync.Mutex
}

func NewEnhancedSimulator(config SimConfig, logger zerolog.Logger) *EnhancedSimulator {
	if config.Workers <= 0 {
		config.Workers = 5
	}
	if config.ZipfS <= 1 {
		config.ZipfS = 1.07
	}
	return &EnhancedSimulator{
		config: config,
		stats: &SimulationStats{
			StartTime: time.Now(),
		},
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		dialer: &ws.Dialer{HandshakeTimeout: 5 * time.Second},
		log:    logger.With().Str("component", "simulator").Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *EnhancedSimulator) Run(ctx context.Context) error {
	s.log.Info().Msg("starting chat simulation")

	if err := s.initialize(ctx); err != nil {
		return fmt.Errorf("initialization failed: %v", err)
	}
	defer s.disconnectAll()

	// Start concurrent simulations
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.SimulateActivities(ctx)
	}()

	// Simulate connection states
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.simulateConnectivity(ctx)
	}()

	// Collect metrics
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.collectMetrics(ctx)
	}()

	wg.Wait()
	return nil
}

func (s *EnhancedSimulator) initialize(ctx context.Context) error {
	s.log.Info().Int("users", s.config.NumUsers).Msg("phase 1: registering users")
	if err := s.createInitialUsers(ctx); err != nil {
		return fmt.Errorf("failed to create initial users: %v", err)
	}
	if len(s.users) < 2 {
		return fmt.Errorf("need at least two users, registered %d", len(s.users))
	}

	s.log.Info().Msg("phase 2: connecting sockets")
	for _, user := range s.users {
		if err := s.connect(ctx, user); err != nil {
			s.log.Warn().Err(err).Str("user", user.Username).Msg("initial connect failed")
		}
	}

	s.log.Info().Msg("initialization completed")
	return nil
}

func (s *EnhancedSimulator) createInitialUsers(ctx context.Context) error {
	userJobs := make(chan int, s.config.Workers)
	results := make(chan *SimulatedUser, s.config.Workers)
	runID := uuid.NewString()[:8]

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			for userNum := range userJobs {
				user := &SimulatedUser{
					Username: fmt.Sprintf("user_%s_%d", runID, userNum),
					Email:    fmt.Sprintf("user_%s_%d@test.com", runID, userNum),
				}

				// Exponential backoff for retries
				var err error
				for retries := 0; retries < 3; retries++ {
					if err = s.registerAndLogin(ctx, user); err == nil {
						results <- user
						break
					}
					backoff := time.Duration(math.Pow(2, float64(retries))) * 100 * time.Millisecond
					s.log.Debug().Err(err).Int("worker", workerID).Str("user", user.Username).Dur("backoff", backoff).Msg("retrying registration")
					select {
					case <-ctx.Done():
						return
					case <-time.After(backoff):
					}
				}
				if err != nil {
					s.log.Warn().Err(err).Str("user", user.Username).Msg("failed to register user after retries")
				}
			}
		}(i)
	}

	go func() {
		defer close(userJobs)
		for i := 0; i < s.config.NumUsers; i++ {
			select {
			case <-ctx.Done():
				return
			case userJobs <- i:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make([]*SimulatedUser, 0, s.config.NumUsers)
	for user := range results {
		s.users = append(s.users, user)
	}

	s.log.Info().Int("created", len(s.users)).Msg("users registered")
	return ctx.Err()
}

func (s *EnhancedSimulator) registerAndLogin(ctx context.Context, user *SimulatedUser) error {
	const password = "testpass123"

	_, err := s.makeRequest(ctx, http.MethodPost, "/user/register", "", map[string]string{
		"username": user.Username,
		"email":    user.Email,
		"password": password,
	})
	if err != nil && !strings.Contains(err.Error(), "409") {
		return fmt.Errorf("failed to register user: %v", err)
	}

	resp, err := s.makeRequest(ctx, http.MethodPost, "/user/login", "", map[string]string{
		"email":    user.Email,
		"password": password,
	})
	if err != nil {
		return fmt.Errorf("failed to log in: %v", err)
	}

	var result struct {
		Token  string `json:"token"`
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return fmt.Errorf("failed to parse login response: %v", err)
	}
	id, err := uuid.Parse(result.UserID)
	if err != nil {
		return fmt.Errorf("invalid user ID returned: %v", err)
	}

	user.ID = id
	user.Token = result.Token
	return nil
}

// connect opens the user's socket, binds it with an online announcement and
// starts counting inbound frames.
func (s *EnhancedSimulator) connect(ctx context.Context, user *SimulatedUser) error {
	url := "ws" + strings.TrimPrefix(s.config.EngineURL, "http") + "/ws?token=" + user.Token
	conn, resp, err := s.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}

	user.mu.Lock()
	user.conn = conn
	user.mu.Unlock()

	if err := user.sendFrame(websocket.Frame{
		Kind:      websocket.KindStatus,
		SenderID:  user.ID,
		Broadcast: true,
		Content:   websocket.StatusOnline,
	}); err != nil {
		s.disconnect(user)
		return err
	}

	go s.readLoop(user, conn)
	return nil
}

func (s *EnhancedSimulator) disconnect(user *SimulatedUser) {
	user.mu.Lock()
	conn := user.conn
	user.conn = nil
	user.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *EnhancedSimulator) disconnectAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		s.disconnect(user)
	}
}

func (s *EnhancedSimulator) readLoop(user *SimulatedUser, conn *ws.Conn) {
	for {
		var frame websocket.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		s.stats.mu.Lock()
		switch {
		case frame.IsDurable():
			s.stats.MessagesDelivered++
		case frame.Kind == websocket.KindTyping:
			s.stats.TypingFrames++
		case frame.Kind == websocket.KindStatus:
			s.stats.StatusFrames++
		}
		s.stats.mu.Unlock()
	}
}

// getZipfNumber returns a rank in [0, max), small ranks being the most likely.
func (s *EnhancedSimulator) getZipfNumber(max int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	zipf := rand.NewZipf(s.rng, s.config.ZipfS, 1, uint64(max-1))
	return int(zipf.Uint64())
}

func (s *EnhancedSimulator) randFloat() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func (s *EnhancedSimulator) randIntn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

// Helper method to make HTTP requests
func (s *EnhancedSimulator) makeRequest(ctx context.Context, method, endpoint, token string, data interface{}) ([]byte, error) {
	var body []byte
	var err error

	if data != nil {
		body, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.EngineURL+endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err == nil && resp.StatusCode >= 400 {
		resp.Body.Close()
		err = fmt.Errorf("request failed with status: %d", resp.StatusCode)
	}
	s.recordRequestMetrics(start, err)

	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (s *EnhancedSimulator) simulateConnectivity(ctx context.Context) {
	s.log.Info().Msg("starting connectivity simulation")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			users := s.users
			s.mu.RUnlock()

			for _, user := range users {
				if user.connected() {
					if s.randFloat() < s.config.DisconnectRate {
						s.disconnect(user)
					}
				} else if s.randFloat() < s.config.ReconnectRate {
					if err := s.connect(ctx, user); err != nil {
						s.log.Debug().Err(err).Str("user", user.Username).Msg("reconnect failed")
					}
				}
			}
		}
	}
}

func (s *EnhancedSimulator) recordRequestMetrics(start time.Time, err error) {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()

	latency := time.Since(start)
	s.stats.TotalRequests++

	if err != nil {
		s.stats.FailedRequests++
	} else {
		s.stats.SuccessRequests++
	}

	totalLatency := s.stats.AverageLatency * time.Duration(s.stats.TotalRequests-1)
	s.stats.AverageLatency = (totalLatency + latency) / time.Duration(s.stats.TotalRequests)
}

func (s *EnhancedSimulator) activeUsers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := 0
	for _, user := range s.users {
		if user.connected() {
			active++
		}
	}
	return active
}

func (s *EnhancedSimulator) collectMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := s.GetMetrics()
			s.log.Info().
				Float64("req_per_sec", m.RequestsPerSecond).
				Dur("avg_latency", m.AverageLatency).
				Int("active_users", m.ActiveUsers).
				Int("total_users", m.TotalUsers).
				Int("messages_sent", m.MessagesSent).
				Int("messages_delivered", m.MessagesDelivered).
				Int("typing_frames", m.TypingFrames).
				Int("errors", m.ErrorCount).
				Msg("simulation metrics")
		}
	}
}

// SimulationMetrics holds the metrics of the simulation
type SimulationMetrics struct {
	TotalUsers          int
	ActiveUsers         int
	MessagesSent        int
	MessagesDelivered   int
	TypingFrames        int
	StatusFrames        int
	ConversationsOpened int
	AverageLatency      time.Duration
	ErrorCount          int
	RequestsPerSecond   float64
}

// GetMetrics returns the current simulation metrics
func (s *EnhancedSimulator) GetMetrics() SimulationMetrics {
	active := s.activeUsers()
	s.mu.RLock()
	total := len(s.users)
	s.mu.RUnlock()

	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()
	s.stats.ActiveUsers = active

	elapsed := time.Since(s.stats.StartTime)
	return SimulationMetrics{
		TotalUsers:          total,
		ActiveUsers:         active,
		MessagesSent:        s.stats.MessagesSent,
		MessagesDelivered:   s.stats.MessagesDelivered,
		TypingFrames:        s.stats.TypingFrames,
		StatusFrames:        s.stats.StatusFrames,
		ConversationsOpened: s.stats.ConversationsOpened,
		AverageLatency:      s.stats.AverageLatency,
		ErrorCount:          int(s.stats.FailedRequests),
		RequestsPerSecond:   float64(s.stats.TotalRequests) / elapsed.Seconds(),
	}
}
