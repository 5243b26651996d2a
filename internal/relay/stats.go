package relay

import (
	"sync"
	"time"
)

// Stats accumulates relay counters for the /api/stats endpoint. Counters
// are operational, in-memory only, and reset on restart.
type Stats struct {
	mu              sync.Mutex
	startedAt       time.Time
	channelsActive  int
	channelsOpened  int
	subscribers     int
	peakSubscribers int
	peakOccupancy   int // largest single channel seen
	messagesRelayed int
	presenceTracked int
	sessionsCreated int
	statesSaved     int
	sessionsLoaded  int
	loadNotFound    int
}

// StatsSnapshot is the JSON shape served by /api/stats.
type StatsSnapshot struct {
	UptimeSeconds   int64 `json:"uptimeSeconds"`
	ChannelsActive  int   `json:"channelsActive"`
	ChannelsOpened  int   `json:"channelsOpened"`
	Subscribers     int   `json:"subscribers"`
	PeakSubscribers int   `json:"peakSubscribers"`
	PeakOccupancy   int   `json:"peakOccupancy"`
	MessagesRelayed int   `json:"messagesRelayed"`
	PresenceTracked int   `json:"presenceTracked"`
	SessionsCreated int   `json:"sessionsCreated"`
	StatesSaved     int   `json:"statesSaved"`
	SessionsLoaded  int   `json:"sessionsLoaded"`
	LoadNotFound    int   `json:"loadNotFound"`
}

func NewStats() *Stats {
	return &Stats{startedAt: time.Now()}
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		ChannelsActive:  s.channelsActive,
		ChannelsOpened:  s.channelsOpened,
		Subscribers:     s.subscribers,
		PeakSubscribers: s.peakSubscribers,
		PeakOccupancy:   s.peakOccupancy,
		MessagesRelayed: s.messagesRelayed,
		PresenceTracked: s.presenceTracked,
		SessionsCreated: s.sessionsCreated,
		StatesSaved:     s.statesSaved,
		SessionsLoaded:  s.sessionsLoaded,
		LoadNotFound:    s.loadNotFound,
	}
}

func (s *Stats) channelOpened() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelsActive++
	s.channelsOpened++
}

func (s *Stats) channelClosed() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelsActive--
}

func (s *Stats) subscriberJoined(occupancy int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers++
	if s.subscribers > s.peakSubscribers {
		s.peakSubscribers = s.subscribers
	}
	if occupancy > s.peakOccupancy {
		s.peakOccupancy = occupancy
	}
}

func (s *Stats) subscriberLeft() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers--
}

func (s *Stats) messageRelayed() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messagesRelayed++
}

func (s *Stats) trackPresence() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presenceTracked++
}

func (s *Stats) sessionCreated() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionsCreated++
}

func (s *Stats) stateSaved() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statesSaved++
}

func (s *Stats) sessionLoaded(found bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if found {
		s.sessionsLoaded++
	} else {
		s.loadNotFound++
	}
}
