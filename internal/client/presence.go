package client

import (
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/pkg/media"
	"meetmesh/pkg/utils"
)

const maxChatHistory = 200

type shownReaction struct {
	domain.Reaction
	shownAt time.Time
}

// ReactionBoard holds floating reactions for a fixed time after they were
// received.
type ReactionBoard struct {
	ttl   time.Duration
	clock utils.Clock

	mu    sync.Mutex
	items []shownReaction
}

func NewReactionBoard(ttl time.Duration, clock utils.Clock) *ReactionBoard {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &ReactionBoard{ttl: ttl, clock: clock}
}

func (b *ReactionBoard) Add(r domain.Reaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, shownReaction{Reaction: r, shownAt: b.clock.Now()})
}

// Active prunes expired reactions and returns the rest, oldest first.
func (b *ReactionBoard) Active() []domain.Reaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	kept := b.items[:0]
	for _, it := range b.items {
		if now.Sub(it.shownAt) < b.ttl {
			kept = append(kept, it)
		}
	}
	b.items = kept

	out := make([]domain.Reaction, 0, len(kept))
	for _, it := range kept {
		out = append(out, it.Reaction)
	}
	return out
}

// Presence is the client half of media toggles, chat and reactions. It keeps
// a roster of remote participants and their media state.
type Presence struct {
	signal ports.SignalSender
	board  *ReactionBoard
	clock  utils.Clock
	logger *zap.SugaredLogger

	mu        sync.Mutex
	meetingID domain.MeetingID
	self      domain.ConnectionID
	local     *media.LocalStream
	// outgoing reports the track the peer links currently send as video.
	outgoing func() webrtc.TrackLocal
	roster   map[domain.ConnectionID]*domain.SessionParticipant
	departed *departures
	chat     []domain.ChatMessage
	count    int
}

func NewPresence(signal ports.SignalSender, reactionTTL time.Duration, clock utils.Clock, logger *zap.SugaredLogger) *Presence {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &Presence{
		signal: signal,
		board:  NewReactionBoard(reactionTTL, clock),
		clock:  clock,
		logger: logger,
		roster:   make(map[domain.ConnectionID]*domain.SessionParticipant),
		departed: newDepartures(departureTTL, clock),
	}
}

// SetLocalStream binds the camera capture whose tracks the toggles gate.
func (p *Presence) SetLocalStream(s *media.LocalStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = s
}

// SetAudio mutes or unmutes the outgoing audio and tells the room.
func (p *Presence) SetAudio(on bool) error {
	p.mu.Lock()
	if p.local != nil && p.local.Audio != nil {
		p.local.Audio.SetEnabled(on)
	}
	meetingID := p.meetingID
	p.mu.Unlock()
	return p.signal.Send(domain.EventToggleAudio, domain.TogglePayload{MeetingID: meetingID, State: on})
}

// SetVideoSource makes SetVideo gate whatever track fn reports as the
// outgoing video instead of always the camera.
func (p *Presence) SetVideoSource(fn func() webrtc.TrackLocal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outgoing = fn
}

// SetVideo turns the outgoing video on or off and tells the room. While the
// screen is shared that is the display track.
func (p *Presence) SetVideo(on bool) error {
	p.mu.Lock()
	outgoing, local, meetingID := p.outgoing, p.local, p.meetingID
	p.mu.Unlock()

	var track *media.GatedTrack
	if outgoing != nil {
		track, _ = outgoing().(*media.GatedTrack)
	}
	if track == nil && local != nil {
		track = local.Video
	}
	if track != nil {
		track.SetEnabled(on)
	}
	return p.signal.Send(domain.EventToggleVideo, domain.TogglePayload{MeetingID: meetingID, State: on})
}

// SendReaction shows the reaction locally and sends it to the room. Delivery
// is best effort.
func (p *Presence) SendReaction(emoji, sender string, x, y float64) error {
	now := p.clock.Now()
	p.mu.Lock()
	meetingID, self := p.meetingID, p.self
	p.mu.Unlock()

	p.board.Add(domain.Reaction{From: self, Emoji: emoji, Sender: sender, X: x, Y: y, Timestamp: now})
	return p.signal.Send(domain.EventEmojiReaction, domain.EmojiReactionPayload{
		MeetingID: meetingID,
		Emoji:     emoji,
		Sender:    sender,
		X:         x,
		Y:         y,
		Timestamp: utils.UnixMillis(now),
	})
}

func (p *Presence) SendChat(text, user string) error {
	p.mu.Lock()
	meetingID, self := p.meetingID, p.self
	p.appendChat(domain.ChatMessage{From: self, Text: text, User: user, Timestamp: p.clock.Now()})
	p.mu.Unlock()
	return p.signal.Send(domain.EventSendMessage, domain.SendMessagePayload{MeetingID: meetingID, Text: text, User: user})
}

// appendChat must be called with p.mu held.
func (p *Presence) appendChat(m domain.ChatMessage) {
	p.chat = append(p.chat, m)
	if len(p.chat) > maxChatHistory {
		p.chat = append([]domain.ChatMessage(nil), p.chat[len(p.chat)-maxChatHistory:]...)
	}
}

// HandleEvent folds one server event into the roster, chat or board.
func (p *Presence) HandleEvent(ev domain.Event) error {
	switch ev.Type {
	case domain.EventExistingParticipants:
		var pl domain.ExistingParticipantsPayload
		if err := ev.Decode(&pl); err != nil {
			return err
		}
		p.mu.Lock()
		if p.meetingID != "" && p.meetingID != pl.MeetingID {
			p.roster = make(map[domain.ConnectionID]*domain.SessionParticipant, len(pl.Participants))
		}
		p.meetingID = pl.MeetingID
		p.self = pl.ConnectionID
		// Merged: peers already announced to us are newer than the list.
		for i := range pl.Participants {
			sp := pl.Participants[i]
			if _, ok := p.roster[sp.ConnectionID]; ok || p.departed.recent(sp.ConnectionID) {
				continue
			}
			p.roster[sp.ConnectionID] = &sp
		}
		p.mu.Unlock()
	case domain.EventUserJoined:
		var pl domain.UserJoinedPayload
		if err := ev.Decode(&pl); err != nil {
			return err
		}
		p.mu.Lock()
		p.departed.clear(pl.ConnectionID)
		p.roster[pl.ConnectionID] = &domain.SessionParticipant{
			ConnectionID: pl.ConnectionID,
			User:         pl.User,
			JoinedAt:     p.clock.Now(),
			MediaState:   pl.MediaState,
		}
		p.mu.Unlock()
	case domain.EventUserLeft:
		var pl domain.UserLeftPayload
		if err := ev.Decode(&pl); err != nil {
			return err
		}
		p.mu.Lock()
		delete(p.roster, pl.ConnectionID)
		p.departed.mark(pl.ConnectionID)
		p.mu.Unlock()
	case domain.EventParticipantAudioChanged, domain.EventParticipantVideoChanged:
		var pl domain.MediaChangedPayload
		if err := ev.Decode(&pl); err != nil {
			return err
		}
		video := ev.Type == domain.EventParticipantVideoChanged
		p.updateMedia(pl.ConnectionID, func(m *domain.MediaState) {
			if video {
				m.VideoOn = pl.State
			} else {
				m.AudioOn = pl.State
			}
		})
	case domain.EventScreenShareStarted, domain.EventScreenShareStopped:
		var pl domain.ScreenShareChangedPayload
		if err := ev.Decode(&pl); err != nil {
			return err
		}
		sharing := ev.Type == domain.EventScreenShareStarted
		p.updateMedia(pl.ConnectionID, func(m *domain.MediaState) { m.ScreenSharing = sharing })
	case domain.EventReceiveMessage:
		var pl domain.ReceiveMessagePayload
		if err := ev.Decode(&pl); err != nil {
			return err
		}
		p.mu.Lock()
		p.appendChat(domain.ChatMessage{From: pl.ConnectionID, Text: pl.Text, User: pl.User, Timestamp: domain.Millis(pl.Timestamp)})
		p.mu.Unlock()
	case domain.EventEmojiReaction:
		var pl domain.EmojiReactionPayload
		if err := ev.Decode(&pl); err != nil {
			return err
		}
		p.board.Add(domain.Reaction{
			From:      pl.ConnectionID,
			Emoji:     pl.Emoji,
			Sender:    pl.Sender,
			X:         pl.X,
			Y:         pl.Y,
			Timestamp: domain.Millis(pl.Timestamp),
		})
	case domain.EventParticipantCount:
		var pl domain.ParticipantCountPayload
		if err := ev.Decode(&pl); err != nil {
			return err
		}
		p.mu.Lock()
		p.count = pl.Count
		p.mu.Unlock()
	}
	return nil
}

func (p *Presence) updateMedia(id domain.ConnectionID, mutate func(*domain.MediaState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.roster[id]
	if !ok {
		p.logger.Debugw("media change for unknown participant", "connection_id", id)
		return
	}
	mutate(&sp.MediaState)
}

func (p *Presence) Participant(id domain.ConnectionID) (domain.SessionParticipant, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.roster[id]
	if !ok {
		return domain.SessionParticipant{}, false
	}
	return *sp, true
}

// Roster returns remote participants ordered by join time.
func (p *Presence) Roster() []domain.SessionParticipant {
	p.mu.Lock()
	out := make([]domain.SessionParticipant, 0, len(p.roster))
	for _, sp := range p.roster {
		out = append(out, *sp)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// Count is the last participant count announced by the server.
func (p *Presence) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *Presence) Messages() []domain.ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ChatMessage(nil), p.chat...)
}

func (p *Presence) Reactions() []domain.Reaction {
	return p.board.Active()
}

// Reset forgets the meeting, as after leaving it.
func (p *Presence) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.meetingID = ""
	p.self = ""
	p.local = nil
	p.roster = make(map[domain.ConnectionID]*domain.SessionParticipant)
	p.departed.reset()
	p.chat = nil
	p.count = 0
}
