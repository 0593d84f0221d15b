package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ClareAI/astra-phone-agent/internal/domain"
	"github.com/ClareAI/astra-phone-agent/pkg/logger"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

var (
	ErrMissingCallSid  = errors.New("call sid is required")
	ErrNoPendingTurn   = errors.New("no pending turn for call")
	ErrAlreadyAnswered = errors.New("turn already answered")
)

// TranscriptStore maps a call sid to its ordered turns.
//
// The index is a sync.Map so lookups never block on other calls; each call
// entry carries its own lock, so writers for one call never serialize writers
// for another. Entries live for the process lifetime.
type TranscriptStore struct {
	calls sync.Map // callSid -> *callEntry
	now   func() time.Time
}

type callEntry struct {
	mu        sync.RWMutex
	turns     []domain.Turn
	seen      map[string]struct{}
	createdAt time.Time
}

// NewTranscriptStore creates an empty store
func NewTranscriptStore() *TranscriptStore {
	return &TranscriptStore{now: time.Now}
}

func (s *TranscriptStore) lookup(callSid string) (*callEntry, bool) {
	v, ok := s.calls.Load(callSid)
	if !ok {
		return nil, false
	}
	return v.(*callEntry), true
}

func (s *TranscriptStore) getOrCreate(callSid string) *callEntry {
	if e, ok := s.lookup(callSid); ok {
		return e
	}
	v, _ := s.calls.LoadOrStore(callSid, &callEntry{
		seen:      make(map[string]struct{}),
		createdAt: s.now(),
	})
	return v.(*callEntry)
}

// AppendUserTurn appends {user: text, ai: nil} to the call's turns.
// eventID identifies the provider callback; a replayed eventID is ignored and
// reported with appended=false. An empty eventID is never deduplicated.
func (s *TranscriptStore) AppendUserTurn(callSid, eventID, text string) (turn domain.Turn, appended bool, err error) {
	if callSid == "" {
		return domain.Turn{}, false, ErrMissingCallSid
	}
	if strings.TrimSpace(text) == "" {
		return domain.Turn{}, false, nil
	}

	e := s.getOrCreate(callSid)
	e.mu.Lock()
	defer e.mu.Unlock()

	if eventID != "" {
		if _, dup := e.seen[eventID]; dup {
			return domain.Turn{}, false, nil
		}
		e.seen[eventID] = struct{}{}
	}

	turn = domain.Turn{
		ID:        uuid.NewString(),
		EventID:   eventID,
		User:      text,
		Timestamp: s.now().UTC(),
	}
	e.turns = append(e.turns, turn)

	logger.ForCall(callSid).Debug("transcript turn appended",
		zap.String("turn_id", turn.ID),
		zap.Int("turn_count", len(e.turns)),
	)
	return turn, true, nil
}

// Latest returns the last turn recorded for the call
func (s *TranscriptStore) Latest(callSid string) (domain.Turn, bool) {
	e, ok := s.lookup(callSid)
	if !ok {
		return domain.Turn{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.turns) == 0 {
		return domain.Turn{}, false
	}
	return copyTurn(e.turns[len(e.turns)-1]), true
}

// PendingTurn returns the last turn when it carries user text that has not
// been answered yet. An answered last turn means the next transcript has not
// arrived.
func (s *TranscriptStore) PendingTurn(callSid string) (domain.Turn, bool) {
	turn, ok := s.Latest(callSid)
	if !ok || !turn.Pending() {
		return domain.Turn{}, false
	}
	return turn, true
}

// RecordReply sets the assistant text on the turn identified by turnID.
func (s *TranscriptStore) RecordReply(callSid, turnID, aiText string) error {
	e, ok := s.lookup(callSid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingTurn, callSid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := len(e.turns) - 1; i >= 0; i-- {
		if e.turns[i].ID != turnID {
			continue
		}
		if !e.turns[i].HasUserText() {
			return fmt.Errorf("%w: %s", ErrNoPendingTurn, callSid)
		}
		if e.turns[i].Answered() {
			return fmt.Errorf("%w: %s", ErrAlreadyAnswered, turnID)
		}
		reply := aiText
		e.turns[i].AI = &reply
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNoPendingTurn, callSid)
}

// Turns returns a deep copy of the call's turns in arrival order
func (s *TranscriptStore) Turns(callSid string) []domain.Turn {
	e, ok := s.lookup(callSid)
	if !ok {
		return []domain.Turn{}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyTurns(e.turns)
}

// Len returns the number of turns recorded for the call
func (s *TranscriptStore) Len(callSid string) int {
	e, ok := s.lookup(callSid)
	if !ok {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.turns)
}

// CallSids returns every call with a store entry, sorted
func (s *TranscriptStore) CallSids() []string {
	sids := make([]string, 0)
	s.calls.Range(func(key, _ any) bool {
		sids = append(sids, key.(string))
		return true
	})
	sort.Strings(sids)
	return sids
}

// Snapshot groups all stored turns by call sid
func (s *TranscriptStore) Snapshot() []domain.CallTranscript {
	sids := s.CallSids()
	out := make([]domain.CallTranscript, 0, len(sids))
	for _, sid := range sids {
		out = append(out, domain.CallTranscript{
			CallSid:     sid,
			Transcripts: s.Turns(sid),
		})
	}
	return out
}

func copyTurns(turns []domain.Turn) []domain.Turn {
	out := make([]domain.Turn, 0, len(turns))
	if len(turns) == 0 {
		return out
	}
	if err := copier.Copy(&out, &turns); err != nil || len(out) != len(turns) {
		out = append(out[:0], turns...)
	}
	// reply pointers must not alias the stored turns
	for i := range out {
		out[i] = copyTurn(out[i])
	}
	return out
}

func copyTurn(t domain.Turn) domain.Turn {
	if t.AI != nil {
		ai := *t.AI
		t.AI = &ai
	}
	return t
}
