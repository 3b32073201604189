// Package dialogue tracks bilateral negotiation dialogues and validates
// that inbound messages continue a known dialogue in a legal order.
package dialogue

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/barterhub/barterhub/internal/protocol"
)

// Message ids of the negotiation steps. Declines carry the id one past
// the message they reject.
const (
	MsgIDCFP         = 1
	MsgIDPropose     = 2
	MsgIDAccept      = 3
	MsgIDMatchAccept = 4
)

// Role is the side this agent plays in one dialogue.
type Role int

const (
	RoleBuyer Role = iota
	RoleSeller
)

func (r Role) String() string {
	if r == RoleBuyer {
		return "buyer"
	}
	return "seller"
}

// Label identifies one dialogue: id, opponent, and which party started it.
type Label struct {
	DialogueID string
	Opponent   string
	Initiator  string
}

// Dialogue is the per-dialogue negotiation state machine guard.
type Dialogue struct {
	label         Label
	role          Role
	selfInitiated bool
	lastMsgID     int
	concluded     bool
}

// Label returns the dialogue label.
func (d *Dialogue) Label() Label { return d.label }

// Role returns this agent's side.
func (d *Dialogue) Role() Role { return d.role }

// SelfInitiated reports whether this agent opened the dialogue.
func (d *Dialogue) SelfInitiated() bool { return d.selfInitiated }

// LastMessageID returns the id of the last recorded message.
func (d *Dialogue) LastMessageID() int { return d.lastMsgID }

// Concluded reports whether the dialogue reached a terminal message.
func (d *Dialogue) Concluded() bool { return d.concluded }

// validateNext checks a message against the dialogue state machine:
// ids are consecutive, each message targets the previous one, and the
// performative fits the position.
func (d *Dialogue) validateNext(performative protocol.Performative, msgID, target int) error {
	if d.concluded {
		return fmt.Errorf("dialogue %s already concluded", d.label.DialogueID)
	}
	if msgID != d.lastMsgID+1 {
		return fmt.Errorf("message id %d does not follow %d", msgID, d.lastMsgID)
	}
	if target != d.lastMsgID {
		return fmt.Errorf("target %d does not reference last message %d", target, d.lastMsgID)
	}
	switch performative {
	case protocol.PerformativeCFP:
		if msgID != MsgIDCFP {
			return fmt.Errorf("cfp must open the dialogue")
		}
	case protocol.PerformativePropose:
		if msgID != MsgIDPropose {
			return fmt.Errorf("propose must answer a cfp")
		}
	case protocol.PerformativeAccept:
		if msgID != MsgIDAccept {
			return fmt.Errorf("accept must answer a propose")
		}
	case protocol.PerformativeMatchAccept:
		if msgID != MsgIDMatchAccept {
			return fmt.Errorf("match accept must answer an accept")
		}
	case protocol.PerformativeDecline:
		if target < MsgIDCFP || target > MsgIDAccept {
			return fmt.Errorf("decline target %d out of range", target)
		}
	default:
		return fmt.Errorf("performative %s is not a negotiation step", performative)
	}
	return nil
}

// Record advances the state machine after validateNext succeeded.
func (d *Dialogue) record(performative protocol.Performative, msgID int) {
	d.lastMsgID = msgID
	if performative == protocol.PerformativeDecline || performative == protocol.PerformativeMatchAccept {
		d.concluded = true
	}
}

// Store holds every dialogue of one agent.
type Store struct {
	mu        sync.Mutex
	selfID    string
	dialogues map[Label]*Dialogue
}

// NewStore creates a dialogue store for one agent identity.
func NewStore(selfID string) *Store {
	return &Store{selfID: selfID, dialogues: make(map[Label]*Dialogue)}
}

// Create opens a self-initiated dialogue with a fresh id.
func (s *Store) Create(opponent string, role Role) *Dialogue {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &Dialogue{
		label:         Label{DialogueID: uuid.NewString(), Opponent: opponent, Initiator: s.selfID},
		role:          role,
		selfInitiated: true,
	}
	s.dialogues[d.label] = d
	return d
}

// CreateOpponentInitiated registers a dialogue opened by the opponent.
func (s *Store) CreateOpponentInitiated(dialogueID, opponent string, role Role) (*Dialogue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	label := Label{DialogueID: dialogueID, Opponent: opponent, Initiator: opponent}
	if _, ok := s.dialogues[label]; ok {
		return nil, fmt.Errorf("dialogue %s already exists", dialogueID)
	}
	d := &Dialogue{label: label, role: role, selfInitiated: false}
	s.dialogues[label] = d
	return d, nil
}

// Admit validates an inbound negotiation message against both candidate
// labels (self-initiated and opponent-initiated) and, on success, records
// it and returns the dialogue.
func (s *Store) Admit(sender string, performative protocol.Performative, dialogueID string, msgID, target int) (*Dialogue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	labels := []Label{
		{DialogueID: dialogueID, Opponent: sender, Initiator: s.selfID},
		{DialogueID: dialogueID, Opponent: sender, Initiator: sender},
	}
	var d *Dialogue
	for _, label := range labels {
		if found, ok := s.dialogues[label]; ok {
			d = found
			break
		}
	}
	if d == nil {
		return nil, fmt.Errorf("unknown dialogue %s with %s", dialogueID, sender)
	}
	if err := d.validateNext(performative, msgID, target); err != nil {
		return nil, err
	}
	d.record(performative, msgID)
	return d, nil
}

// RecordOutbound validates and records a message this agent sends.
func (s *Store) RecordOutbound(d *Dialogue, performative protocol.Performative, msgID, target int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := d.validateNext(performative, msgID, target); err != nil {
		return err
	}
	d.record(performative, msgID)
	return nil
}

// Drop removes a dialogue, used when the competition ends.
func (s *Store) Drop(label Label) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dialogues, label)
}

// Len returns the number of tracked dialogues.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dialogues)
}

// DeriveTransactionID computes the shared transaction id both parties
// derive independently from the dialogue.
func DeriveTransactionID(buyer, seller, dialogueID string) string {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	for _, part := range []string{buyer, seller, dialogueID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
