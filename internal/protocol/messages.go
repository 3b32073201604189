package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Performative defines supported message kinds.
type Performative string

const (
	// agent -> controller
	PerformativeRegister       Performative = "REGISTER"
	PerformativeUnregister     Performative = "UNREGISTER"
	PerformativeTransaction    Performative = "TRANSACTION"
	PerformativeGetStateUpdate Performative = "GET_STATE_UPDATE"

	// controller -> agent
	PerformativeError          Performative = "ERROR"
	PerformativeGameData       Performative = "GAME_DATA"
	PerformativeTxConfirmation Performative = "TX_CONFIRMATION"
	PerformativeStateUpdate    Performative = "STATE_UPDATE"
	PerformativeCancelled      Performative = "CANCELLED"

	// agent <-> agent negotiation
	PerformativeCFP         Performative = "CFP"
	PerformativePropose     Performative = "PROPOSE"
	PerformativeAccept      Performative = "ACCEPT"
	PerformativeMatchAccept Performative = "MATCH_ACCEPT"
	PerformativeDecline     Performative = "DECLINE"
)

var validPerformatives = map[Performative]struct{}{
	PerformativeRegister:       {},
	PerformativeUnregister:     {},
	PerformativeTransaction:    {},
	PerformativeGetStateUpdate: {},
	PerformativeError:          {},
	PerformativeGameData:       {},
	PerformativeTxConfirmation: {},
	PerformativeStateUpdate:    {},
	PerformativeCancelled:      {},
	PerformativeCFP:            {},
	PerformativePropose:        {},
	PerformativeAccept:         {},
	PerformativeMatchAccept:    {},
	PerformativeDecline:        {},
}

// Message is the signed envelope for every agent and controller exchange.
// The public key doubles as the sender identity.
type Message struct {
	Nonce        string          `cbor:"nonce"`
	Timestamp    time.Time       `cbor:"timestamp"`
	Performative Performative    `cbor:"performative"`
	Payload      cbor.RawMessage `cbor:"payload"`
	PublicKey    string          `cbor:"public_key"` // base64 raw ed25519 public key
	Signature    string          `cbor:"signature"`  // base64 raw signature
}

type messageSignable struct {
	Nonce        string          `cbor:"nonce"`
	Timestamp    time.Time       `cbor:"timestamp"`
	Performative Performative    `cbor:"performative"`
	Payload      cbor.RawMessage `cbor:"payload"`
	PublicKey    string          `cbor:"public_key"`
}

// New builds an unsigned message for the given payload.
func New(performative Performative, payload any) (Message, error) {
	raw, err := Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", performative, err)
	}
	return Message{
		Nonce:        uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Performative: performative,
		Payload:      raw,
	}, nil
}

// Sender returns the sender identity (base64 public key).
func (m Message) Sender() string { return strings.TrimSpace(m.PublicKey) }

// CanonicalBytes returns the deterministic signing payload.
func (m Message) CanonicalBytes() ([]byte, error) {
	signable := messageSignable{
		Nonce:        strings.TrimSpace(m.Nonce),
		Timestamp:    m.Timestamp.UTC().Truncate(time.Microsecond),
		Performative: m.Performative,
		Payload:      m.Payload,
		PublicKey:    strings.TrimSpace(m.PublicKey),
	}
	return Marshal(signable)
}

// ValidateBasic checks required immutable message fields.
func (m Message) ValidateBasic() error {
	if strings.TrimSpace(m.Nonce) == "" {
		return errors.New("nonce is required")
	}
	if m.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if _, ok := validPerformatives[m.Performative]; !ok {
		return fmt.Errorf("unsupported performative: %s", m.Performative)
	}
	if len(m.Payload) == 0 {
		return errors.New("payload is required")
	}
	if strings.TrimSpace(m.PublicKey) == "" {
		return errors.New("public_key is required")
	}
	if strings.TrimSpace(m.Signature) == "" {
		return errors.New("signature is required")
	}
	return nil
}

// Sign sets message public key/signature for the given private key.
func (m *Message) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid private key")
	}
	m.PublicKey = base64.StdEncoding.EncodeToString(privateKey.Public().(ed25519.PublicKey))
	payload, err := m.CanonicalBytes()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(privateKey, payload)
	m.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify validates the message signature using the included public key.
// Any failure means the message must be discarded unprocessed.
func (m Message) Verify() error {
	if err := m.ValidateBasic(); err != nil {
		return err
	}
	pubRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(m.PublicKey))
	if err != nil {
		return fmt.Errorf("invalid public_key: %w", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return errors.New("invalid public_key size")
	}
	sigRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(m.Signature))
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if len(sigRaw) != ed25519.SignatureSize {
		return errors.New("invalid signature size")
	}
	payload, err := m.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pubRaw), payload, sigRaw) {
		return errors.New("signature verification failed")
	}
	return nil
}

// DecodePayload decodes performative payloads.
func DecodePayload[T any](raw cbor.RawMessage) (T, error) {
	var out T
	if err := Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// RegisterPayload requests competition entry under a display name.
type RegisterPayload struct {
	Name string `cbor:"name"`
}

// UnregisterPayload withdraws a registration during the registration window.
type UnregisterPayload struct{}

// TransactionPayload submits one half of a bilateral trade for settlement.
type TransactionPayload struct {
	TransactionID string         `cbor:"transaction_id"`
	SenderIsBuyer bool           `cbor:"sender_is_buyer"`
	Counterparty  string         `cbor:"counterparty"`
	Amount        float64        `cbor:"amount"`
	Quantities    map[string]int `cbor:"quantities"`
}

// GetStateUpdatePayload asks the controller to replay an agent's history.
type GetStateUpdatePayload struct{}

// ErrorPayload reports a rejected request.
type ErrorPayload struct {
	Code    ErrorCode         `cbor:"code"`
	Message string            `cbor:"message"`
	Details map[string]string `cbor:"details,omitempty"`
}

// GameDataPayload carries an agent's private view of the generated game.
type GameDataPayload struct {
	Balance       float64            `cbor:"balance"`
	Endowment     map[string]int     `cbor:"endowment"`
	UtilityParams map[string]float64 `cbor:"utility_params"`
	NbAgents      int                `cbor:"nb_agents"`
	NbGoods       int                `cbor:"nb_goods"`
	TxFee         float64            `cbor:"tx_fee"`
	AgentNames    map[string]string  `cbor:"agent_names"`
	GoodNames     map[string]string  `cbor:"good_names"`
}

// TxConfirmationPayload acknowledges one settled transaction.
type TxConfirmationPayload struct {
	TransactionID string `cbor:"transaction_id"`
}

// StateUpdatePayload replays game data plus every settled transaction
// the requesting agent took part in, in settlement order.
type StateUpdatePayload struct {
	GameData     GameDataPayload      `cbor:"game_data"`
	Transactions []TransactionPayload `cbor:"transactions"`
}

// CancelledPayload announces competition termination.
type CancelledPayload struct{}

// CFPPayload opens a negotiation dialogue with a call for proposals.
type CFPPayload struct {
	DialogueID string   `cbor:"dialogue_id"`
	MessageID  int      `cbor:"message_id"`
	Target     int      `cbor:"target"`
	Query      []string `cbor:"query,omitempty"` // good ids of interest, empty means all
}

// ProposePayload answers a CFP with concrete trade terms.
type ProposePayload struct {
	DialogueID string         `cbor:"dialogue_id"`
	MessageID  int            `cbor:"message_id"`
	Target     int            `cbor:"target"`
	Price      float64        `cbor:"price"`
	Quantities map[string]int `cbor:"quantities"`
}

// AcceptPayload accepts a proposal.
type AcceptPayload struct {
	DialogueID string `cbor:"dialogue_id"`
	MessageID  int    `cbor:"message_id"`
	Target     int    `cbor:"target"`
}

// MatchAcceptPayload confirms an acceptance, committing both sides.
type MatchAcceptPayload struct {
	DialogueID string `cbor:"dialogue_id"`
	MessageID  int    `cbor:"message_id"`
	Target     int    `cbor:"target"`
}

// DeclinePayload rejects a CFP, proposal or acceptance.
type DeclinePayload struct {
	DialogueID string `cbor:"dialogue_id"`
	MessageID  int    `cbor:"message_id"`
	Target     int    `cbor:"target"`
}
