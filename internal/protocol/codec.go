package protocol

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
)

// DecodeError reports a frame that is not a valid catalog message.
// The peer that sent it must be disconnected.
type DecodeError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("decode %s: %s", e.Kind, e.Reason)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// requiredAttrs lists root attributes that must be present. Numeric ids
// cannot be told apart from their zero value after unmarshalling, so their
// presence is checked on the raw start element.
var requiredAttrs = map[Kind][]string{
	KindConfirmGameRegistration:    {"gameId"},
	KindRejectGameRegistration:     {"gameName"},
	KindJoinGame:                   {"gameName", "preferedTeam", "preferedRole"},
	KindConfirmJoiningGame:         {"playerId", "gameId", "privateGuid"},
	KindRejectJoiningGame:          {"playerId", "gameName"},
	KindGameStarted:                {"gameId"},
	KindGame:                       {"playerId"},
	KindMove:                       {"gameId", "playerGuid", "direction"},
	KindPickUpPiece:                {"gameId", "playerGuid"},
	KindPlacePiece:                 {"gameId", "playerGuid"},
	KindTestPiece:                  {"gameId", "playerGuid"},
	KindDiscover:                   {"gameId", "playerGuid"},
	KindAuthorizeKnowledgeExchange: {"gameId", "playerGuid", "withPlayerId"},
	KindData:                       {"playerId", "gameFinished"},
	KindKnowledgeExchangeRequest:   {"playerId", "senderPlayerId"},
	KindAcceptExchangeRequest:      {"playerId", "senderPlayerId"},
	KindRejectKnowledgeExchange:    {"playerId", "senderPlayerId"},
	KindGameMasterDisconnected:     {"gameId"},
	KindPlayerDisconnected:         {"playerId"},
}

var validate = validator.New()

// Encode serializes m as a single XML document. The output never contains
// Separator: the encoder replaces control characters that XML cannot
// represent.
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	start := xml.StartElement{Name: xml.Name{Space: Namespace, Local: string(m.Kind())}}
	if err := enc.EncodeElement(m, start); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return buf.Bytes(), nil
}

// Decode parses a single frame body into a catalog message and validates
// required attributes and enumerations.
func Decode(data []byte) (Message, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	start, err := rootElement(dec)
	if err != nil {
		return nil, err
	}

	kind := Kind(start.Name.Local)
	if start.Name.Space != "" && start.Name.Space != Namespace {
		return nil, &DecodeError{Kind: kind, Reason: "unexpected namespace " + start.Name.Space}
	}

	msg := newMessage(kind)
	if msg == nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown message <%s>", start.Name.Local)}
	}

	for _, name := range requiredAttrs[kind] {
		if !hasAttr(start, name) {
			return nil, &DecodeError{Kind: kind, Reason: "missing attribute " + name}
		}
	}

	if err := dec.DecodeElement(msg, &start); err != nil {
		return nil, &DecodeError{Kind: kind, Reason: "malformed body", Err: err}
	}

	if err := validate.Struct(msg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, &DecodeError{
				Kind:   kind,
				Reason: fmt.Sprintf("field %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()),
				Err:    err,
			}
		}
		return nil, &DecodeError{Kind: kind, Reason: "invalid message", Err: err}
	}

	return msg, nil
}

func rootElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return xml.StartElement{}, &DecodeError{Reason: "no root element"}
			}
			return xml.StartElement{}, &DecodeError{Reason: "malformed xml", Err: err}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return xml.StartElement{}, &DecodeError{Reason: "text before root element"}
			}
		}
	}
}

func hasAttr(start xml.StartElement, name string) bool {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return true
		}
	}
	return false
}
