package repair

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type RefKind int

const (
	RefAbsent RefKind = iota
	RefNormalized
	RefLegacy
)

func (k RefKind) String() string {
	switch k {
	case RefNormalized:
		return "normalized"
	case RefLegacy:
		return "legacy"
	default:
		return "absent"
	}
}

// AuthorRef is a stored author reference in one of its three shapes.
type AuthorRef struct {
	kind  RefKind
	value string
}

func Normalized(userID string) AuthorRef { return AuthorRef{kind: RefNormalized, value: userID} }
func Legacy(text string) AuthorRef       { return AuthorRef{kind: RefLegacy, value: text} }
func Absent() AuthorRef                  { return AuthorRef{} }

func (r AuthorRef) Kind() RefKind { return r.kind }

func (r AuthorRef) UserID() (string, bool) {
	return r.value, r.kind == RefNormalized
}

func (r AuthorRef) LegacyText() (string, bool) {
	return r.value, r.kind == RefLegacy
}

// ParseAuthorRef reads the stored encoding: {"userId": id}, a JSON string
// for legacy free text, or null/nothing.
func ParseAuthorRef(raw json.RawMessage) (AuthorRef, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Absent(), nil
	}
	switch raw[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return AuthorRef{}, fmt.Errorf("parse legacy author: %w", err)
		}
		return Legacy(text), nil
	case '{':
		var doc struct {
			UserID *string `json:"userId"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return AuthorRef{}, fmt.Errorf("parse author reference: %w", err)
		}
		if doc.UserID == nil || *doc.UserID == "" {
			return AuthorRef{}, fmt.Errorf("author reference without userId: %s", raw)
		}
		return Normalized(*doc.UserID), nil
	default:
		return AuthorRef{}, fmt.Errorf("unsupported author encoding: %s", raw)
	}
}
